// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package serde

import (
	"encoding/base64"

	"github.com/luxfi/netrpc/bls"
)

// Base64KeyPair is satisfied by *K when K has a canonical base64 form.
type Base64KeyPair[K any] interface {
	*K
	EncodeBase64() string
	DecodeBase64(s string) error
}

// KeyPairBase64 encodes a key pair as its canonical base64 string, for
// example KeyPairBase64[bls.KeyPair, *bls.KeyPair].
type KeyPairBase64[K any, PK Base64KeyPair[K]] struct{}

func (KeyPairBase64[K, PK]) SerializeAs(v K, e Encoder) error {
	return e.EncodeString(PK(&v).EncodeBase64())
}

func (KeyPairBase64[K, PK]) DeserializeAs(d Decoder) (K, error) {
	var kp K
	s, err := d.DecodeString()
	if err != nil {
		return kp, err
	}
	if err := PK(&kp).DecodeBase64(s); err != nil {
		return kp, &DecodeError{Err: err}
	}
	return kp, nil
}

// Signature encodes a bls.Signature as base64 of its raw bytes.
type Signature struct{}

func (Signature) SerializeAs(v bls.Signature, e Encoder) error {
	return e.EncodeString(base64.StdEncoding.EncodeToString(v.Bytes()))
}

func (Signature) DeserializeAs(d Decoder) (bls.Signature, error) {
	b, err := decodeBase64String(d)
	if err != nil {
		return bls.Signature{}, err
	}
	sig, err := bls.SignatureFromBytes(b)
	if err != nil {
		return bls.Signature{}, &DecodeError{Err: err}
	}
	return sig, nil
}

// AggregateSignature encodes a bls.AggregateSignature as base64 of its raw
// bytes.
type AggregateSignature struct{}

func (AggregateSignature) SerializeAs(v bls.AggregateSignature, e Encoder) error {
	return e.EncodeString(base64.StdEncoding.EncodeToString(v.Bytes()))
}

func (AggregateSignature) DeserializeAs(d Decoder) (bls.AggregateSignature, error) {
	b, err := decodeBase64String(d)
	if err != nil {
		return bls.AggregateSignature{}, err
	}
	sig, err := bls.AggregateSignatureFromBytes(b)
	if err != nil {
		return bls.AggregateSignature{}, &DecodeError{Err: err}
	}
	return sig, nil
}

func decodeBase64String(d Decoder) ([]byte, error) {
	s, err := d.DecodeString()
	if err != nil {
		return nil, err
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return b, nil
}
