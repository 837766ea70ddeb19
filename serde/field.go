// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package serde

import (
	"bytes"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
)

// As is a struct field holding a T that is encoded with adaptor A by the
// JSON, CBOR and RLP encoders.
type As[T any, A Adaptor[T]] struct {
	Value T
}

// Of wraps v.
func Of[A Adaptor[T], T any](v T) As[T, A] {
	return As[T, A]{Value: v}
}

func (f As[T, A]) MarshalJSON() ([]byte, error) {
	return Serialize[T, A](JSON, f.Value)
}

func (f *As[T, A]) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	v, err := Deserialize[T, A](JSON, b)
	if err != nil {
		return err
	}
	f.Value = v
	return nil
}

func (f As[T, A]) MarshalCBOR() ([]byte, error) {
	return Serialize[T, A](Binary, f.Value)
}

func (f *As[T, A]) UnmarshalCBOR(b []byte) error {
	v, err := Deserialize[T, A](Binary, b)
	if err != nil {
		return err
	}
	f.Value = v
	return nil
}

func (f As[T, A]) EncodeRLP(w io.Writer) error {
	b, err := Serialize[T, A](RLP, f.Value)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (f *As[T, A]) DecodeRLP(s *rlp.Stream) error {
	raw, err := s.Raw()
	if err != nil {
		return err
	}
	v, err := Deserialize[T, A](RLP, raw)
	if err != nil {
		return err
	}
	f.Value = v
	return nil
}
