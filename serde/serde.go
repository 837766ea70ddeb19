// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package serde lets one Go type carry two wire encodings: a human readable
// one (hex and base64 strings, for JSON and CLIs) and a compact binary one
// (raw bytes, for peers). The encoder decides which is used.
//
// An adaptor is a stateless type with SerializeAs and DeserializeAs methods.
// Readable[T, H, M] asks the encoder whether it is human readable and
// delegates to H or M. Adaptors plug into struct fields through As:
//
//	type Checkpoint struct {
//		Digest serde.As[serde.ObjectID, serde.Readable[serde.ObjectID, serde.HexObjectID, serde.ToArray[serde.ObjectID, serde.Bytes]]]
//		Signers serde.As[*roaring.Bitmap, serde.Bitmap]
//	}
//
// Encoded with JSON the digest is a hex string; with CBOR or RLP it is a
// 32-byte string.
package serde

import (
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Encoder receives the single value an adaptor produces.
type Encoder interface {
	IsHumanReadable() bool
	EncodeString(s string) error
	EncodeBytes(b []byte) error
}

// Decoder yields the single value an adaptor consumes.
type Decoder interface {
	IsHumanReadable() bool
	DecodeString() (string, error)
	DecodeBytes() ([]byte, error)
}

// Adaptor overrides how values of type T are encoded.
type Adaptor[T any] interface {
	SerializeAs(v T, e Encoder) error
	DeserializeAs(d Decoder) (T, error)
}

// EncodeError is returned when an adaptor cannot produce bytes.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return "byte serialization failed, cause by: " + e.Err.Error()
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError is returned when an adaptor cannot parse its input.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "byte deserialization failed, cause by: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Readable delegates to H for human readable encoders and to M otherwise.
type Readable[T any, H Adaptor[T], M Adaptor[T]] struct{}

func (Readable[T, H, M]) SerializeAs(v T, e Encoder) error {
	if e.IsHumanReadable() {
		var h H
		return h.SerializeAs(v, e)
	}
	var m M
	return m.SerializeAs(v, e)
}

func (Readable[T, H, M]) DeserializeAs(d Decoder) (T, error) {
	if d.IsHumanReadable() {
		var h H
		return h.DeserializeAs(d)
	}
	var m M
	return m.DeserializeAs(d)
}

// Bytes writes a byte slice as the encoder's native byte string.
type Bytes struct{}

func (Bytes) SerializeAs(v []byte, e Encoder) error {
	return e.EncodeBytes(v)
}

func (Bytes) DeserializeAs(d Decoder) ([]byte, error) {
	return d.DecodeBytes()
}

// Hex writes a byte slice as lowercase hex without prefix. Decoding accepts
// an optional 0x prefix.
type Hex struct{}

func (Hex) SerializeAs(v []byte, e Encoder) error {
	return e.EncodeString(hex.EncodeToString(v))
}

func (Hex) DeserializeAs(d Decoder) ([]byte, error) {
	s, err := d.DecodeString()
	if err != nil {
		return nil, err
	}
	b, err := decodeHex(s)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return b, nil
}

// Base64 writes a byte slice as padded standard base64.
type Base64 struct{}

func (Base64) SerializeAs(v []byte, e Encoder) error {
	return e.EncodeString(base64.StdEncoding.EncodeToString(v))
}

func (Base64) DeserializeAs(d Decoder) ([]byte, error) {
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

func decodeHex(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}
