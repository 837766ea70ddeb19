// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package serde

import (
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/fxamacker/cbor/v2"
)

// Codec encodes/decodes whole values and advertises whether its output is
// meant for humans. Adaptors branch on that bit.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
	IsHumanReadable() bool
}

// JSONCodec is the human readable codec.
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) IsHumanReadable() bool { return true }

var cborEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// BinaryCodec is the compact codec used between peers: deterministic CBOR.
type BinaryCodec struct{}

func (BinaryCodec) Encode(v interface{}) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (BinaryCodec) Decode(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

func (BinaryCodec) IsHumanReadable() bool { return false }

// RLPCodec is a compact codec for values exchanged with EVM tooling.
type RLPCodec struct{}

func (RLPCodec) Encode(v interface{}) ([]byte, error) {
	return rlp.EncodeToBytes(v)
}

func (RLPCodec) Decode(data []byte, v interface{}) error {
	return rlp.DecodeBytes(data, v)
}

func (RLPCodec) IsHumanReadable() bool { return false }

var (
	JSON   Codec = JSONCodec{}
	Binary Codec = BinaryCodec{}
	RLP    Codec = RLPCodec{}
)

var errAlreadyEncoded = errors.New("value already encoded")

// codecEncoder collects the single value an adaptor writes.
type codecEncoder struct {
	codec Codec
	out   []byte
}

func (e *codecEncoder) IsHumanReadable() bool { return e.codec.IsHumanReadable() }

func (e *codecEncoder) EncodeString(s string) error {
	return e.encode(s)
}

func (e *codecEncoder) EncodeBytes(b []byte) error {
	if b == nil {
		b = []byte{}
	}
	return e.encode(b)
}

func (e *codecEncoder) encode(v interface{}) error {
	if e.out != nil {
		return errAlreadyEncoded
	}
	out, err := e.codec.Encode(v)
	if err != nil {
		return err
	}
	e.out = out
	return nil
}

type codecDecoder struct {
	codec Codec
	data  []byte
}

func (d *codecDecoder) IsHumanReadable() bool { return d.codec.IsHumanReadable() }

func (d *codecDecoder) DecodeString() (string, error) {
	var s string
	err := d.codec.Decode(d.data, &s)
	return s, err
}

func (d *codecDecoder) DecodeBytes() ([]byte, error) {
	var b []byte
	if err := d.codec.Decode(d.data, &b); err != nil {
		return nil, err
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

// Serialize encodes v with adaptor A through c.
func Serialize[T any, A Adaptor[T]](c Codec, v T) ([]byte, error) {
	enc := &codecEncoder{codec: c}
	var a A
	if err := a.SerializeAs(v, enc); err != nil {
		return nil, err
	}
	if enc.out == nil {
		return nil, &EncodeError{Err: errors.New("adaptor wrote nothing")}
	}
	return enc.out, nil
}

// Deserialize decodes data with adaptor A through c.
func Deserialize[T any, A Adaptor[T]](c Codec, data []byte) (T, error) {
	var a A
	return a.DeserializeAs(&codecDecoder{codec: c, data: data})
}
