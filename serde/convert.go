// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package serde

import (
	"encoding"
	"fmt"
	"reflect"
)

// BinaryValue is satisfied by *T when T converts to and from bytes.
type BinaryValue[T any] interface {
	*T
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// TryFromVec encodes T through its byte form using V. Decoding reads bytes
// with V and then runs the fallible conversion into T.
type TryFromVec[T any, PT BinaryValue[T], V Adaptor[[]byte]] struct{}

func (TryFromVec[T, PT, V]) SerializeAs(v T, e Encoder) error {
	b, err := PT(&v).MarshalBinary()
	if err != nil {
		return &EncodeError{Err: err}
	}
	var inner V
	return inner.SerializeAs(b, e)
}

func (TryFromVec[T, PT, V]) DeserializeAs(d Decoder) (T, error) {
	var (
		out   T
		inner V
	)
	b, err := inner.DeserializeAs(d)
	if err != nil {
		return out, err
	}
	if err := PT(&out).UnmarshalBinary(b); err != nil {
		return out, &DecodeError{Err: err}
	}
	return out, nil
}

var byteType = reflect.TypeOf(byte(0))

// ToArray encodes a fixed size byte array A (for example [32]byte or a named
// array type) through V. Decoding fails unless V yields exactly len(A) bytes.
type ToArray[A any, V Adaptor[[]byte]] struct{}

func (ToArray[A, V]) SerializeAs(v A, e Encoder) error {
	rv := reflect.ValueOf(&v).Elem()
	if err := checkByteArray(rv.Type()); err != nil {
		return &EncodeError{Err: err}
	}
	b := make([]byte, rv.Len())
	reflect.Copy(reflect.ValueOf(b), rv)
	var inner V
	return inner.SerializeAs(b, e)
}

func (ToArray[A, V]) DeserializeAs(d Decoder) (A, error) {
	var (
		out   A
		inner V
	)
	rv := reflect.ValueOf(&out).Elem()
	if err := checkByteArray(rv.Type()); err != nil {
		return out, &DecodeError{Err: err}
	}
	b, err := inner.DeserializeAs(d)
	if err != nil {
		return out, err
	}
	if len(b) != rv.Len() {
		return out, &DecodeError{Err: fmt.Errorf("invalid array length %d, expecting %d", len(b), rv.Len())}
	}
	reflect.Copy(rv, reflect.ValueOf(b))
	return out, nil
}

func checkByteArray(t reflect.Type) error {
	if t.Kind() != reflect.Array || t.Elem() != byteType {
		return fmt.Errorf("%s is not a byte array", t)
	}
	return nil
}
