// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package serde

import (
	"encoding/hex"
	"fmt"
)

const ObjectIDLength = 32

// ObjectID is a 32-byte object address.
type ObjectID [ObjectIDLength]byte

// String returns lowercase hex without prefix.
func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// ObjectIDFromHex parses hex with or without a 0x prefix.
func ObjectIDFromHex(s string) (ObjectID, error) {
	var id ObjectID
	b, err := decodeHex(s)
	if err != nil {
		return id, err
	}
	if len(b) != ObjectIDLength {
		return id, fmt.Errorf("invalid object id length %d, expecting %d", len(b), ObjectIDLength)
	}
	copy(id[:], b)
	return id, nil
}

// HexObjectID encodes an ObjectID as a hex string.
type HexObjectID struct{}

func (HexObjectID) SerializeAs(v ObjectID, e Encoder) error {
	return e.EncodeString(v.String())
}

func (HexObjectID) DeserializeAs(d Decoder) (ObjectID, error) {
	s, err := d.DecodeString()
	if err != nil {
		return ObjectID{}, err
	}
	id, err := ObjectIDFromHex(s)
	if err != nil {
		return ObjectID{}, &DecodeError{Err: err}
	}
	return id, nil
}
