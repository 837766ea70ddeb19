// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package serde

import (
	"github.com/RoaringBitmap/roaring"
)

// Bitmap encodes a roaring bitmap in the portable RoaringFormatSpec layout
// (https://github.com/RoaringBitmap/RoaringFormatSpec), wrapped as a byte
// string. A nil bitmap encodes as the empty set.
type Bitmap struct{}

func (Bitmap) SerializeAs(v *roaring.Bitmap, e Encoder) error {
	if v == nil {
		v = roaring.New()
	}
	b, err := v.ToBytes()
	if err != nil {
		return &EncodeError{Err: err}
	}
	return e.EncodeBytes(b)
}

func (Bitmap) DeserializeAs(d Decoder) (*roaring.Bitmap, error) {
	b, err := d.DecodeBytes()
	if err != nil {
		return nil, err
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(b); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return bm, nil
}
