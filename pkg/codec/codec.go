// Package codec serializes persisted values.
//
// Values are MessagePack maps keyed by field name, so stored records stay
// self-describing and survive field additions across versions.
package codec

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

func handle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{WriteExt: true}
	h.Canonical = true
	return h
}

// Marshal encodes v into a self-describing msgpack buffer.
func Marshal(v interface{}) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, handle()).Encode(v); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf, nil
}

// Unmarshal decodes a msgpack buffer into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := codec.NewDecoderBytes(data, handle()).Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
