// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/meshfeed/lib/codec"
)

// compressThreshold is the smallest data field worth compressing.
const compressThreshold = 1024

// maxFrameSize bounds a reassembled frame and a decompressed data field.
const maxFrameSize = 64 << 20

// codeUnknownAction marks a reply to an action with no handler.
const codeUnknownAction = "unknown_action"

type frame struct {
	ID     uint64 `cbor:"id"`
	Action string `cbor:"action,omitempty"`
	Reply  bool   `cbor:"reply,omitempty"`
	Code   string `cbor:"code,omitempty"`
	Error  string `cbor:"error,omitempty"`
	Data   []byte `cbor:"data,omitempty"`

	// LZ4 is the uncompressed length of Data, or zero when Data is
	// not compressed.
	LZ4 int `cbor:"lz4,omitempty"`
}

var errIncompressible = errors.New("incompressible")

// setData stores data, compressing it when that saves space.
func (f *frame) setData(data []byte) {
	f.Data = data
	f.LZ4 = 0
	if len(data) < compressThreshold {
		return
	}
	compressed, err := compressLZ4(data)
	if err != nil {
		return
	}
	f.Data = compressed
	f.LZ4 = len(data)
}

// data returns the uncompressed data field.
func (f *frame) data() ([]byte, error) {
	if f.LZ4 == 0 {
		return f.Data, nil
	}
	if f.LZ4 < 0 || f.LZ4 > maxFrameSize {
		return nil, fmt.Errorf("frame %d: uncompressed size %d out of range", f.ID, f.LZ4)
	}
	return decompressLZ4(f.Data, f.LZ4)
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// Zero means lz4 judged the input incompressible.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

func encodeFrame(f frame) ([]byte, error) {
	encoded, err := codec.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return encoded, nil
}

func decodeFrame(encoded []byte) (frame, error) {
	var f frame
	if err := codec.Unmarshal(encoded, &f); err != nil {
		return frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}
