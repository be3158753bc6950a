// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package changestore

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Values of the changes.encoding column.
const (
	encodingRaw  = 0
	encodingZstd = 1
)

// minCompressSize skips compression for payloads too small to shrink.
const minCompressSize = 128

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("changestore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("changestore: zstd decoder initialization failed: " + err.Error())
	}
}

// pack returns the bytes to store and their encoding tag.
func pack(encoded []byte) ([]byte, int) {
	if len(encoded) < minCompressSize {
		return encoded, encodingRaw
	}
	compressed := zstdEncoder.EncodeAll(encoded, nil)
	if len(compressed) >= len(encoded) {
		return encoded, encodingRaw
	}
	return compressed, encodingZstd
}

func unpack(stored []byte, encoding int, size int) ([]byte, error) {
	switch encoding {
	case encodingRaw:
		return stored, nil
	case encodingZstd:
		result, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unknown payload encoding %d", encoding)
	}
}
