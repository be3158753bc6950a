// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/bureau-foundation/meshfeed/lib/codec"
	"github.com/bureau-foundation/meshfeed/rpc"
)

type recentRequest struct {
	Cursor int `cbor:"cursor"`
}

type unseenRequest struct {
	// Filter is the requester's bloom filter in its WriteTo form.
	Filter []byte `cbor:"bloom"`
}

type changesResponse struct {
	Changes []codec.RawMessage `cbor:"changes"`
	Cursor  int                `cbor:"cursor"`
}

var (
	getRecentChanges = rpc.Operation[recentRequest, changesResponse]{Name: "getRecentChanges"}
	getUnseenChanges = rpc.Operation[unseenRequest, changesResponse]{Name: "getUnseenChanges"}
)

func encodeFilter(filter *bloom.BloomFilter) ([]byte, error) {
	var buffer bytes.Buffer
	if _, err := filter.WriteTo(&buffer); err != nil {
		return nil, fmt.Errorf("encoding bloom filter: %w", err)
	}
	return buffer.Bytes(), nil
}

// filterHeader is m, k, and the bit set length, each a big-endian
// uint64, ahead of the bit words.
const filterHeader = 24

// decodeFilter parses a peer's filter. The declared sizes are checked
// against the payload before anything is allocated from them.
func decodeFilter(data []byte) (*bloom.BloomFilter, error) {
	if len(data) < filterHeader {
		return nil, fmt.Errorf("bloom filter is %d bytes, minimum is %d", len(data), filterHeader)
	}
	bits := binary.BigEndian.Uint64(data[0:8])
	hashes := binary.BigEndian.Uint64(data[8:16])
	setLength := binary.BigEndian.Uint64(data[16:24])
	available := uint64(len(data)-filterHeader) * 8
	if bits > available+63 || setLength > available+63 {
		return nil, fmt.Errorf("bloom filter declares %d bits in %d bytes", setLength, len(data))
	}
	if bits == 0 || bits > setLength {
		return nil, fmt.Errorf("bloom filter declares %d bits in a %d bit set", bits, setLength)
	}
	if hashes == 0 || hashes > 64 {
		return nil, fmt.Errorf("bloom filter declares %d hash functions", hashes)
	}

	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("decoding bloom filter: %w", err)
	}
	return filter, nil
}

func rawChanges(encoded [][]byte) []codec.RawMessage {
	changes := make([]codec.RawMessage, len(encoded))
	for i, data := range encoded {
		changes[i] = data
	}
	return changes
}
