// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package change

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/meshfeed/lib/codec"
)

// Change is one mutation of the row identified by RowID. Changes are
// immutable once created.
type Change struct {
	RowID   string `cbor:"row"`
	Clock   Clock  `cbor:"clock"`
	Payload []byte `cbor:"payload,omitempty"`
}

// Encode returns the canonical wire and storage form of the change.
func (c Change) Encode() ([]byte, error) {
	data, err := codec.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding change for row %q: %w", c.RowID, err)
	}
	return data, nil
}

// Decode parses an encoded change.
func Decode(data []byte) (Change, error) {
	var c Change
	if err := codec.Unmarshal(data, &c); err != nil {
		return Change{}, fmt.Errorf("decoding change: %w", err)
	}
	if c.RowID == "" {
		return Change{}, fmt.Errorf("decoding change: empty row id")
	}
	return c, nil
}

// Hash is the BLAKE3 content hash of an encoded change.
type Hash [32]byte

// changeDomainKey separates change hashes from any other BLAKE3 use of
// the same bytes. Changing it invalidates every stored hash.
var changeDomainKey = [32]byte{
	'm', 'e', 's', 'h', 'f', 'e', 'e', 'd', '.', 'c', 'h', 'a', 'n', 'g', 'e',
}

// HashEncoded computes the content hash of an encoded change.
func HashEncoded(encoded []byte) Hash {
	hasher, err := blake3.NewKeyed(changeDomainKey[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic("change: BLAKE3 keyed hasher: " + err.Error())
	}
	hasher.Write(encoded)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// String returns the lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash parses the hex form produced by String.
func ParseHash(text string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return hash, fmt.Errorf("parsing change hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("change hash is %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}
