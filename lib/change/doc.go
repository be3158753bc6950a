// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package change defines the unit of replication: an immutable
// [Change] to one logical row, stamped with a version-vector [Clock].
//
// Changes travel and are stored in their encoded form (deterministic
// CBOR, see lib/codec). The [Hash] of the encoded bytes is the
// deduplication key everywhere: in the change store, in bloom filter
// snapshots, and in change notifications.
//
// Clocks are only ever compared pairwise between two changes to the
// same row. There is no global order across rows.
package change
