// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration used for everything
// meshfeed hashes or puts on a peer channel: encoded changes and RPC
// frames.
//
// Encoding is RFC 8949 Core Deterministic, so the same logical change
// always produces the same bytes and therefore the same content hash.
// Version-vector clocks are Go maps; deterministic encoding sorts their
// keys, which is what makes hashing them safe.
package codec
