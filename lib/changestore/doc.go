// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package changestore is the durable, append-only log of encoded
// changes that replication reads from and writes to.
//
// Each change is stored once, keyed by its content hash. The position
// of a change in the log is fixed at insertion, so a peer can resume
// pulling from a cursor. Alongside the log the store keeps a bloom
// filter of every hash it holds; a snapshot of that filter is what a
// peer sends during initial reconciliation, and [Store.MissingChanges]
// answers with every change the peer's filter does not claim.
//
// Payloads are zstd-compressed at rest when that makes them smaller.
package changestore
