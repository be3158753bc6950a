// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rendezvous speaks the WebTorrent tracker signaling protocol:
// peers announce themselves under an info_hash (the feed), hand the
// tracker a batch of offers to relay to other swarm members, and answer
// relayed offers through the tracker addressed by offer_id and
// to_peer_id.
//
// The package works at the message layer only. A [Conn] is one tracker
// connection; when it dies its [Conn.Signals] channel closes and the
// caller dials a fresh one. Reconnect policy belongs to the caller.
//
// [WebSocketDialer] connects to a real tracker. [MemoryHub] is an
// in-process tracker for tests.
package rendezvous
