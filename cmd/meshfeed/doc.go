// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Meshfeed runs one replica of a peer-to-peer change feed. It joins the
// feed's swarm through the configured rendezvous tracker, connects to
// peers over WebRTC data channels, and keeps its SQLite change log in
// sync with theirs.
//
// Each line on stdin of the form
//
//	<row-id> <payload>
//
// is stored as a new change to that row. Changes arriving from peers
// and detected conflicts are logged.
//
// Signals:
//
//   - SIGUSR1 sends a tracker heartbeat now, as after a network change
//   - SIGINT and SIGTERM shut down cleanly
//
// Configuration comes from --config or MESHFEED_CONFIG; see package
// lib/config for the fields.
package main
