// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package replication converges the local change log with every
// established peer's.
//
// Each peer found by discovery gets a session: an rpc stub over the
// peer's channel serving two operations, getRecentChanges (everything
// at or after a cursor) and getUnseenChanges (everything a bloom filter
// snapshot lacks). A new session first sends the peer its own
// filter snapshot through getUnseenChanges to catch up, then pulls
// getRecentChanges every PollInterval from the cursor the peer last
// reported.
//
// A session runs at most one round at a time. A tick that finds a round
// still in flight skips that peer rather than queueing, so a slow peer
// loses ticks and never piles up requests. Rounds for different peers
// run concurrently.
//
// Received changes are stored under their content hash. Only changes
// the store did not already have are reported on [Engine.Changes], so
// overlapping pulls and the same change arriving from several peers are
// silent. Local changes are stored the same way and reach peers only
// when they next pull.
//
// During the initial exchange each side learns two sets: the changes it
// sent the peer and the changes the peer sent back. A local change
// whose row the peer also changed, with the peer's clock strictly
// later, is reported on [Engine.Conflicts]. Resolution is left to the
// caller.
package replication
