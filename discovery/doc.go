// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery keeps a node connected to a target number of peers
// in a feed's swarm, using a WebTorrent-style tracker for signaling.
//
// An [Engine] owns one tracker connection and every candidate and
// established peer connection. All of that state lives on the goroutine
// running [Engine.Run]: transport callbacks, timers, and the results of
// blocking work (dialing, ICE gathering) are posted back to it as tasks,
// so the tables need no locks.
//
// Each candidate connection moves through
//
//	offered -> answered -> promoted
//	    \          \
//	     `-> expired `-> expired
//
// An outbound offer starts offered and becomes answered when the
// tracker relays a matching answer. An inbound offer starts answered,
// since negotiation completes locally. A candidate is promoted once its
// channel is open, exactly once, whichever of the open callback and the
// synchronous check gets there first. The offer timeout expires a
// candidate that is not yet connected; a connection that is already
// connected when the timer fires wins and is kept.
//
// A heartbeat runs every HeartbeatPeriod and on [Engine.Wake]. It
// reconnects a dead tracker connection, or sends an offer round when
// the node has fewer than TargetPeers peers and the backoff interval
// has passed, or otherwise sends a keep-alive. The backoff interval
// comes from OfferBackoff indexed by the number of rounds sent, clamped
// at the last entry, and drops back to the first entry when any peer
// is lost.
package discovery
