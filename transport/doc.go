// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport is the point-to-point primitive discovery drives:
// a [Connection] that negotiates through one offer/answer exchange and
// carries exactly one ordered, reliable message [Channel].
//
// Negotiation is vanilla ICE. CreateOffer and AcceptOffer return only
// once candidate gathering has finished, so the returned [Description]
// is complete and a single rendezvous round-trip connects the pair.
// Descriptions marshal to the browser RTCSessionDescription JSON shape
// ({"type":"offer","sdp":"..."}), so Go nodes interoperate with browser
// peers through the same tracker.
//
// The channel is pre-negotiated (id 0, label "BUNDLE") on both sides,
// so neither peer waits for an in-band data channel announcement.
// Messages that arrive before OnMessage is installed are held and
// delivered, in order, once a handler is set.
//
// [WebRTCFactory] is the production implementation on pion/webrtc.
// [MemoryNetwork] links connections inside one process for tests.
package transport
