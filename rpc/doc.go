// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc runs request/response operations over one transport
// channel. Both ends of the channel are symmetric: each side serves its
// registered handlers and can call the other side's.
//
// Every message is a CBOR frame:
//
//	{id, action, reply, code, error, data, lz4}
//
// A request carries an action and its CBOR-encoded argument in data. A
// reply echoes the request id with reply set and carries either data or
// an error. Data larger than 1 KiB is lz4 block-compressed, with lz4
// recording the uncompressed length.
//
// When a read key is configured, each encoded frame is sealed with
// XChaCha20-Poly1305 under a key derived from the read key, so only
// holders of the feed's read key can read or forge traffic. Frames that
// fail to open are logged and dropped.
//
// Encoded (and possibly sealed) frames are split into chunks of at most
// 16 KiB to stay under every data channel implementation's message
// limit. The channel is ordered and chunks of one frame are written
// back to back, so reassembly is concatenation.
//
// Typed access goes through [Operation]:
//
//	var getRecent = rpc.Operation[recentRequest, changesResponse]{Name: "getRecentChanges"}
//
//	stub, _ := rpc.New(channel, rpc.Options{Handlers: []rpc.Handler{
//	    getRecent.Handle(serveRecent),
//	}})
//	response, err := getRecent.Call(ctx, stub, recentRequest{Cursor: 10})
package rpc
