// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"crypto/rand"

	"github.com/bureau-foundation/meshfeed/lib/version"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Lengths match WebTorrent clients: a 20-character peer id with an
// 8-character client tag, and 20-character offer ids.
const (
	peerIDRandomLength = 12
	offerIDLength      = 20
)

func randomChars(length int) string {
	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		panic("discovery: reading random bytes: " + err.Error())
	}
	for i, b := range buffer {
		// 256 % 62 leaves a small bias; ids only need to be unique.
		buffer[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buffer)
}

// NewPeerID returns a fresh peer id: the client tag followed by random
// characters.
func NewPeerID() string {
	return version.ClientTag() + randomChars(peerIDRandomLength)
}

func newOfferID() string {
	return randomChars(offerIDLength)
}
