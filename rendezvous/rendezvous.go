// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"errors"

	"github.com/bureau-foundation/meshfeed/transport"
)

// ErrNotOpen is returned by Send on a connection that has closed.
var ErrNotOpen = errors.New("rendezvous: connection not open")

// ActionAnnounce is the only action the signaling protocol uses.
const ActionAnnounce = "announce"

// Offer is one entry in an announce's offer batch.
type Offer struct {
	OfferID string                `json:"offer_id"`
	Offer   transport.Description `json:"offer"`
}

// Announce is an outbound tracker message. A keep-alive carries NumWant
// zero and no offers. An answer to a relayed offer sets OfferID,
// ToPeerID, and Answer.
type Announce struct {
	Action   string  `json:"action"`
	InfoHash string  `json:"info_hash"`
	PeerID   string  `json:"peer_id"`
	NumWant  int     `json:"numwant"`
	Offers   []Offer `json:"offers,omitempty"`

	OfferID  string                 `json:"offer_id,omitempty"`
	ToPeerID string                 `json:"to_peer_id,omitempty"`
	Answer   *transport.Description `json:"answer,omitempty"`
}

// Signal is an inbound tracker message: an announce response carrying
// swarm counts, a relayed offer, or a relayed answer.
type Signal struct {
	Action   string `json:"action,omitempty"`
	InfoHash string `json:"info_hash,omitempty"`
	PeerID   string `json:"peer_id,omitempty"`
	OfferID  string `json:"offer_id,omitempty"`

	Offer  *transport.Description `json:"offer,omitempty"`
	Answer *transport.Description `json:"answer,omitempty"`

	// Incomplete is the swarm size including the receiver. Nil when
	// the message carries no count.
	Incomplete *int `json:"incomplete,omitempty"`
	Complete   *int `json:"complete,omitempty"`
	Interval   int  `json:"interval,omitempty"`

	FailureReason  string `json:"failure reason,omitempty"`
	WarningMessage string `json:"warning message,omitempty"`
}

// Dialer opens tracker connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live tracker connection.
type Conn interface {
	// Open reports whether Send can still succeed.
	Open() bool

	// Send writes one announce. It returns ErrNotOpen once the
	// connection has closed.
	Send(ctx context.Context, announce Announce) error

	// Signals delivers inbound messages. It is closed when the
	// connection dies.
	Signals() <-chan Signal

	Close() error
}
