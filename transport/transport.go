// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Send on a channel that is not open.
var ErrChannelClosed = errors.New("transport: channel not open")

// Description is a session description in RTCSessionDescription JSON
// form.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Description types.
const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
)

// ConnectionState mirrors RTCPeerConnectionState.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Factory builds unconnected connections.
type Factory interface {
	NewConnection() (Connection, error)
}

// Connection is one peer connection and its single channel.
//
// Callbacks run on transport-owned goroutines and must not block.
type Connection interface {
	// CreateOffer produces the complete local offer.
	CreateOffer(ctx context.Context) (Description, error)

	// AcceptOffer applies a remote offer and produces the complete
	// local answer.
	AcceptOffer(ctx context.Context, offer Description) (Description, error)

	// AcceptAnswer applies the remote answer to an offer this
	// connection created.
	AcceptAnswer(answer Description) error

	State() ConnectionState

	// OnStateChange replaces the state change callback.
	OnStateChange(func())

	Channel() Channel

	Close() error
}

// Channel is the pre-negotiated message channel of a Connection.
type Channel interface {
	Open() bool
	Send(data []byte) error

	// OnOpen, OnClose, and OnMessage replace the respective callback.
	OnOpen(func())
	OnClose(func())
	OnMessage(func(data []byte))
}

// maxBacklog bounds messages held for a channel with no handler yet.
const maxBacklog = 1024

// inbox delivers channel messages to the current handler, holding them
// until one is installed. mu is held across handler calls so that the
// backlog drain and live delivery cannot interleave.
type inbox struct {
	mu      sync.Mutex
	handler func([]byte)
	backlog [][]byte
}

func (b *inbox) push(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler == nil {
		if len(b.backlog) < maxBacklog {
			b.backlog = append(b.backlog, data)
		}
		return
	}
	b.handler(data)
}

func (b *inbox) setHandler(handler func([]byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	if handler == nil {
		return
	}
	backlog := b.backlog
	b.backlog = nil
	for _, data := range backlog {
		handler(data)
	}
}
