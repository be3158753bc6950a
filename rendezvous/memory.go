// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// memoryInterval is the re-announce interval the hub advertises.
const memoryInterval = 120

// MemoryHub is an in-process tracker. Each announce registers the
// sender in its swarm, relays each offer to a distinct other member,
// relays an answer to its to_peer_id, and replies with the swarm size.
// Offers go to members in peer id order. Delivery never blocks; a full
// inbound queue drops the message, as a lossy network would.
type MemoryHub struct {
	mu        sync.Mutex
	swarms    map[string]map[string]*memoryConn
	announces map[string][]Announce
	offline   bool
}

// NewMemoryHub returns a hub with no swarms.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		swarms:    make(map[string]map[string]*memoryConn),
		announces: make(map[string][]Announce),
	}
}

var errOffline = errors.New("rendezvous: memory hub offline")

// Dialer returns a Dialer connecting to this hub.
func (h *MemoryHub) Dialer() Dialer { return memoryDialer{hub: h} }

// SetOffline makes subsequent dials fail.
func (h *MemoryHub) SetOffline(offline bool) {
	h.mu.Lock()
	h.offline = offline
	h.mu.Unlock()
}

// Drop closes peerID's connection as if the tracker went away.
func (h *MemoryHub) Drop(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, swarm := range h.swarms {
		if conn, ok := swarm[peerID]; ok {
			h.closeLocked(conn)
		}
	}
}

// Announces returns every announce peerID has sent, oldest first.
func (h *MemoryHub) Announces(peerID string) []Announce {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.announces[peerID])
}

// Swarm returns the number of connected members under infoHash.
func (h *MemoryHub) Swarm(infoHash string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.swarms[infoHash])
}

// Inject delivers signal to peerID's connection directly.
func (h *MemoryHub) Inject(peerID string, signal Signal) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, swarm := range h.swarms {
		if conn, ok := swarm[peerID]; ok {
			return conn.deliverLocked(signal)
		}
	}
	return false
}

type memoryDialer struct{ hub *MemoryHub }

func (d memoryDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.hub.mu.Lock()
	defer d.hub.mu.Unlock()
	if d.hub.offline {
		return nil, errOffline
	}
	return &memoryConn{
		hub:     d.hub,
		signals: make(chan Signal, signalBuffer),
	}, nil
}

func (h *MemoryHub) handle(sender *memoryConn, announce Announce) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sender.closed {
		return ErrNotOpen
	}

	swarm := h.swarms[announce.InfoHash]
	if swarm == nil {
		swarm = make(map[string]*memoryConn)
		h.swarms[announce.InfoHash] = swarm
	}
	if previous, ok := swarm[announce.PeerID]; ok && previous != sender {
		h.closeLocked(previous)
	}
	swarm[announce.PeerID] = sender
	sender.peerID = announce.PeerID
	sender.infoHash = announce.InfoHash
	h.announces[announce.PeerID] = append(h.announces[announce.PeerID], announce)

	if announce.Answer != nil {
		if target, ok := swarm[announce.ToPeerID]; ok {
			target.deliverLocked(Signal{
				Action:   ActionAnnounce,
				InfoHash: announce.InfoHash,
				PeerID:   announce.PeerID,
				OfferID:  announce.OfferID,
				Answer:   announce.Answer,
			})
		}
	}

	others := make([]string, 0, len(swarm))
	for peerID := range swarm {
		if peerID != announce.PeerID {
			others = append(others, peerID)
		}
	}
	slices.Sort(others)
	for i, offer := range announce.Offers {
		if i >= len(others) {
			break
		}
		description := offer.Offer
		swarm[others[i]].deliverLocked(Signal{
			Action:   ActionAnnounce,
			InfoHash: announce.InfoHash,
			PeerID:   announce.PeerID,
			OfferID:  offer.OfferID,
			Offer:    &description,
		})
	}

	incomplete := len(swarm)
	complete := 0
	sender.deliverLocked(Signal{
		Action:     ActionAnnounce,
		InfoHash:   announce.InfoHash,
		Incomplete: &incomplete,
		Complete:   &complete,
		Interval:   memoryInterval,
	})
	return nil
}

func (h *MemoryHub) closeLocked(conn *memoryConn) {
	if conn.closed {
		return
	}
	conn.closed = true
	close(conn.signals)
	if swarm := h.swarms[conn.infoHash]; swarm != nil && swarm[conn.peerID] == conn {
		delete(swarm, conn.peerID)
	}
}

// memoryConn state is guarded by hub.mu.
type memoryConn struct {
	hub      *MemoryHub
	signals  chan Signal
	peerID   string
	infoHash string
	closed   bool
}

func (c *memoryConn) deliverLocked(signal Signal) bool {
	if c.closed {
		return false
	}
	select {
	case c.signals <- signal:
		return true
	default:
		return false
	}
}

func (c *memoryConn) Open() bool {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return !c.closed
}

func (c *memoryConn) Send(ctx context.Context, announce Announce) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.hub.handle(c, announce)
}

func (c *memoryConn) Signals() <-chan Signal { return c.signals }

func (c *memoryConn) Close() error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.hub.closeLocked(c)
	return nil
}
