// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"github.com/bureau-foundation/meshfeed/lib/clock"
	"github.com/bureau-foundation/meshfeed/transport"
)

type candidateState int

const (
	stateOffered candidateState = iota
	stateAnswered
	statePromoted
	stateExpired
	stateClosed
)

func (s candidateState) String() string {
	switch s {
	case stateOffered:
		return "offered"
	case stateAnswered:
		return "answered"
	case statePromoted:
		return "promoted"
	case stateExpired:
		return "expired"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// candidate is one peer connection the engine is negotiating or has
// established. Only the engine loop touches it.
type candidate struct {
	state   candidateState
	offerID string
	peerID  string
	conn    transport.Connection
	expiry  *clock.Timer
	peer    *Peer

	// outbound is set when this engine created the offer.
	outbound bool
}

func (c *candidate) terminal() bool {
	return c.state == stateExpired || c.state == stateClosed
}

// offered registers an outbound offer awaiting its answer.
func (e *Engine) offered(conn transport.Connection, offerID string) *candidate {
	c := &candidate{state: stateOffered, offerID: offerID, conn: conn, outbound: true}
	e.pending[offerID] = c
	e.track(c)
	return c
}

// answered moves c to negotiation-complete and tries to promote it.
// Inbound offers enter here directly with a new candidate.
func (e *Engine) answered(c *candidate, peerID string) {
	if c.state == stateOffered {
		delete(e.pending, c.offerID)
	}
	c.state = stateAnswered
	c.peerID = peerID
	c.conn.Channel().OnOpen(func() {
		e.post(func() { e.maybePromote(c) })
	})
	// Replaced at promotion. The offer timeout spares connected
	// candidates, so a connection that fails later is closed here.
	c.conn.OnStateChange(func() {
		if state := c.conn.State(); state == transport.StateFailed || state == transport.StateClosed {
			e.post(func() { e.abandon(c) })
		}
	})
	e.maybePromote(c)
}

// abandon closes an unpromoted candidate whose connection failed.
func (e *Engine) abandon(c *candidate) {
	if c.state != stateAnswered {
		return
	}
	e.logger.Debug("closing failed candidate", "remote_peer_id", c.peerID, "state", c.conn.State())
	e.close(c)
}

// preferred reports whether c was offered by the lower of the two peer
// ids. When both sides offer at once, both keep that connection.
func (e *Engine) preferred(c *candidate) bool {
	offerer := c.peerID
	if c.outbound {
		offerer = e.peerID
	}
	return offerer == min(e.peerID, c.peerID)
}

// track adds c to the live set and arms its offer timeout.
func (e *Engine) track(c *candidate) {
	e.live[c] = struct{}{}
	c.expiry = e.clock.AfterFunc(e.config.OfferTimeout, func() {
		e.post(func() { e.expire(c) })
	})
}

// maybePromote registers c as an established peer if its channel is
// open. Safe to call any number of times.
func (e *Engine) maybePromote(c *candidate) {
	if c.state != stateAnswered || !c.conn.Channel().Open() {
		return
	}
	if existing, exists := e.peers[c.peerID]; exists {
		if !e.preferred(c) || e.preferred(existing) {
			e.logger.Debug("closing redundant connection to established peer", "remote_peer_id", c.peerID)
			e.close(c)
			return
		}
		e.logger.Debug("replacing connection to established peer", "remote_peer_id", c.peerID)
		e.replace(existing)
	}

	c.state = statePromoted
	c.expiry.Stop()
	c.peer = &Peer{ID: c.peerID, Channel: c.conn.Channel()}
	e.peers[c.peerID] = c

	recheck := func() { e.post(func() { e.maybeRemove(c) }) }
	c.conn.OnStateChange(recheck)
	c.conn.Channel().OnClose(recheck)

	e.updateCounts()
	e.logger.Info("added peer", "remote_peer_id", c.peerID, "peers", len(e.peers))
	e.emit(Event{Kind: PeerFound, Peer: c.peer})
}

// maybeRemove drops an established peer whose connection or channel is
// no longer healthy.
func (e *Engine) maybeRemove(c *candidate) {
	if c.state != statePromoted {
		return
	}
	if c.conn.State() == transport.StateConnected && c.conn.Channel().Open() {
		return
	}
	if e.peers[c.peerID] == c {
		delete(e.peers, c.peerID)
	}
	e.close(c)
	e.schedule.reset()
	e.updateCounts()
	e.logger.Info("removed peer", "remote_peer_id", c.peerID, "peers", len(e.peers))
	e.emit(Event{Kind: PeerLost, Peer: c.peer})
}

// replace drops an established peer in favor of a preferred duplicate.
// The backoff schedule is not reset.
func (e *Engine) replace(c *candidate) {
	delete(e.peers, c.peerID)
	e.close(c)
	e.emit(Event{Kind: PeerLost, Peer: c.peer})
}

// expire handles the offer timeout. A connected candidate survives it.
func (e *Engine) expire(c *candidate) {
	if c.state != stateOffered && c.state != stateAnswered {
		return
	}
	if c.state == stateOffered {
		delete(e.pending, c.offerID)
	}
	if c.conn.State() == transport.StateConnected {
		return
	}
	e.logger.Debug("candidate expired", "offer_id", c.offerID, "remote_peer_id", c.peerID, "state", c.state)
	c.state = stateExpired
	e.release(c)
}

// close tears down c at any state.
func (e *Engine) close(c *candidate) {
	if c.terminal() {
		return
	}
	if c.state == stateOffered {
		delete(e.pending, c.offerID)
	}
	c.state = stateClosed
	e.release(c)
}

func (e *Engine) release(c *candidate) {
	if c.expiry != nil {
		c.expiry.Stop()
	}
	delete(e.live, c)
	if err := c.conn.Close(); err != nil {
		e.logger.Debug("closing peer connection", "remote_peer_id", c.peerID, "error", err)
	}
}
