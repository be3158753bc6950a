// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/meshfeed/lib/clock"
	"github.com/bureau-foundation/meshfeed/rendezvous"
	"github.com/bureau-foundation/meshfeed/transport"
)

// ErrUnknownOffer is reported (and logged) for an answer whose offer id
// is not pending: already answered, expired, or never sent.
var ErrUnknownOffer = errors.New("discovery: answer for unknown offer")

// Defaults for zero Config fields.
const (
	DefaultTargetPeers     = 5
	DefaultOfferTimeout    = 10 * time.Second
	DefaultHeartbeatPeriod = time.Minute
	DefaultEventBuffer     = 64
)

// DefaultOfferBackoff is the wait between offer rounds, indexed by the
// number of rounds sent since the last peer loss.
var DefaultOfferBackoff = []time.Duration{
	0,
	4 * time.Minute,
	12 * time.Minute,
	36 * time.Minute,
	108 * time.Minute,
}

// sendTimeout bounds one tracker write.
const sendTimeout = 10 * time.Second

// taskBuffer is the depth of the engine's task queue.
const taskBuffer = 64

// Config configures an Engine.
type Config struct {
	// Feed is the info_hash announced to the tracker. Required.
	Feed string

	// PeerID overrides the generated peer id.
	PeerID string

	TargetPeers     int
	OfferTimeout    time.Duration
	HeartbeatPeriod time.Duration

	// OfferBackoff must be non-empty and non-decreasing when set.
	OfferBackoff []time.Duration

	// Factory builds peer connections. Required.
	Factory transport.Factory

	// Dialer opens tracker connections. Required.
	Dialer rendezvous.Dialer

	Clock  clock.Clock
	Logger *slog.Logger

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

// Peer is an established peer.
type Peer struct {
	ID      string
	Channel transport.Channel
}

// EventKind distinguishes Event values.
type EventKind int

const (
	PeerFound EventKind = iota
	PeerLost
)

func (k EventKind) String() string {
	switch k {
	case PeerFound:
		return "peer-found"
	case PeerLost:
		return "peer-lost"
	default:
		return "unknown"
	}
}

// Event reports a peer joining or leaving the established set. The
// PeerLost event for a peer carries the same *Peer as its PeerFound.
type Event struct {
	Kind EventKind
	Peer *Peer
}

// Count is the engine's view of the swarm.
type Count struct {
	// Total is the tracker's swarm size excluding this node, floored at
	// Connected.
	Total int

	// Connected is the number of established peers.
	Connected int
}

// Engine maintains the peer set for one feed.
type Engine struct {
	config Config
	peerID string
	clock  clock.Clock
	logger *slog.Logger

	tasks  chan func()
	wake   chan struct{}
	events chan Event
	done   chan struct{}

	connected  atomic.Int64
	swarmHint  atomic.Int64
	sentOffers atomic.Int64

	// Owned by the Run goroutine.
	ctx      context.Context
	conn     rendezvous.Conn
	signals  <-chan rendezvous.Signal
	dialing  bool
	pending  map[string]*candidate
	peers    map[string]*candidate
	live     map[*candidate]struct{}
	schedule offerSchedule
}

// New validates config and returns an engine ready to Run.
func New(config Config) (*Engine, error) {
	if config.Feed == "" {
		return nil, fmt.Errorf("discovery: feed is required")
	}
	if config.Factory == nil {
		return nil, fmt.Errorf("discovery: transport factory is required")
	}
	if config.Dialer == nil {
		return nil, fmt.Errorf("discovery: rendezvous dialer is required")
	}
	if config.TargetPeers <= 0 {
		config.TargetPeers = DefaultTargetPeers
	}
	if config.OfferTimeout <= 0 {
		config.OfferTimeout = DefaultOfferTimeout
	}
	if config.HeartbeatPeriod <= 0 {
		config.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if len(config.OfferBackoff) == 0 {
		config.OfferBackoff = DefaultOfferBackoff
	}
	for i := 1; i < len(config.OfferBackoff); i++ {
		if config.OfferBackoff[i] < config.OfferBackoff[i-1] {
			return nil, fmt.Errorf("discovery: offer backoff decreases at entry %d (%s after %s)",
				i, config.OfferBackoff[i], config.OfferBackoff[i-1])
		}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultEventBuffer
	}
	peerID := config.PeerID
	if peerID == "" {
		peerID = NewPeerID()
	}

	return &Engine{
		config:   config,
		peerID:   peerID,
		clock:    config.Clock,
		logger:   config.Logger.With("peer_id", peerID),
		tasks:    make(chan func(), taskBuffer),
		wake:     make(chan struct{}, 1),
		events:   make(chan Event, config.EventBuffer),
		done:     make(chan struct{}),
		pending:  make(map[string]*candidate),
		peers:    make(map[string]*candidate),
		live:     make(map[*candidate]struct{}),
		schedule: offerSchedule{periods: config.OfferBackoff},
	}, nil
}

// PeerID returns this node's peer id.
func (e *Engine) PeerID() string { return e.peerID }

// Events delivers peer changes. It is closed when Run returns.
func (e *Engine) Events() <-chan Event { return e.events }

// PeerCount returns the current swarm view. Safe from any goroutine.
func (e *Engine) PeerCount() Count {
	connected := int(e.connected.Load())
	return Count{
		Total:     max(int(e.swarmHint.Load()), connected),
		Connected: connected,
	}
}

// OffersSent returns the number of offers published to the tracker.
func (e *Engine) OffersSent() int64 { return e.sentOffers.Load() }

// Wake runs a heartbeat now, as when an application returns to the
// foreground. Never blocks; wakes coalesce.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run connects to the tracker and maintains the peer set until ctx is
// cancelled. Call it once. On return every connection is closed and
// Events is closed.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	e.schedule.start(e.clock.Now())
	ticker := e.clock.NewTicker(e.config.HeartbeatPeriod)
	defer e.shutdown(ticker)

	e.logger.Info("discovery starting", "feed", e.config.Feed, "target_peers", e.config.TargetPeers)
	e.connect()

	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-e.tasks:
			task()
		case <-ticker.C:
			e.heartbeat()
		case <-e.wake:
			e.heartbeat()
		case signal, ok := <-e.signals:
			if !ok {
				e.trackerLost()
				continue
			}
			e.route(signal)
		}
	}
}

func (e *Engine) shutdown(ticker *clock.Ticker) {
	ticker.Stop()
	close(e.done)
	for c := range e.live {
		e.close(c)
	}
	if e.conn != nil {
		e.conn.Close()
	}
	e.connected.Store(0)
	close(e.events)
}

// post queues f for the loop. It reports false once Run has returned.
func (e *Engine) post(f func()) bool {
	select {
	case e.tasks <- f:
		return true
	case <-e.done:
		return false
	}
}

// emit delivers an event, giving up only at shutdown.
func (e *Engine) emit(event Event) {
	select {
	case e.events <- event:
	case <-e.ctx.Done():
	}
}

func (e *Engine) updateCounts() {
	e.connected.Store(int64(len(e.peers)))
}

// connect dials a fresh tracker connection in the background. The
// heartbeat runs as soon as it is up.
func (e *Engine) connect() {
	if e.dialing {
		return
	}
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
		e.signals = nil
	}
	e.dialing = true
	e.logger.Info("connecting to tracker")

	go func() {
		conn, err := e.config.Dialer.Dial(e.ctx)
		delivered := e.post(func() {
			e.dialing = false
			if err != nil {
				e.logger.Warn("tracker dial failed", "error", err)
				return
			}
			e.conn = conn
			e.signals = conn.Signals()
			e.heartbeat()
		})
		if !delivered && conn != nil {
			conn.Close()
		}
	}()
}

func (e *Engine) trackerLost() {
	e.logger.Info("tracker connection lost")
	if e.conn != nil {
		e.conn.Close()
	}
	e.conn = nil
	e.signals = nil
}

// heartbeat reconnects, sends an offer round, or sends a keep-alive.
func (e *Engine) heartbeat() {
	if e.conn == nil || !e.conn.Open() {
		e.connect()
		return
	}
	now := e.clock.Now()
	if len(e.peers) < e.config.TargetPeers && e.schedule.due(now) {
		e.schedule.fired(now)
		e.startOfferRound(e.config.TargetPeers - len(e.peers))
		return
	}
	e.logger.Debug("sending keep-alive")
	e.send(e.announce())
}

func (e *Engine) announce() rendezvous.Announce {
	return rendezvous.Announce{
		Action:   rendezvous.ActionAnnounce,
		InfoHash: e.config.Feed,
		PeerID:   e.peerID,
	}
}

// send writes to the tracker, reconnecting instead when the connection
// is not open.
func (e *Engine) send(announce rendezvous.Announce) {
	if e.conn == nil || !e.conn.Open() {
		e.connect()
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, sendTimeout)
	defer cancel()
	if err := e.conn.Send(ctx, announce); err != nil {
		e.logger.Warn("tracker send failed", "error", err)
		e.connect()
	}
}

// gathered is one offer ready to announce.
type gathered struct {
	offerID     string
	conn        transport.Connection
	description transport.Description
}

// startOfferRound gathers count offers in parallel off the loop, then
// registers and announces them together.
func (e *Engine) startOfferRound(count int) {
	e.logger.Debug("starting offer round", "offers", count, "round", e.schedule.round)
	go func() {
		offers, err := e.gatherOffers(e.ctx, count)
		if err != nil {
			e.logger.Warn("offer round failed", "error", err)
			return
		}
		if !e.post(func() { e.publishOffers(offers) }) {
			for _, offer := range offers {
				offer.conn.Close()
			}
		}
	}()
}

func (e *Engine) gatherOffers(ctx context.Context, count int) ([]gathered, error) {
	offers := make([]gathered, count)
	group, groupCtx := errgroup.WithContext(ctx)
	for i := range offers {
		group.Go(func() error {
			conn, err := e.config.Factory.NewConnection()
			if err != nil {
				return err
			}
			description, err := conn.CreateOffer(groupCtx)
			if err != nil {
				conn.Close()
				return err
			}
			offers[i] = gathered{offerID: newOfferID(), conn: conn, description: description}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		for _, offer := range offers {
			if offer.conn != nil {
				offer.conn.Close()
			}
		}
		return nil, fmt.Errorf("gathering %d offers: %w", count, err)
	}
	return offers, nil
}

func (e *Engine) publishOffers(offers []gathered) {
	announce := e.announce()
	announce.NumWant = len(offers)
	announce.Offers = make([]rendezvous.Offer, 0, len(offers))
	for _, offer := range offers {
		e.offered(offer.conn, offer.offerID)
		announce.Offers = append(announce.Offers, rendezvous.Offer{
			OfferID: offer.offerID,
			Offer:   offer.description,
		})
	}
	e.logger.Info("sending offers", "offers", len(offers), "peers", len(e.peers))
	e.sentOffers.Add(int64(len(offers)))
	e.send(announce)
}

// route dispatches one tracker message.
func (e *Engine) route(signal rendezvous.Signal) {
	if signal.Incomplete != nil {
		e.swarmHint.Store(int64(*signal.Incomplete - 1))
	}
	if signal.PeerID == "" || signal.PeerID == e.peerID {
		return
	}
	if _, established := e.peers[signal.PeerID]; established {
		e.logger.Debug("skipping established peer", "remote_peer_id", signal.PeerID)
		return
	}
	switch {
	case signal.Offer != nil:
		e.acceptOffer(signal)
	case signal.Answer != nil:
		if err := e.acceptAnswer(signal); err != nil {
			e.logger.Warn("dropping answer", "offer_id", signal.OfferID, "remote_peer_id", signal.PeerID, "error", err)
		}
	}
}

// acceptOffer answers a relayed offer off the loop, then registers the
// connection and sends the answer.
func (e *Engine) acceptOffer(signal rendezvous.Signal) {
	offer := *signal.Offer
	go func() {
		conn, err := e.config.Factory.NewConnection()
		if err != nil {
			e.logger.Warn("creating connection for offer", "remote_peer_id", signal.PeerID, "error", err)
			return
		}
		answer, err := conn.AcceptOffer(e.ctx, offer)
		if err != nil {
			conn.Close()
			e.logger.Warn("answering offer", "remote_peer_id", signal.PeerID, "offer_id", signal.OfferID, "error", err)
			return
		}
		if !e.post(func() { e.answerOffer(conn, signal, answer) }) {
			conn.Close()
		}
	}()
}

func (e *Engine) answerOffer(conn transport.Connection, signal rendezvous.Signal, answer transport.Description) {
	if _, established := e.peers[signal.PeerID]; established {
		conn.Close()
		return
	}
	c := &candidate{state: stateAnswered, conn: conn}
	e.track(c)
	e.answered(c, signal.PeerID)

	reply := e.announce()
	reply.OfferID = signal.OfferID
	reply.ToPeerID = signal.PeerID
	reply.Answer = &answer
	e.send(reply)
}

func (e *Engine) acceptAnswer(signal rendezvous.Signal) error {
	c, ok := e.pending[signal.OfferID]
	if !ok {
		return fmt.Errorf("offer %q: %w", signal.OfferID, ErrUnknownOffer)
	}
	delete(e.pending, signal.OfferID)
	if err := c.conn.AcceptAnswer(*signal.Answer); err != nil {
		e.close(c)
		return fmt.Errorf("applying answer to offer %q: %w", signal.OfferID, err)
	}
	e.answered(c, signal.PeerID)
	return nil
}
