// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/bureau-foundation/meshfeed/discovery"
	"github.com/bureau-foundation/meshfeed/lib/change"
	"github.com/bureau-foundation/meshfeed/lib/clock"
	"github.com/bureau-foundation/meshfeed/lib/codec"
	"github.com/bureau-foundation/meshfeed/rpc"
)

// Defaults for zero Config fields.
const (
	DefaultPollInterval   = time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultNotifyBuffer   = 256
)

// errRequestTimeout is the cancel cause of a round that ran past
// RequestTimeout.
var errRequestTimeout = errors.New("replication: request timed out")

// Store is the change log replication reads and appends to.
// *changestore.Store implements it.
type Store interface {
	SaveChange(ctx context.Context, hash change.Hash, encoded []byte) (bool, error)
	ChangesSince(ctx context.Context, cursor int) ([][]byte, int, error)
	MissingChanges(ctx context.Context, filter *bloom.BloomFilter) ([][]byte, int, error)
	BloomFilter() *bloom.BloomFilter
}

// Config configures an Engine.
type Config struct {
	// Store is the local change log. Required.
	Store Store

	// Events is the discovery event stream. Required. Run returns
	// when it closes.
	Events <-chan discovery.Event

	PollInterval time.Duration

	// RequestTimeout bounds each request. A negative value disables
	// the bound, so a hung peer stays mid-round until its channel
	// fails.
	RequestTimeout time.Duration

	// Key is the feed read key sealing rpc frames. Optional.
	Key []byte

	Clock  clock.Clock
	Logger *slog.Logger

	// NotifyBuffer is the capacity of the Changes and Conflicts
	// channels.
	NotifyBuffer int
}

// Applied reports a remote change new to the local store.
type Applied struct {
	Hash   change.Hash
	Change change.Change
}

// Engine runs one session per established peer.
type Engine struct {
	config Config
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	changes   chan Applied
	conflicts chan []change.Change

	mu       sync.Mutex
	sessions map[string]*session
	count    atomic.Int64

	// rounds tracks every goroutine that may notify.
	rounds sync.WaitGroup
}

// session is the replication state for one peer. cursor is only read
// or written by the goroutine holding syncing.
type session struct {
	peer     *discovery.Peer
	stub     *rpc.Stub
	syncing  atomic.Bool
	cursor   int
	exchange *exchange
	ctx      context.Context
	cancel   context.CancelFunc
}

// New returns an engine ready to Run.
func New(config Config) (*Engine, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("replication: store is required")
	}
	if config.Events == nil {
		return nil, fmt.Errorf("replication: discovery events are required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.NotifyBuffer <= 0 {
		config.NotifyBuffer = DefaultNotifyBuffer
	}
	return &Engine{
		config:    config,
		store:     config.Store,
		clock:     config.Clock,
		logger:    config.Logger,
		changes:   make(chan Applied, config.NotifyBuffer),
		conflicts: make(chan []change.Change, config.NotifyBuffer),
		sessions:  make(map[string]*session),
	}, nil
}

// Changes delivers remote changes new to the local store. A full
// channel stalls the delivering peer's round. Closed when Run returns.
func (e *Engine) Changes() <-chan Applied { return e.changes }

// Conflicts delivers local changes superseded by a peer's concurrent
// change, one batch per initial exchange. Closed when Run returns.
func (e *Engine) Conflicts() <-chan []change.Change { return e.conflicts }

// PeerCount returns the number of live sessions.
func (e *Engine) PeerCount() int { return int(e.count.Load()) }

// SaveLocalChange stores a locally made change. It reports the hash
// and whether the change was new. Peers see it on their next pull.
func (e *Engine) SaveLocalChange(ctx context.Context, c change.Change) (change.Hash, bool, error) {
	encoded, err := c.Encode()
	if err != nil {
		return change.Hash{}, false, err
	}
	hash := change.HashEncoded(encoded)
	isNew, err := e.store.SaveChange(ctx, hash, encoded)
	if err != nil {
		return hash, false, err
	}
	return hash, isNew, nil
}

// Run follows discovery events and polls sessions until ctx is
// cancelled or the event stream closes.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.config.PollInterval)
	defer e.shutdown(ticker)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-e.config.Events:
			if !ok {
				return nil
			}
			switch event.Kind {
			case discovery.PeerFound:
				e.open(ctx, event.Peer)
			case discovery.PeerLost:
				e.closeSession(event.Peer)
			}
		case <-ticker.C:
			e.poll()
		}
	}
}

func (e *Engine) shutdown(ticker *clock.Ticker) {
	ticker.Stop()
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[string]*session)
	e.count.Store(0)
	e.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	e.rounds.Wait()
	close(e.changes)
	close(e.conflicts)
}

func (s *session) close() {
	s.cancel()
	s.stub.Close()
}

// open starts a session and its initial reconciliation.
func (e *Engine) open(ctx context.Context, peer *discovery.Peer) {
	s := &session{peer: peer, exchange: newExchange()}
	s.ctx, s.cancel = context.WithCancel(ctx)

	serveUnseen := func(ctx context.Context, request unseenRequest) (changesResponse, error) {
		missing, length, err := e.missingChanges(ctx, request)
		if err != nil {
			return changesResponse{}, err
		}
		s.exchange.fromLocal(missing)
		return changesResponse{Changes: rawChanges(missing), Cursor: length}, nil
	}
	stub, err := rpc.New(peer.Channel, rpc.Options{
		Handlers: []rpc.Handler{
			getRecentChanges.Handle(e.serveRecent),
			getUnseenChanges.Handle(serveUnseen),
		},
		Key:    e.config.Key,
		Logger: e.logger.With("remote_peer_id", peer.ID),
	})
	if err != nil {
		s.cancel()
		e.logger.Error("starting rpc session", "remote_peer_id", peer.ID, "error", err)
		return
	}
	s.stub = stub

	e.mu.Lock()
	previous := e.sessions[peer.ID]
	e.sessions[peer.ID] = s
	e.count.Store(int64(len(e.sessions)))
	e.mu.Unlock()
	if previous != nil {
		previous.close()
	}
	e.logger.Info("replication session opened", "remote_peer_id", peer.ID)

	s.syncing.Store(true)
	e.rounds.Add(2)
	go func() {
		defer e.rounds.Done()
		defer s.syncing.Store(false)
		e.reconcile(s)
	}()
	go func() {
		defer e.rounds.Done()
		e.watchConflicts(s)
	}()
}

// closeSession ends peer's session. A session opened for a newer Peer
// with the same id is left alone.
func (e *Engine) closeSession(peer *discovery.Peer) {
	e.mu.Lock()
	s, ok := e.sessions[peer.ID]
	if ok && s.peer == peer {
		delete(e.sessions, peer.ID)
		e.count.Store(int64(len(e.sessions)))
	}
	e.mu.Unlock()
	if ok && s.peer == peer {
		s.close()
		e.logger.Info("replication session closed", "remote_peer_id", peer.ID)
	}
}

// poll starts a pull round for every session not already mid-round.
func (e *Engine) poll() {
	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		if !s.syncing.CompareAndSwap(false, true) {
			e.logger.Debug("skipping peer mid-round", "remote_peer_id", s.peer.ID)
			continue
		}
		e.rounds.Add(1)
		go func() {
			defer e.rounds.Done()
			defer s.syncing.Store(false)
			e.pull(s)
		}()
	}
}

// reconcile runs the initial getUnseenChanges exchange.
func (e *Engine) reconcile(s *session) {
	filter, err := encodeFilter(e.store.BloomFilter())
	if err != nil {
		e.logger.Error("initial reconciliation", "remote_peer_id", s.peer.ID, "error", err)
		return
	}
	ctx, cancel := e.requestContext(s.ctx)
	defer cancel()
	response, err := getUnseenChanges.Call(ctx, s.stub, unseenRequest{Filter: filter})
	if err != nil {
		e.logRoundError(ctx, s, "initial reconciliation", err)
		return
	}
	s.exchange.fromRemote(rawBytes(response.Changes))
	s.cursor = response.Cursor
	e.apply(s, response.Changes)
}

// pull runs one getRecentChanges round.
func (e *Engine) pull(s *session) {
	ctx, cancel := e.requestContext(s.ctx)
	defer cancel()
	response, err := getRecentChanges.Call(ctx, s.stub, recentRequest{Cursor: s.cursor})
	if err != nil {
		e.logRoundError(ctx, s, "pull", err)
		return
	}
	s.cursor = response.Cursor
	e.apply(s, response.Changes)
}

// requestContext bounds one request by RequestTimeout on the engine
// clock.
func (e *Engine) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if e.config.RequestTimeout <= 0 {
		return ctx, func() { cancel(nil) }
	}
	timer := e.clock.AfterFunc(e.config.RequestTimeout, func() { cancel(errRequestTimeout) })
	return ctx, func() {
		timer.Stop()
		cancel(nil)
	}
}

func (e *Engine) logRoundError(ctx context.Context, s *session, round string, err error) {
	if s.ctx.Err() != nil {
		// Session closed underneath the round.
		return
	}
	if cause := context.Cause(ctx); cause != nil && errors.Is(err, context.Canceled) {
		err = cause
	}
	e.logger.Warn("replication round failed", "round", round, "remote_peer_id", s.peer.ID, "error", err)
}

// apply stores each change and reports the new ones.
func (e *Engine) apply(s *session, changes []codec.RawMessage) {
	for _, encoded := range changes {
		decoded, err := change.Decode(encoded)
		if err != nil {
			e.logger.Warn("dropping undecodable change", "remote_peer_id", s.peer.ID, "error", err)
			continue
		}
		hash := change.HashEncoded(encoded)
		isNew, err := e.store.SaveChange(s.ctx, hash, encoded)
		if err != nil {
			if s.ctx.Err() == nil {
				e.logger.Error("saving remote change", "hash", hash.String(), "error", err)
			}
			return
		}
		if !isNew {
			e.logger.Debug("skipping known change", "hash", hash.String())
			continue
		}
		select {
		case e.changes <- Applied{Hash: hash, Change: decoded}:
		case <-s.ctx.Done():
			return
		}
	}
}

// watchConflicts waits for both sides of the initial exchange and
// reports conflicts once.
func (e *Engine) watchConflicts(s *session) {
	local, remote, ok := s.exchange.wait(s.ctx)
	if !ok {
		return
	}
	conflicts := DetectConflicts(e.decodeAll(s, local), e.decodeAll(s, remote))
	if len(conflicts) == 0 {
		return
	}
	e.logger.Info("conflicting changes", "remote_peer_id", s.peer.ID, "conflicts", len(conflicts))
	select {
	case e.conflicts <- conflicts:
	case <-s.ctx.Done():
	}
}

func (e *Engine) decodeAll(s *session, encoded [][]byte) []change.Change {
	changes := make([]change.Change, 0, len(encoded))
	for _, data := range encoded {
		decoded, err := change.Decode(data)
		if err != nil {
			e.logger.Debug("skipping undecodable change in exchange", "remote_peer_id", s.peer.ID, "error", err)
			continue
		}
		changes = append(changes, decoded)
	}
	return changes
}

func (e *Engine) serveRecent(ctx context.Context, request recentRequest) (changesResponse, error) {
	changes, length, err := e.store.ChangesSince(ctx, request.Cursor)
	if err != nil {
		return changesResponse{}, err
	}
	return changesResponse{Changes: rawChanges(changes), Cursor: length}, nil
}

func (e *Engine) missingChanges(ctx context.Context, request unseenRequest) ([][]byte, int, error) {
	filter, err := decodeFilter(request.Filter)
	if err != nil {
		return nil, 0, err
	}
	return e.store.MissingChanges(ctx, filter)
}

func rawBytes(changes []codec.RawMessage) [][]byte {
	encoded := make([][]byte, len(changes))
	for i, data := range changes {
		encoded[i] = data
	}
	return encoded
}
