// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/bureau-foundation/meshfeed/discovery"
	"github.com/bureau-foundation/meshfeed/lib/change"
	"github.com/bureau-foundation/meshfeed/lib/changestore"
	"github.com/bureau-foundation/meshfeed/lib/clock"
	"github.com/bureau-foundation/meshfeed/lib/codec"
	"github.com/bureau-foundation/meshfeed/lib/testutil"
	"github.com/bureau-foundation/meshfeed/rpc"
	"github.com/bureau-foundation/meshfeed/transport"
)

const testTimeout = 5 * time.Second

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *changestore.Store {
	t.Helper()
	store, err := changestore.Open(context.Background(), changestore.Config{
		Path: filepath.Join(t.TempDir(), "changes.db"),
	})
	if err != nil {
		t.Fatalf("changestore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type replica struct {
	engine *Engine
	store  *changestore.Store
	events chan discovery.Event
}

func newReplica(t *testing.T, fake *clock.FakeClock, configure func(*Config)) *replica {
	t.Helper()
	n := &replica{store: openStore(t), events: make(chan discovery.Event, 8)}
	config := Config{Store: n.store, Events: n.events, Clock: fake}
	if configure != nil {
		configure(&config)
	}
	engine, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.engine = engine

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, stopped, testTimeout, "Run returning")
	})
	return n
}

// channelPair connects two memory channels.
func channelPair(t *testing.T) (transport.Channel, transport.Channel) {
	t.Helper()
	network := transport.NewMemoryNetwork()
	offerer, _ := network.NewConnection()
	answerer, _ := network.NewConnection()
	t.Cleanup(func() {
		offerer.Close()
		answerer.Close()
	})
	offer, err := offerer.CreateOffer(t.Context())
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answer, err := answerer.AcceptOffer(t.Context(), offer)
	if err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if err := offerer.AcceptAnswer(answer); err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}
	return offerer.Channel(), answerer.Channel()
}

// link introduces a and b to each other as established peers.
func link(t *testing.T, a, b *replica) (*discovery.Peer, *discovery.Peer) {
	t.Helper()
	channelA, channelB := channelPair(t)
	peerOfB := &discovery.Peer{ID: "peer-b", Channel: channelA}
	peerOfA := &discovery.Peer{ID: "peer-a", Channel: channelB}
	a.events <- discovery.Event{Kind: discovery.PeerFound, Peer: peerOfB}
	b.events <- discovery.Event{Kind: discovery.PeerFound, Peer: peerOfA}
	return peerOfB, peerOfA
}

func save(t *testing.T, n *replica, row string, version change.Clock, payload string) change.Hash {
	t.Helper()
	hash, isNew, err := n.engine.SaveLocalChange(context.Background(), change.Change{
		RowID: row, Clock: version, Payload: []byte(payload),
	})
	if err != nil {
		t.Fatalf("SaveLocalChange: %v", err)
	}
	if !isNew {
		t.Fatalf("SaveLocalChange(%s): not new", row)
	}
	return hash
}

// advanceUntil ticks the clock until ready reports true.
func advanceUntil(t *testing.T, fake *clock.FakeClock, step time.Duration, ready func() bool, message string) {
	t.Helper()
	testutil.Eventually(t, testTimeout, func() bool {
		if ready() {
			return true
		}
		fake.Advance(step)
		return false
	}, message)
}

func TestSaveLocalChange(t *testing.T) {
	store := openStore(t)
	engine, err := New(Config{Store: store, Events: make(chan discovery.Event)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := change.Change{RowID: "r1", Clock: change.Clock{"a": 1}, Payload: []byte("x")}

	hash, isNew, err := engine.SaveLocalChange(context.Background(), c)
	if err != nil || !isNew {
		t.Fatalf("first save = %v, %v; want new", isNew, err)
	}
	encoded, _ := c.Encode()
	if hash != change.HashEncoded(encoded) {
		t.Errorf("hash = %s, want hash of the encoding", hash)
	}
	_, isNew, err = engine.SaveLocalChange(context.Background(), c)
	if err != nil || isNew {
		t.Errorf("second save = %v, %v; want not new", isNew, err)
	}
	if store.Len() != 1 {
		t.Errorf("store length = %d, want 1", store.Len())
	}
}

func TestMissingChangesRejectsEmptyFilter(t *testing.T) {
	store := openStore(t)
	engine, err := New(Config{Store: store, Events: make(chan discovery.Event)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := change.Change{RowID: "r1", Clock: change.Clock{"a": 1}, Payload: []byte("x")}
	if _, _, err := engine.SaveLocalChange(context.Background(), c); err != nil {
		t.Fatalf("SaveLocalChange: %v", err)
	}

	empty := make([]byte, filterHeader)
	binary.BigEndian.PutUint64(empty[8:16], 1)
	if _, _, err := engine.missingChanges(context.Background(), unseenRequest{Filter: empty}); err == nil {
		t.Fatal("missingChanges accepted a zero bit filter")
	}

	// The store stays usable after the rejected request.
	valid, err := encodeFilter(bloom.NewWithEstimates(100, 0.01))
	if err != nil {
		t.Fatalf("encodeFilter: %v", err)
	}
	changes, _, err := engine.missingChanges(context.Background(), unseenRequest{Filter: valid})
	if err != nil {
		t.Fatalf("missingChanges after rejection: %v", err)
	}
	if len(changes) != 1 {
		t.Errorf("missing changes = %d, want 1", len(changes))
	}
}

func TestNewRequiresStoreAndEvents(t *testing.T) {
	if _, err := New(Config{Events: make(chan discovery.Event)}); err == nil {
		t.Error("New without a store succeeded")
	}
	if _, err := New(Config{Store: openStore(t)}); err == nil {
		t.Error("New without events succeeded")
	}
}

func TestInitialReconciliation(t *testing.T) {
	fake := clock.Fake(testEpoch)
	a := newReplica(t, fake, nil)
	b := newReplica(t, fake, nil)
	hashA := save(t, a, "r1", change.Clock{"a": 1}, "from a")
	hashB := save(t, b, "r2", change.Clock{"b": 1}, "from b")

	link(t, a, b)

	gotA := testutil.RequireReceive(t, a.engine.Changes(), testTimeout, "a applies b's change")
	if gotA.Hash != hashB || gotA.Change.RowID != "r2" || string(gotA.Change.Payload) != "from b" {
		t.Errorf("a applied %s %s, want %s r2", gotA.Hash, gotA.Change.RowID, hashB)
	}
	gotB := testutil.RequireReceive(t, b.engine.Changes(), testTimeout, "b applies a's change")
	if gotB.Hash != hashA {
		t.Errorf("b applied %s, want %s", gotB.Hash, hashA)
	}
	if a.store.Len() != 2 || b.store.Len() != 2 {
		t.Errorf("store lengths = %d, %d; want 2, 2", a.store.Len(), b.store.Len())
	}
	testutil.Eventually(t, testTimeout, func() bool {
		return a.engine.PeerCount() == 1 && b.engine.PeerCount() == 1
	}, "one session each")
}

func TestSteadyStatePull(t *testing.T) {
	fake := clock.Fake(testEpoch)
	a := newReplica(t, fake, nil)
	b := newReplica(t, fake, nil)
	save(t, a, "r1", change.Clock{"a": 1}, "first")
	link(t, a, b)
	testutil.RequireReceive(t, b.engine.Changes(), testTimeout, "initial change")

	later := save(t, a, "r1", change.Clock{"a": 2}, "second")

	var applied Applied
	advanceUntil(t, fake, DefaultPollInterval, func() bool {
		select {
		case applied = <-b.engine.Changes():
			return true
		default:
			return false
		}
	}, "b pulls a's new change")
	if applied.Hash != later || string(applied.Change.Payload) != "second" {
		t.Errorf("b applied %s %q, want %s second", applied.Hash, applied.Change.Payload, later)
	}

	// The overlapping window and the reverse direction stay silent.
	for i := 0; i < 3; i++ {
		fake.Advance(DefaultPollInterval)
	}
	testutil.RequireNoReceive(t, b.engine.Changes(), 50*time.Millisecond, "duplicate delivery")
	testutil.RequireNoReceive(t, a.engine.Changes(), 50*time.Millisecond, "echo of a's own change")
}

func TestApplyDeduplicates(t *testing.T) {
	store := openStore(t)
	engine, err := New(Config{Store: store, Events: make(chan discovery.Event)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	encoded, _ := change.Change{RowID: "r1", Clock: change.Clock{"a": 1}}.Encode()
	s := &session{peer: &discovery.Peer{ID: "peer"}, ctx: context.Background()}

	engine.apply(s, []codec.RawMessage{encoded, encoded})
	engine.apply(s, []codec.RawMessage{encoded})

	testutil.RequireReceive(t, engine.Changes(), testTimeout, "first application")
	testutil.RequireNoReceive(t, engine.Changes(), 20*time.Millisecond, "re-delivery")
	if store.Len() != 1 {
		t.Errorf("store length = %d, want 1", store.Len())
	}
}

func TestApplySkipsUndecodable(t *testing.T) {
	store := openStore(t)
	engine, _ := New(Config{Store: store, Events: make(chan discovery.Event)})
	good, _ := change.Change{RowID: "r1", Clock: change.Clock{"a": 1}}.Encode()
	s := &session{peer: &discovery.Peer{ID: "peer"}, ctx: context.Background()}

	engine.apply(s, []codec.RawMessage{{0xff}, good})

	testutil.RequireReceive(t, engine.Changes(), testTimeout, "good change applied")
	if store.Len() != 1 {
		t.Errorf("store length = %d, want 1", store.Len())
	}
}

// scriptedPeer serves the replication operations with test handlers.
type scriptedPeer struct {
	recentCalls atomic.Int64
	recent      chan struct{}
	release     chan struct{}
	unseen      chan struct{}
	blockUnseen bool
}

func newScriptedPeer(t *testing.T, channel transport.Channel, blockUnseen bool) *scriptedPeer {
	t.Helper()
	p := &scriptedPeer{
		recent:      make(chan struct{}, 16),
		release:     make(chan struct{}),
		unseen:      make(chan struct{}, 1),
		blockUnseen: blockUnseen,
	}
	stub, err := rpc.New(channel, rpc.Options{Handlers: []rpc.Handler{
		getRecentChanges.Handle(func(ctx context.Context, request recentRequest) (changesResponse, error) {
			p.recentCalls.Add(1)
			p.recent <- struct{}{}
			select {
			case <-p.release:
			case <-ctx.Done():
			}
			return changesResponse{Cursor: request.Cursor}, nil
		}),
		getUnseenChanges.Handle(func(ctx context.Context, _ unseenRequest) (changesResponse, error) {
			p.unseen <- struct{}{}
			if p.blockUnseen {
				<-ctx.Done()
			}
			return changesResponse{}, nil
		}),
	}})
	if err != nil {
		t.Fatalf("rpc.New: %v", err)
	}
	t.Cleanup(func() { stub.Close() })
	return p
}

func TestAtMostOneRoundInFlight(t *testing.T) {
	fake := clock.Fake(testEpoch)
	a := newReplica(t, fake, nil)
	local, remote := channelPair(t)
	peer := newScriptedPeer(t, remote, false)

	a.events <- discovery.Event{Kind: discovery.PeerFound, Peer: &discovery.Peer{ID: "scripted", Channel: local}}
	testutil.RequireReceive(t, peer.unseen, testTimeout, "initial reconciliation")

	advanceUntil(t, fake, DefaultPollInterval, func() bool { return peer.recentCalls.Load() > 0 }, "first pull")
	for i := 0; i < 5; i++ {
		fake.Advance(DefaultPollInterval)
		time.Sleep(5 * time.Millisecond)
	}
	if got := peer.recentCalls.Load(); got != 1 {
		t.Fatalf("pull requests while one was in flight = %d, want 1", got)
	}

	close(peer.release)
	advanceUntil(t, fake, DefaultPollInterval, func() bool { return peer.recentCalls.Load() > 1 }, "pull after the round finished")
}

func TestRequestTimeoutFreesSession(t *testing.T) {
	fake := clock.Fake(testEpoch)
	a := newReplica(t, fake, func(c *Config) { c.RequestTimeout = 5 * time.Second })
	local, remote := channelPair(t)
	peer := newScriptedPeer(t, remote, true)
	close(peer.release)

	a.events <- discovery.Event{Kind: discovery.PeerFound, Peer: &discovery.Peer{ID: "hung", Channel: local}}
	testutil.RequireReceive(t, peer.unseen, testTimeout, "initial reconciliation")

	// Ticks before the timeout are skipped; the timeout frees the
	// session and a later tick pulls.
	advanceUntil(t, fake, DefaultPollInterval, func() bool { return peer.recentCalls.Load() > 0 }, "pull after timeout")
	if elapsed := fake.Now().Sub(testEpoch); elapsed < 5*time.Second {
		t.Errorf("first pull after %s, want at least the 5s request timeout", elapsed)
	}
}

func TestConflictReported(t *testing.T) {
	fake := clock.Fake(testEpoch)
	a := newReplica(t, fake, nil)
	b := newReplica(t, fake, nil)
	save(t, a, "r1", change.Clock{"a": 1}, "a's edit")
	save(t, b, "r1", change.Clock{"a": 1, "b": 1}, "b's later edit")
	save(t, b, "r2", change.Clock{"b": 1}, "unrelated")

	link(t, a, b)

	conflicts := testutil.RequireReceive(t, a.engine.Conflicts(), testTimeout, "a's conflict")
	if len(conflicts) != 1 || conflicts[0].RowID != "r1" || string(conflicts[0].Payload) != "a's edit" {
		t.Fatalf("conflicts = %+v, want a's r1 edit", conflicts)
	}
	testutil.RequireNoReceive(t, b.engine.Conflicts(), 50*time.Millisecond, "b is ahead, no conflict")
}

func TestPeerLostEndsSession(t *testing.T) {
	fake := clock.Fake(testEpoch)
	a := newReplica(t, fake, nil)
	local, remote := channelPair(t)
	peer := newScriptedPeer(t, remote, false)
	close(peer.release)

	lost := &discovery.Peer{ID: "scripted", Channel: local}
	a.events <- discovery.Event{Kind: discovery.PeerFound, Peer: lost}
	testutil.RequireReceive(t, peer.unseen, testTimeout, "initial reconciliation")
	testutil.Eventually(t, testTimeout, func() bool { return a.engine.PeerCount() == 1 }, "session open")

	// A stale loss for a different Peer value with the same id is
	// ignored.
	a.events <- discovery.Event{Kind: discovery.PeerLost, Peer: &discovery.Peer{ID: "scripted"}}
	a.events <- discovery.Event{Kind: discovery.PeerLost, Peer: lost}
	testutil.Eventually(t, testTimeout, func() bool { return a.engine.PeerCount() == 0 }, "session closed")

	before := peer.recentCalls.Load()
	for i := 0; i < 3; i++ {
		fake.Advance(DefaultPollInterval)
	}
	time.Sleep(20 * time.Millisecond)
	if got := peer.recentCalls.Load(); got != before {
		t.Errorf("pulls after peer loss = %d, want %d", got, before)
	}
}

func TestRunReturnsWhenEventsClose(t *testing.T) {
	events := make(chan discovery.Event)
	engine, err := New(Config{Store: openStore(t), Events: events, Clock: clock.Fake(testEpoch)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stopped := make(chan error, 1)
	go func() { stopped <- engine.Run(context.Background()) }()

	close(events)
	if err := testutil.RequireReceive(t, stopped, testTimeout, "Run returning"); err != nil {
		t.Errorf("Run: %v", err)
	}
	if _, ok := <-engine.Changes(); ok {
		t.Error("Changes not closed")
	}
	if _, ok := <-engine.Conflicts(); ok {
		t.Error("Conflicts not closed")
	}
}
