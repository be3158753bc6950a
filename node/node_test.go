// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/bureau-foundation/meshfeed/lib/change"
	"github.com/bureau-foundation/meshfeed/lib/clock"
	"github.com/bureau-foundation/meshfeed/lib/config"
	"github.com/bureau-foundation/meshfeed/lib/testutil"
	"github.com/bureau-foundation/meshfeed/rendezvous"
	"github.com/bureau-foundation/meshfeed/transport"
)

const testTimeout = 5 * time.Second

// cluster is an in-process tracker and network shared by test nodes.
type cluster struct {
	hub     *rendezvous.MemoryHub
	network *transport.MemoryNetwork
	clock   *clock.FakeClock
}

func newCluster() *cluster {
	return &cluster{
		hub:     rendezvous.NewMemoryHub(),
		network: transport.NewMemoryNetwork(),
		clock:   clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
}

func testConfig(database, replicaID string) *config.Config {
	cfg := config.Default()
	cfg.Feed = "notes"
	cfg.TrackerURL = "ws://tracker.invalid"
	cfg.Database = database
	cfg.ReplicaID = replicaID
	return cfg
}

func (c *cluster) node(t *testing.T, replicaID string) *Node {
	t.Helper()
	return c.nodeAt(t, filepath.Join(t.TempDir(), "notes.db"), replicaID)
}

func (c *cluster) nodeAt(t *testing.T, database, replicaID string) *Node {
	t.Helper()
	n, err := New(context.Background(), testConfig(database, replicaID), Deps{
		Factory: c.network,
		Dialer:  c.hub.Dialer(),
		PeerID:  "peer-" + replicaID,
		Clock:   c.clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

// start runs n until test cleanup.
func start(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, stopped, testTimeout, "Run returning"); err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

// connect starts a, then b, and waits for each to see the other.
func (c *cluster) connect(t *testing.T, a, b *Node) {
	t.Helper()
	start(t, a)
	testutil.Eventually(t, testTimeout, func() bool { return len(c.hub.Announces(a.PeerID())) > 0 }, "first announce")
	start(t, b)
	testutil.Eventually(t, testTimeout, func() bool {
		return a.replication.PeerCount() == 1 && b.replication.PeerCount() == 1
	}, "replication sessions on both sides")
}

func metricValue(t *testing.T, n *Node, name string) float64 {
	t.Helper()
	families, err := n.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		metric := family.GetMetric()[0]
		switch family.GetType() {
		case dto.MetricType_COUNTER:
			return metric.GetCounter().GetValue()
		case dto.MetricType_GAUGE:
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "notes.db"), "a")
	cfg.Feed = ""
	if _, err := New(context.Background(), cfg, Deps{}); err == nil {
		t.Fatal("New with an empty feed succeeded")
	}
}

func TestPutTicksRowClock(t *testing.T) {
	n := newCluster().node(t, "a")
	ctx := context.Background()

	first, err := n.Put(ctx, "r1", []byte("one"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	second, err := n.Put(ctx, "r1", []byte("one"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if first == second {
		t.Error("identical payloads at successive clocks hashed the same")
	}
	if got := n.rows["r1"].String(); got != "{a:2}" {
		t.Errorf("r1 clock = %s, want {a:2}", got)
	}
	if got := n.store.Len(); got != 2 {
		t.Errorf("store length = %d, want 2", got)
	}
	if _, err := n.Put(ctx, "", nil); err == nil {
		t.Error("Put with an empty row id succeeded")
	}
}

func TestNewRestoresRowClocks(t *testing.T) {
	c := newCluster()
	database := filepath.Join(t.TempDir(), "notes.db")
	first := c.nodeAt(t, database, "a")
	for range 2 {
		if _, err := first.Put(context.Background(), "r1", nil); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	first.Close()

	reopened := c.nodeAt(t, database, "a")
	if _, err := reopened.Put(context.Background(), "r1", nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got := reopened.rows["r1"].String(); got != "{a:3}" {
		t.Errorf("r1 clock after reopen = %s, want {a:3}", got)
	}
}

func TestReplicaIDDefaultsToPeerID(t *testing.T) {
	c := newCluster()
	n := c.nodeAt(t, filepath.Join(t.TempDir(), "notes.db"), "")
	if n.ReplicaID() != n.PeerID() {
		t.Errorf("ReplicaID = %q, want peer id %q", n.ReplicaID(), n.PeerID())
	}
}

func TestTwoNodesSync(t *testing.T) {
	c := newCluster()
	a := c.node(t, "a")
	b := c.node(t, "b")
	if _, err := a.Put(context.Background(), "r1", []byte("draft")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	c.connect(t, a, b)

	applied := testutil.RequireReceive(t, b.Changes(), testTimeout, "b receives a's change")
	if applied.Change.RowID != "r1" || string(applied.Change.Payload) != "draft" {
		t.Fatalf("b applied %s %q, want r1 draft", applied.Change.RowID, applied.Change.Payload)
	}

	// b's edit descends from a's, so a applies it without conflict.
	if _, err := b.Put(context.Background(), "r1", []byte("final")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var back change.Change
	testutil.Eventually(t, testTimeout, func() bool {
		select {
		case got := <-a.Changes():
			back = got.Change
			return true
		default:
			c.clock.Advance(time.Second)
			return false
		}
	}, "a pulls b's edit")
	if string(back.Payload) != "final" || back.Clock.String() != "{a:1 b:1}" {
		t.Errorf("a applied %q at %s, want final at {a:1 b:1}", back.Payload, back.Clock)
	}
	testutil.RequireNoReceive(t, a.Conflicts(), 20*time.Millisecond, "conflict for a descendant edit")

	if got := metricValue(t, b, "meshfeed_replication_changes_applied_total"); got != 1 {
		t.Errorf("b changes_applied_total = %v, want 1", got)
	}
	if got := metricValue(t, a, "meshfeed_discovery_peers"); got != 1 {
		t.Errorf("a peers = %v, want 1", got)
	}
	if got := metricValue(t, a, "meshfeed_discovery_offers_sent_total"); got == 0 {
		t.Error("a offers_sent_total = 0, want offers counted")
	}
	if got := metricValue(t, a, "meshfeed_store_changes"); got != 2 {
		t.Errorf("a store changes = %v, want 2", got)
	}
}

func TestConflictCounted(t *testing.T) {
	c := newCluster()
	a := c.node(t, "a")
	b := c.node(t, "b")
	if _, err := a.Put(context.Background(), "r1", []byte("a's edit")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// b's edit dominates a's without descending from a stored change.
	_, _, err := b.replication.SaveLocalChange(context.Background(), change.Change{
		RowID: "r1", Clock: change.Clock{"a": 1, "b": 1}, Payload: []byte("b's edit"),
	})
	if err != nil {
		t.Fatalf("SaveLocalChange: %v", err)
	}

	c.connect(t, a, b)

	conflicts := testutil.RequireReceive(t, a.Conflicts(), testTimeout, "a's conflict")
	if len(conflicts) != 1 || string(conflicts[0].Payload) != "a's edit" {
		t.Fatalf("conflicts = %+v, want a's edit", conflicts)
	}
	testutil.Eventually(t, testTimeout, func() bool {
		return metricValue(t, a, "meshfeed_replication_conflicts_total") == 1
	}, "conflict counted")
}

func TestRunClosesNotifications(t *testing.T) {
	n := newCluster().node(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- n.Run(ctx) }()

	cancel()
	if err := testutil.RequireReceive(t, stopped, testTimeout, "Run returning"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := <-n.Changes(); ok {
		t.Error("Changes not closed")
	}
	if _, ok := <-n.Conflicts(); ok {
		t.Error("Conflicts not closed")
	}
}

func TestRunFailsOnBadMetricsAddress(t *testing.T) {
	c := newCluster()
	cfg := testConfig(filepath.Join(t.TempDir(), "notes.db"), "a")
	cfg.MetricsAddress = "256.0.0.1:bad"
	n, err := New(context.Background(), cfg, Deps{Factory: c.network, Dialer: c.hub.Dialer(), Clock: c.clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	if err := n.Run(context.Background()); err == nil {
		t.Fatal("Run with an unusable metrics address returned nil")
	}
}
