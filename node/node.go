// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/meshfeed/discovery"
	"github.com/bureau-foundation/meshfeed/lib/change"
	"github.com/bureau-foundation/meshfeed/lib/changestore"
	"github.com/bureau-foundation/meshfeed/lib/clock"
	"github.com/bureau-foundation/meshfeed/lib/config"
	"github.com/bureau-foundation/meshfeed/rendezvous"
	"github.com/bureau-foundation/meshfeed/replication"
	"github.com/bureau-foundation/meshfeed/transport"
)

// Deps supplies the collaborators New would otherwise build from the
// config. Every field is optional.
type Deps struct {
	// Factory builds peer connections. Default: WebRTC with the
	// configured ICE servers.
	Factory transport.Factory

	// Dialer opens tracker connections. Default: a WebSocket dialer
	// for tracker_url.
	Dialer rendezvous.Dialer

	// PeerID overrides the generated discovery peer id.
	PeerID string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Node is one running replica of a feed.
type Node struct {
	config      *config.Config
	logger      *slog.Logger
	store       *changestore.Store
	discovery   *discovery.Engine
	replication *replication.Engine
	metrics     *metrics
	replicaID   string

	changes   chan replication.Applied
	conflicts chan []change.Change

	// mu serializes Put and guards rows, the merged clock of every
	// change seen per row.
	mu   sync.Mutex
	rows map[string]change.Clock
}

// New opens the change log and builds both engines. The caller must
// Close the node.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Factory == nil {
		deps.Factory = transport.NewWebRTCFactory(transport.ICEConfig{Servers: cfg.Discovery.ICEServers})
	}
	if deps.Dialer == nil {
		deps.Dialer = &rendezvous.WebSocketDialer{URL: cfg.TrackerURL, Logger: logger}
	}

	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	store, err := changestore.Open(ctx, changestore.Config{Path: cfg.Database, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("opening change store: %w", err)
	}

	disc, err := discovery.New(discovery.Config{
		Feed:            cfg.Feed,
		PeerID:          deps.PeerID,
		TargetPeers:     cfg.Discovery.TargetPeers,
		OfferTimeout:    cfg.Discovery.OfferTimeout,
		HeartbeatPeriod: cfg.Discovery.HeartbeatPeriod,
		OfferBackoff:    cfg.Discovery.OfferBackoff,
		Factory:         deps.Factory,
		Dialer:          deps.Dialer,
		Clock:           deps.Clock,
		Logger:          logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	requestTimeout := cfg.Replication.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = -1
	}
	var key []byte
	if cfg.ReadKey != "" {
		key = []byte(cfg.ReadKey)
	}
	repl, err := replication.New(replication.Config{
		Store:          store,
		Events:         disc.Events(),
		PollInterval:   cfg.Replication.PollInterval,
		RequestTimeout: requestTimeout,
		Key:            key,
		Clock:          deps.Clock,
		Logger:         logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	replicaID := cfg.ReplicaID
	if replicaID == "" {
		replicaID = disc.PeerID()
	}
	n := &Node{
		config:      cfg,
		logger:      logger.With("replica_id", replicaID),
		store:       store,
		discovery:   disc,
		replication: repl,
		replicaID:   replicaID,
		changes:     make(chan replication.Applied, replication.DefaultNotifyBuffer),
		conflicts:   make(chan []change.Change, replication.DefaultNotifyBuffer),
	}
	if err := n.loadRows(ctx); err != nil {
		store.Close()
		return nil, err
	}
	n.metrics = newMetrics(n)
	return n, nil
}

// loadRows rebuilds the per-row clocks from the change log.
func (n *Node) loadRows(ctx context.Context) error {
	encoded, _, err := n.store.ChangesSince(ctx, 0)
	if err != nil {
		return fmt.Errorf("reading change log: %w", err)
	}
	n.rows = make(map[string]change.Clock)
	for _, data := range encoded {
		decoded, err := change.Decode(data)
		if err != nil {
			n.logger.Warn("skipping undecodable stored change", "error", err)
			continue
		}
		n.rows[decoded.RowID] = n.rows[decoded.RowID].Merge(decoded.Clock)
	}
	return nil
}

// PeerID returns the discovery peer id.
func (n *Node) PeerID() string { return n.discovery.PeerID() }

// ReplicaID returns the id this node ticks in version vectors.
func (n *Node) ReplicaID() string { return n.replicaID }

// PeerCount returns the discovery engine's view of the swarm.
func (n *Node) PeerCount() discovery.Count { return n.discovery.PeerCount() }

// Wake forces a tracker heartbeat now.
func (n *Node) Wake() { n.discovery.Wake() }

// Changes delivers remote changes new to this replica. Closed when Run
// returns.
func (n *Node) Changes() <-chan replication.Applied { return n.changes }

// Conflicts delivers local changes a peer superseded. Closed when Run
// returns.
func (n *Node) Conflicts() <-chan []change.Change { return n.conflicts }

// Registry returns the registry holding the node's collectors.
func (n *Node) Registry() *prometheus.Registry { return n.metrics.registry }

// Put writes payload to rowID as a change one step past everything
// this replica has seen for the row.
func (n *Node) Put(ctx context.Context, rowID string, payload []byte) (change.Hash, error) {
	if rowID == "" {
		return change.Hash{}, fmt.Errorf("row id is required")
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	next := n.rows[rowID].Tick(n.replicaID)
	hash, _, err := n.replication.SaveLocalChange(ctx, change.Change{
		RowID:   rowID,
		Clock:   next,
		Payload: payload,
	})
	if err != nil {
		return hash, fmt.Errorf("saving change to %s: %w", rowID, err)
	}
	n.rows[rowID] = next
	n.logger.Debug("change saved", "row_id", rowID, "clock", next.String(), "hash", hash.String())
	return hash, nil
}

// Run drives discovery, replication, and the metrics endpoint until
// ctx is cancelled or one of them fails.
func (n *Node) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := n.discovery.Run(groupCtx); err != nil {
			return fmt.Errorf("discovery: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := n.replication.Run(groupCtx); err != nil {
			return fmt.Errorf("replication: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		n.forward(groupCtx)
		return nil
	})
	if n.config.MetricsAddress != "" {
		group.Go(func() error {
			return n.metrics.serve(groupCtx, n.config.MetricsAddress, n.logger)
		})
	}
	return group.Wait()
}

// forward relays replication notifications until replication closes
// them, tracking row clocks and counting both kinds. After ctx ends,
// notifications nobody reads are dropped.
func (n *Node) forward(ctx context.Context) {
	defer close(n.changes)
	defer close(n.conflicts)

	changes := n.replication.Changes()
	conflicts := n.replication.Conflicts()
	for changes != nil || conflicts != nil {
		select {
		case applied, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			n.mu.Lock()
			n.rows[applied.Change.RowID] = n.rows[applied.Change.RowID].Merge(applied.Change.Clock)
			n.mu.Unlock()
			n.metrics.applied.Inc()
			select {
			case n.changes <- applied:
			case <-ctx.Done():
			}
		case batch, ok := <-conflicts:
			if !ok {
				conflicts = nil
				continue
			}
			n.metrics.conflicts.Add(float64(len(batch)))
			select {
			case n.conflicts <- batch:
			case <-ctx.Done():
			}
		}
	}
}

// Close releases the change log. Call it after Run returns.
func (n *Node) Close() error {
	return n.store.Close()
}
