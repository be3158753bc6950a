// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace prefixes every metric name.
const namespace = "meshfeed"

type metrics struct {
	registry  *prometheus.Registry
	applied   prometheus.Counter
	conflicts prometheus.Counter
}

func newMetrics(n *Node) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		applied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replication", Name: "changes_applied_total",
			Help: "Remote changes new to this replica.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replication", Name: "conflicts_total",
			Help: "Local changes superseded by a peer's concurrent change.",
		}),
	}
	m.registry.MustRegister(
		m.applied,
		m.conflicts,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "discovery", Name: "peers",
			Help: "Established peer connections.",
		}, func() float64 { return float64(n.discovery.PeerCount().Connected) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "discovery", Name: "swarm_peers",
			Help: "Estimated swarm size excluding this replica.",
		}, func() float64 { return float64(n.discovery.PeerCount().Total) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "discovery", Name: "offers_sent_total",
			Help: "Connection offers published to the tracker.",
		}, func() float64 { return float64(n.discovery.OffersSent()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "replication", Name: "sessions",
			Help: "Peers with a live replication session.",
		}, func() float64 { return float64(n.replication.PeerCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "changes",
			Help: "Changes in the local log.",
		}, func() float64 { return float64(n.store.Len()) }),
	)
	return m
}

// serve exposes the registry on /metrics at address until ctx ends.
func (m *metrics) serve(ctx context.Context, address string, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening for metrics on %s: %w", address, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "address", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}
