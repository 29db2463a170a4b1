// Package monitor implements the node monitor (C7): a periodic probe of
// all three catalog nodes that updates the in-memory registry and the
// persisted node_status table.
package monitor

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/catalogsync/pkg/config"
	"github.com/cuemby/catalogsync/pkg/log"
	"github.com/cuemby/catalogsync/pkg/storage"
)

// connBroker is the subset of *broker.Broker the monitor depends on. Probe
// is ungated: unlike Get, it does not short-circuit on the registry's own
// prior verdict, which is what lets the monitor observe a node coming back
// online on its own rather than only via an explicit restore.
type connBroker interface {
	Get(ctx context.Context, name string) (*sql.DB, bool)
	Probe(ctx context.Context, name string) bool
}

// registryUpdater is the subset of *registry.Registry the monitor depends
// on: it both reads and writes liveness, unlike the read-only interfaces
// used elsewhere.
type registryUpdater interface {
	IsUp(name string) bool
	MarkUp(name string) error
	MarkDown(name string, err error) error
}

// Monitor probes every node on a fixed interval. It implements
// lifecycle.Service.
type Monitor struct {
	registry registryUpdater
	broker   connBroker
	store    storage.NodeStatusStore
	interval time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Monitor probing every interval. store only needs to
// satisfy NodeStatusStore; callers pass the full storage.Store in
// production.
func New(reg registryUpdater, brk connBroker, store storage.NodeStatusStore, interval time.Duration) *Monitor {
	return &Monitor{registry: reg, broker: brk, store: store, interval: interval}
}

func (m *Monitor) Name() string { return "monitor" }

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		return errors.New("monitor: already started")
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(ctx)
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()
	if stopCh == nil {
		return nil
	}
	close(stopCh)
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)
	logger := log.WithComponent("monitor")
	logger.Info().Dur("interval", m.interval).Msg("node monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probeCycle(ctx, logger)
		case <-m.stopCh:
			logger.Info().Msg("node monitor stopped")
			return
		case <-ctx.Done():
			logger.Info().Msg("node monitor stopped")
			return
		}
	}
}

// probeCycle attempts a fresh connect-and-ping against every node, via
// Probe, regardless of what the registry currently believes about it, and
// updates its registry entry accordingly. Gating the probe itself on prior
// liveness (as broker.Get does for the write path) would mean a node the
// registry already considers down can never be observed recovering on its
// own, only via an explicit restore.
//
// Persisting the result to node_status requires the master; if the master
// itself is offline, persistence is skipped and the cycle logs and
// continues rather than failing (spec §4.6's explicit tolerance for a down
// recording side).
func (m *Monitor) probeCycle(ctx context.Context, logger zerolog.Logger) {
	results := make(map[string]bool, len(config.NodeNames()))
	for _, node := range config.NodeNames() {
		up := m.broker.Probe(ctx, node)
		results[node] = up
		if up {
			_ = m.registry.MarkUp(node)
		} else {
			_ = m.registry.MarkDown(node, errors.New("probe failed"))
		}
	}

	masterDB, masterUp := m.broker.Get(ctx, "master")
	if !masterUp {
		logger.Warn().Msg("master offline, skipping node_status persistence")
		return
	}

	for node, up := range results {
		status := storage.NodeStatus{
			NodeName:    node,
			IsAvailable: up,
			LastChecked: time.Now().UTC(),
		}
		if err := m.store.UpdateNodeStatus(ctx, masterDB, status); err != nil {
			logger.Error().Err(err).Str("node", node).Msg("failed to persist node status")
		}
	}
}
