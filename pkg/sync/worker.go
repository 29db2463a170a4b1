// Package sync implements the pending-sync worker (C5): a periodic drain
// of both pending queues that pushes rows awaiting replication out to
// their slave, idempotently, one row at a time.
package sync

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/catalogsync/pkg/catalog"
	"github.com/cuemby/catalogsync/pkg/log"
	"github.com/cuemby/catalogsync/pkg/metrics"
	"github.com/cuemby/catalogsync/pkg/storage"
)

// connBroker is the subset of *broker.Broker the worker depends on.
type connBroker interface {
	Get(ctx context.Context, name string) (*sql.DB, bool)
}

// queueTarget pairs a pending queue with the slave node it replicates to.
type queueTarget struct {
	queue storage.PendingQueue
	node  string
}

var queueTargets = []queueTarget{
	{queue: storage.PendingWindows, node: "slave_a"},
	{queue: storage.PendingMultiOS, node: "slave_b"},
}

// Worker drains both pending queues on a fixed interval. It implements
// lifecycle.Service.
type Worker struct {
	broker   connBroker
	store    storage.Store
	interval time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Worker that drains pending queues every interval.
func New(brk connBroker, store storage.Store, interval time.Duration) *Worker {
	return &Worker{broker: brk, store: store, interval: interval}
}

func (w *Worker) Name() string { return "sync" }

// Start spawns the drain loop. It is safe to call once per Worker.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopCh != nil {
		return errors.New("sync: worker already started")
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx)
	return nil
}

// Stop signals the loop to exit and waits for it, or for ctx to expire.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.mu.Unlock()
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

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)
	logger := log.WithComponent("sync")
	logger.Info().Dur("interval", w.interval).Msg("sync worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.drainCycle(ctx, logger)
		case <-w.stopCh:
			logger.Info().Msg("sync worker stopped")
			return
		case <-ctx.Done():
			logger.Info().Msg("sync worker stopped")
			return
		}
	}
}

// drainCycle runs one pass over both queues. Individual row failures are
// logged and counted, never abort the cycle (spec requires independent
// per-row error handling).
func (w *Worker) drainCycle(ctx context.Context, logger zerolog.Logger) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SyncCycleDuration)
		metrics.SyncCyclesTotal.Inc()
	}()

	masterDB, ok := w.broker.Get(ctx, "master")
	if !ok {
		logger.Warn().Msg("master unreachable, skipping sync cycle")
		return
	}

	for _, target := range queueTargets {
		w.drainQueue(ctx, logger, masterDB, target)
	}
}

func (w *Worker) drainQueue(ctx context.Context, logger zerolog.Logger, masterDB *sql.DB, target queueTarget) {
	depth, err := w.store.CountOutstanding(ctx, masterDB, target.queue)
	if err != nil {
		logger.Error().Err(err).Str("queue", string(target.queue)).Msg("failed to count outstanding rows")
	} else {
		metrics.PendingQueueDepth.WithLabelValues(string(target.queue)).Set(float64(depth))
	}

	slaveDB, slaveUp := w.broker.Get(ctx, target.node)
	if !slaveUp {
		return
	}

	rows, err := w.store.ListReady(ctx, masterDB, target.queue)
	if err != nil {
		logger.Error().Err(err).Str("queue", string(target.queue)).Msg("failed to list ready rows")
		return
	}

	for _, row := range rows {
		w.syncRow(ctx, logger, masterDB, slaveDB, target, row)
	}
}

// syncRow replicates one pending row to its slave and marks the outcome.
// If the row already exists on the slave, it is treated as already
// replicated and only the sync status is flipped, no write is made; this
// matches the source sync service exactly (a found row goes straight to
// SyncStatus='SYNCED' with no further GameData.create/update call).
func (w *Worker) syncRow(ctx context.Context, logger zerolog.Logger, masterDB, slaveDB *sql.DB, target queueTarget, row catalog.PendingRecord) {
	now := time.Now().UTC()

	exists, err := w.store.GameExists(ctx, slaveDB, row.AppID)
	if err != nil {
		w.markFailed(ctx, logger, masterDB, target, row.AppID, now, err)
		return
	}

	if !exists {
		if err := w.store.InsertGame(ctx, slaveDB, row.GameRecord); err != nil && !errors.Is(err, storage.ErrDuplicateID) {
			w.markFailed(ctx, logger, masterDB, target, row.AppID, now, err)
			return
		}
	}

	if err := w.store.MarkSynced(ctx, masterDB, target.queue, row.AppID, now); err != nil {
		logger.Error().Err(err).Int64("app_id", row.AppID).Str("queue", string(target.queue)).
			Msg("replicated row but failed to mark it synced")
		return
	}
	metrics.PendingRowsSynced.WithLabelValues(string(target.queue)).Inc()
}

func (w *Worker) markFailed(ctx context.Context, logger zerolog.Logger, masterDB *sql.DB, target queueTarget, appID int64, at time.Time, cause error) {
	logger.Warn().Err(cause).Int64("app_id", appID).Str("queue", string(target.queue)).
		Msg("sync attempt failed, will retry next cycle")
	metrics.PendingRowsFailed.WithLabelValues(string(target.queue)).Inc()
	if err := w.store.MarkFailed(ctx, masterDB, target.queue, appID, at, cause.Error()); err != nil {
		logger.Error().Err(err).Int64("app_id", appID).Msg("failed to record sync failure")
	}
}
