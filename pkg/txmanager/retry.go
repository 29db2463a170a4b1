package txmanager

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/catalogsync/pkg/catalog"
	"github.com/cuemby/catalogsync/pkg/log"
	"github.com/cuemby/catalogsync/pkg/metrics"
	"github.com/cuemby/catalogsync/pkg/storage"
)

// RetryManager wakes on a fixed interval, scans the transaction log for
// unprocessed rows whose target node has recovered, and replays them. It
// implements lifecycle.Service.
type RetryManager struct {
	registry livenessRegistry
	broker   connBroker
	store    storage.Store
	txStore  storage.TxStore
	interval time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRetryManager builds a RetryManager. txStore must be the same
// underlying store as store, asserted to storage.TxStore so replayed DML
// runs inside a transaction like the original attempt did.
func NewRetryManager(reg livenessRegistry, brk connBroker, store storage.Store, txStore storage.TxStore, interval time.Duration) *RetryManager {
	return &RetryManager{registry: reg, broker: brk, store: store, txStore: txStore, interval: interval}
}

func (r *RetryManager) Name() string { return "txmanager-retry" }

func (r *RetryManager) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		return errors.New("txmanager: retry manager already started")
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.run(ctx)
	return nil
}

func (r *RetryManager) Stop(ctx context.Context) error {
	r.mu.Lock()
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()
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

func (r *RetryManager) run(ctx context.Context) {
	defer close(r.doneCh)
	logger := log.WithComponent("txmanager-retry")
	logger.Info().Dur("interval", r.interval).Msg("transaction retry manager started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.retryCycle(ctx, logger)
		case <-r.stopCh:
			logger.Info().Msg("transaction retry manager stopped")
			return
		case <-ctx.Done():
			logger.Info().Msg("transaction retry manager stopped")
			return
		}
	}
}

func (r *RetryManager) retryCycle(ctx context.Context, logger zerolog.Logger) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TransactionRetryDuration)

	masterDB, ok := r.broker.Get(ctx, "master")
	if !ok {
		logger.Warn().Msg("master unreachable, skipping retry cycle")
		return
	}

	entries, err := r.store.ListUnprocessed(ctx, masterDB)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list unprocessed transaction log rows")
		return
	}

	counts, err := r.store.CountByStatus(ctx, masterDB)
	if err == nil {
		for status, n := range counts {
			metrics.TransactionLogRows.WithLabelValues(string(status)).Set(float64(n))
		}
	}

	for _, entry := range entries {
		r.replay(ctx, logger, masterDB, entry)
	}
}

// replay follows the state machine from spec §4.5: a successful replay
// always lands on COMMITTED/Processed=true; a failed replay stays in its
// current state with an updated error and an incremented retry count.
func (r *RetryManager) replay(ctx context.Context, logger zerolog.Logger, masterDB *sql.DB, entry storage.TransactionLogEntry) {
	if !r.registry.IsUp(entry.NodeName) {
		return
	}
	targetDB, ok := r.broker.Get(ctx, entry.NodeName)
	if !ok {
		return
	}

	err := r.replayDML(ctx, targetDB, entry)
	if err != nil {
		msg := err.Error()
		logger.Warn().Err(err).Str("node", entry.NodeName).Str("op", string(entry.Operation)).
			Int64("log_id", entry.LogID).Msg("transaction replay failed")
		if updErr := r.store.UpdateLogStatus(ctx, masterDB, entry.LogID, entry.Status, &msg, false, entry.RetryCount+1); updErr != nil {
			logger.Error().Err(updErr).Int64("log_id", entry.LogID).Msg("failed to record replay failure")
		}
		return
	}

	if updErr := r.store.UpdateLogStatus(ctx, masterDB, entry.LogID, storage.TxCommitted, nil, true, entry.RetryCount); updErr != nil {
		logger.Error().Err(updErr).Int64("log_id", entry.LogID).Msg("failed to record replay success")
	}
}

func (r *RetryManager) replayDML(ctx context.Context, targetDB *sql.DB, entry storage.TransactionLogEntry) error {
	tx, err := targetDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replay transaction: %w", err)
	}

	if err := r.execReplay(ctx, tx, entry); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing replay transaction: %w", err)
	}
	return nil
}

func (r *RetryManager) execReplay(ctx context.Context, tx *sql.Tx, entry storage.TransactionLogEntry) error {
	switch entry.Operation {
	case storage.TxDelete:
		if entry.RecordID == nil {
			return errors.New("txmanager: delete replay missing record id")
		}
		return r.txStore.DeleteGameTx(ctx, tx, *entry.RecordID)
	case storage.TxInsert, storage.TxUpdate:
		if entry.NewData == nil {
			return errors.New("txmanager: replay missing new_data")
		}
		var rec catalog.GameRecord
		if err := json.Unmarshal([]byte(*entry.NewData), &rec); err != nil {
			return fmt.Errorf("unmarshaling new_data: %w", err)
		}
		if entry.Operation == storage.TxInsert {
			return r.txStore.InsertGameTx(ctx, tx, rec)
		}
		return r.txStore.UpdateGameTx(ctx, tx, rec)
	default:
		return fmt.Errorf("txmanager: unknown operation %q", entry.Operation)
	}
}
