// Package txmanager implements the transaction-manager write path (C6):
// per-node transactions at a configurable isolation level, a unified
// transaction log on the master, and a companion retry manager that
// replays log rows once their target node recovers.
package txmanager

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/catalogsync/pkg/catalog"
	"github.com/cuemby/catalogsync/pkg/config"
	"github.com/cuemby/catalogsync/pkg/log"
	"github.com/cuemby/catalogsync/pkg/metrics"
	"github.com/cuemby/catalogsync/pkg/storage"
)

// connBroker is the subset of *broker.Broker the manager depends on.
type connBroker interface {
	Get(ctx context.Context, name string) (*sql.DB, bool)
}

// livenessRegistry is the subset of *registry.Registry the manager
// depends on.
type livenessRegistry interface {
	IsUp(name string) bool
}

// Op identifies which DML the manager is asked to perform.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Result reports, per target node, whether the DML committed.
type Result struct {
	TransactionID string
	Committed     map[string]bool
}

// Manager is the transaction manager. Construct with New.
type Manager struct {
	registry  livenessRegistry
	broker    connBroker
	store     storage.Store
	isolation config.Isolation
}

func isoOpts(iso config.Isolation) *sql.TxOptions {
	switch iso {
	case config.ReadUncommitted:
		return &sql.TxOptions{Isolation: sql.LevelReadUncommitted}
	case config.ReadCommitted:
		return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	case config.Serializable:
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	default:
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	}
}

// New builds a Manager targeting the given isolation level.
func New(reg livenessRegistry, brk connBroker, store storage.Store, isolation config.Isolation) *Manager {
	return &Manager{registry: reg, broker: brk, store: store, isolation: isolation}
}

// targets computes which nodes an operation applies to: INSERT/UPDATE
// follow the same platform routing rule as the write coordinator but
// always include the master; DELETE always targets all three.
func targets(op Op, rec catalog.GameRecord) []string {
	if op == OpDelete {
		return []string{"master", "slave_a", "slave_b"}
	}
	switch catalog.ClassifyPartition(rec) {
	case catalog.PartitionWindowsOnly:
		return []string{"master", "slave_a"}
	case catalog.PartitionMultiPlatform:
		return []string{"master", "slave_b"}
	default:
		return []string{"master"}
	}
}

// Execute runs op against every routed target, each in its own
// transaction at the manager's configured isolation level. A target that
// is offline gets a PENDING log row instead of a transaction attempt.
// Execute never returns an error for a per-target failure: the overall
// outcome is reported in Result.Committed.
func (m *Manager) Execute(ctx context.Context, op Op, rec catalog.GameRecord, oldData *catalog.GameRecord) (Result, error) {
	txLog := log.WithComponent("txmanager")
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TransactionRetryDuration)

	masterDB, ok := m.broker.Get(ctx, "master")
	if !ok {
		return Result{}, errors.New("txmanager: master is down")
	}

	txID := uuid.NewString()
	result := Result{TransactionID: txID, Committed: make(map[string]bool)}

	newData, err := marshalRecord(rec)
	if err != nil {
		return Result{}, fmt.Errorf("txmanager: marshal new data: %w", err)
	}
	var oldJSON *string
	if oldData != nil {
		oldJSON, err = marshalRecord(*oldData)
		if err != nil {
			return Result{}, fmt.Errorf("txmanager: marshal old data: %w", err)
		}
	}

	for _, node := range targets(op, rec) {
		committed := m.executeOnTarget(ctx, txLog, masterDB, txID, node, op, rec, newData, oldJSON)
		result.Committed[node] = committed
	}

	return result, nil
}

func (m *Manager) executeOnTarget(ctx context.Context, txLog zerolog.Logger, masterDB *sql.DB, txID, node string, op Op, rec catalog.GameRecord, newData, oldData *string) bool {
	entry := storage.TransactionLogEntry{
		TransactionID: txID,
		NodeName:      node,
		Operation:     storage.TxOperation(op),
		RecordID:      &rec.AppID,
		OldData:       oldData,
		NewData:       newData,
		Timestamp:     time.Now().UTC(),
	}

	if !m.registry.IsUp(node) {
		entry.Status = storage.TxPending
		if _, err := m.store.AppendLog(ctx, masterDB, entry); err != nil {
			txLog.Error().Err(err).Str("node", node).Msg("failed to append pending transaction log row")
		}
		return false
	}

	targetDB, ok := m.broker.Get(ctx, node)
	if !ok {
		entry.Status = storage.TxPending
		if _, err := m.store.AppendLog(ctx, masterDB, entry); err != nil {
			txLog.Error().Err(err).Str("node", node).Msg("failed to append pending transaction log row")
		}
		return false
	}

	if err := m.runDML(ctx, targetDB, op, rec); err != nil {
		msg := err.Error()
		entry.Status = storage.TxFailed
		entry.ErrorMessage = &msg
		if _, logErr := m.store.AppendLog(ctx, masterDB, entry); logErr != nil {
			txLog.Error().Err(logErr).Str("node", node).Msg("failed to append failed transaction log row")
		}
		txLog.Warn().Err(err).Str("node", node).Str("op", string(op)).Int64("app_id", rec.AppID).
			Msg("transaction failed on target")
		return false
	}

	entry.Status = storage.TxCommitted
	entry.Processed = true
	if _, err := m.store.AppendLog(ctx, masterDB, entry); err != nil {
		txLog.Error().Err(err).Str("node", node).Msg("failed to append committed transaction log row")
	}
	return true
}

// runDML opens one transaction at the manager's isolation level and
// executes op against db. Commit/rollback is entirely local to this node:
// there is no two-phase commit.
func (m *Manager) runDML(ctx context.Context, db *sql.DB, op Op, rec catalog.GameRecord) error {
	tx, err := db.BeginTx(ctx, isoOpts(m.isolation))
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := m.execInTx(ctx, tx, op, rec); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (m *Manager) execInTx(ctx context.Context, tx *sql.Tx, op Op, rec catalog.GameRecord) error {
	txStore, ok := m.store.(storage.TxStore)
	if !ok {
		return errors.New("txmanager: store does not support transactional execution")
	}
	switch op {
	case OpInsert:
		return txStore.InsertGameTx(ctx, tx, rec)
	case OpUpdate:
		return txStore.UpdateGameTx(ctx, tx, rec)
	case OpDelete:
		return txStore.DeleteGameTx(ctx, tx, rec.AppID)
	default:
		return fmt.Errorf("txmanager: unknown op %q", op)
	}
}

func marshalRecord(rec catalog.GameRecord) (*string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
