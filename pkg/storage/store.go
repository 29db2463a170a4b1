// Package storage defines the persistence contract for game records,
// pending-sync rows, node-status rows, and the transaction log, plus a
// Postgres-backed implementation.
//
// Every method takes its target *sql.DB as an explicit parameter rather
// than binding to one at construction time: the broker owns a separate
// connection per node, and a single coordinator call may need to write to
// master and a slave in the same request. This avoids the model-global
// database rebinding the source pattern used.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cuemby/catalogsync/pkg/catalog"
)

// GameStore persists and queries the canonical game record. It is
// implemented identically against the master DB and either slave DB: the
// games table schema is the same everywhere.
type GameStore interface {
	// MaxAppID returns the highest AppID currently stored, or 0 if the
	// table is empty.
	MaxAppID(ctx context.Context, db *sql.DB) (int64, error)
	// GameExists reports whether appID is already present.
	GameExists(ctx context.Context, db *sql.DB, appID int64) (bool, error)
	// InsertGame inserts a new row. Returns ErrDuplicateID if appID
	// already exists.
	InsertGame(ctx context.Context, db *sql.DB, rec catalog.GameRecord) error
	// UpdateGame updates an existing row's mutable fields and refreshes
	// UpdatedAt.
	UpdateGame(ctx context.Context, db *sql.DB, rec catalog.GameRecord) error
	// DeleteGame removes a row. Deleting a row that does not exist is
	// not an error.
	DeleteGame(ctx context.Context, db *sql.DB, appID int64) error
	// GetGame fetches a single row, or ErrNotFound.
	GetGame(ctx context.Context, db *sql.DB, appID int64) (catalog.GameRecord, error)
}

// TxStore is implemented by stores that can run game DML inside a
// caller-managed transaction, used by the transaction manager (C6) to get
// the configured isolation level on each per-node write.
type TxStore interface {
	InsertGameTx(ctx context.Context, tx *sql.Tx, rec catalog.GameRecord) error
	UpdateGameTx(ctx context.Context, tx *sql.Tx, rec catalog.GameRecord) error
	DeleteGameTx(ctx context.Context, tx *sql.Tx, appID int64) error
}

// PendingQueue names one of the two pending tables.
type PendingQueue string

const (
	PendingWindows PendingQueue = "windows"
	PendingMultiOS PendingQueue = "multi_os"
)

// PendingStore persists the sync queues. Both queues share a schema;
// which table a call touches is selected by PendingQueue.
type PendingStore interface {
	// UpsertPending inserts a new pending row, or if one already exists
	// for rec.AppID, resets it to PENDING with cleared retry bookkeeping
	// (re-enqueuing an already-pending record resets state rather than
	// stacking attempts).
	UpsertPending(ctx context.Context, db *sql.DB, queue PendingQueue, rec catalog.GameRecord) error
	// ListReady returns pending rows with SyncStatus in {PENDING,
	// FAILED}, ordered by CreatedAt ascending.
	ListReady(ctx context.Context, db *sql.DB, queue PendingQueue) ([]catalog.PendingRecord, error)
	// MarkSynced flips a row to SYNCED and stamps LastSyncAttempt.
	MarkSynced(ctx context.Context, db *sql.DB, queue PendingQueue, appID int64, at time.Time) error
	// MarkFailed flips a row to FAILED, stamps LastSyncAttempt, and
	// records errMsg.
	MarkFailed(ctx context.Context, db *sql.DB, queue PendingQueue, appID int64, at time.Time, errMsg string) error
	// CountOutstanding returns the count of rows with SyncStatus in
	// {PENDING, FAILED}, for the /api/pending counts concept.
	CountOutstanding(ctx context.Context, db *sql.DB, queue PendingQueue) (int, error)
}

// NodeStatus mirrors the persisted node-status row.
type NodeStatus struct {
	NodeName     string
	IsAvailable  bool
	LastChecked  time.Time
	LastSync     *time.Time
	FailureCount int
	LastError    *string
}

// NodeStatusStore persists the node-status table (master only).
type NodeStatusStore interface {
	// SeedNodeStatus inserts a row for nodeName if one does not already
	// exist, used by the migrator.
	SeedNodeStatus(ctx context.Context, db *sql.DB, nodeName string) error
	// UpdateNodeStatus upserts the full row, used by the node monitor.
	UpdateNodeStatus(ctx context.Context, db *sql.DB, status NodeStatus) error
	// GetNodeStatus fetches a single row, or ErrNotFound.
	GetNodeStatus(ctx context.Context, db *sql.DB, nodeName string) (NodeStatus, error)
	// ListNodeStatus returns every row.
	ListNodeStatus(ctx context.Context, db *sql.DB) ([]NodeStatus, error)
}

// TxLogStatus is the lifecycle state of a TransactionLogEntry.
type TxLogStatus string

const (
	TxPending   TxLogStatus = "PENDING"
	TxCommitted TxLogStatus = "COMMITTED"
	TxFailed    TxLogStatus = "FAILED"
)

// TxOperation is the DML kind a TransactionLogEntry records.
type TxOperation string

const (
	TxInsert TxOperation = "INSERT"
	TxUpdate TxOperation = "UPDATE"
	TxDelete TxOperation = "DELETE"
)

// TransactionLogEntry is one row of the C6 transaction log.
type TransactionLogEntry struct {
	LogID         int64
	TransactionID string
	NodeName      string
	Operation     TxOperation
	RecordID      *int64
	OldData       *string // JSON
	NewData       *string // JSON
	Timestamp     time.Time
	Status        TxLogStatus
	ErrorMessage  *string
	Processed     bool
	RetryCount    int
}

// TransactionLogStore persists the transaction log (master only).
type TransactionLogStore interface {
	// AppendLog inserts a new log row and returns its assigned LogID.
	AppendLog(ctx context.Context, db *sql.DB, entry TransactionLogEntry) (int64, error)
	// UpdateLogStatus updates an existing row's Status, ErrorMessage,
	// Processed, and RetryCount.
	UpdateLogStatus(ctx context.Context, db *sql.DB, logID int64, status TxLogStatus, errMsg *string, processed bool, retryCount int) error
	// ListUnprocessed returns rows with Processed=false and Status in
	// {PENDING, FAILED}, ordered by Timestamp ascending.
	ListUnprocessed(ctx context.Context, db *sql.DB) ([]TransactionLogEntry, error)
	// CountByStatus returns the row count for each TxLogStatus, used for
	// the transaction-log state gauges.
	CountByStatus(ctx context.Context, db *sql.DB) (map[TxLogStatus]int, error)
}

// Store is the union of every persistence contract the coordinator,
// sync service, transaction manager, and monitor depend on.
type Store interface {
	GameStore
	PendingStore
	NodeStatusStore
	TransactionLogStore
}
