package storage

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/catalogsync/pkg/catalog"
)

// These tests exercise the Postgres store against a real database. They
// are skipped unless CATALOG_TEST_MASTER_DSN is set, matching the pack's
// DSN-gated integration test convention.
func testMasterDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("CATALOG_TEST_MASTER_DSN")
	if dsn == "" {
		t.Skip("CATALOG_TEST_MASTER_DSN not set, skipping integration test")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	DropMaster(ctx, db)
	require.NoError(t, ApplyMaster(ctx, db))
	return db
}

func sampleGame(appID int64) catalog.GameRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return catalog.Canonicalize(catalog.GameRecord{
		AppID:       appID,
		Name:        "Alpha",
		ReleaseDate: now,
		RequiredAge: 0,
		Price:       9.99,
		AboutGame:   "x",
		Windows:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func TestPostgresInsertGetGame(t *testing.T) {
	db := testMasterDB(t)
	store := NewPostgres()
	ctx := context.Background()

	rec := sampleGame(1)
	require.NoError(t, store.InsertGame(ctx, db, rec))

	got, err := store.GetGame(ctx, db, 1)
	require.NoError(t, err)
	require.Equal(t, rec.Name, got.Name)
	require.True(t, got.Windows)
}

func TestPostgresInsertDuplicateIDFails(t *testing.T) {
	db := testMasterDB(t)
	store := NewPostgres()
	ctx := context.Background()

	rec := sampleGame(2)
	require.NoError(t, store.InsertGame(ctx, db, rec))
	err := store.InsertGame(ctx, db, rec)
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestPostgresMaxAppID(t *testing.T) {
	db := testMasterDB(t)
	store := NewPostgres()
	ctx := context.Background()

	maxID, err := store.MaxAppID(ctx, db)
	require.NoError(t, err)
	require.Equal(t, int64(0), maxID)

	require.NoError(t, store.InsertGame(ctx, db, sampleGame(5)))
	require.NoError(t, store.InsertGame(ctx, db, sampleGame(7)))

	maxID, err = store.MaxAppID(ctx, db)
	require.NoError(t, err)
	require.Equal(t, int64(7), maxID)
}

func TestPostgresPendingLifecycle(t *testing.T) {
	db := testMasterDB(t)
	store := NewPostgres()
	ctx := context.Background()

	rec := sampleGame(9)
	require.NoError(t, store.UpsertPending(ctx, db, PendingWindows, rec))

	count, err := store.CountOutstanding(ctx, db, PendingWindows)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	ready, err := store.ListReady(ctx, db, PendingWindows)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, catalog.SyncPending, ready[0].SyncStatus)

	require.NoError(t, store.MarkSynced(ctx, db, PendingWindows, 9, time.Now().UTC()))

	count, err = store.CountOutstanding(ctx, db, PendingWindows)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestPostgresTransactionLogStateCounts(t *testing.T) {
	db := testMasterDB(t)
	store := NewPostgres()
	ctx := context.Background()

	logID, err := store.AppendLog(ctx, db, TransactionLogEntry{
		TransactionID: "11111111-1111-1111-1111-111111111111",
		NodeName:      "slave_a",
		Operation:     TxInsert,
		Timestamp:     time.Now().UTC(),
		Status:        TxPending,
	})
	require.NoError(t, err)
	require.NoError(t, store.UpdateLogStatus(ctx, db, logID, TxCommitted, nil, true, 0))

	counts, err := store.CountByStatus(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 1, counts[TxCommitted])
}

func TestPostgresNodeStatusUpsert(t *testing.T) {
	db := testMasterDB(t)
	store := NewPostgres()
	ctx := context.Background()

	require.NoError(t, store.SeedNodeStatus(ctx, db, "master"))
	require.NoError(t, store.UpdateNodeStatus(ctx, db, NodeStatus{
		NodeName:    "master",
		IsAvailable: true,
		LastChecked: time.Now().UTC(),
	}))

	st, err := store.GetNodeStatus(ctx, db, "master")
	require.NoError(t, err)
	require.True(t, st.IsAvailable)
}
