package coordinator

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cuemby/catalogsync/pkg/catalog"
	"github.com/cuemby/catalogsync/pkg/storage"
)

// memStore is an in-memory storage.Store fake keyed by the *sql.DB pointer
// identity, so the same fake can stand in for master, slave_a, and slave_b
// simultaneously in coordinator tests without a real database.
type memStore struct {
	mu      sync.Mutex
	games   map[*sql.DB]map[int64]catalog.GameRecord
	pending map[*sql.DB]map[storage.PendingQueue]map[int64]catalog.PendingRecord
	nodes   map[*sql.DB]map[string]storage.NodeStatus
	txlog   map[*sql.DB][]storage.TransactionLogEntry
	nextLog int64

	// failInsertFor, if non-nil, makes InsertGame fail for that specific
	// connection only, leaving the others (e.g. master) unaffected.
	failInsertFor *sql.DB

	// forceDuplicateOnce, if true, makes the next InsertGame call return
	// storage.ErrDuplicateID regardless of whether the id is actually
	// taken, simulating a concurrent writer that won the race, then
	// resets itself so the retried insert succeeds normally.
	forceDuplicateOnce bool
}

func newMemStore() *memStore {
	return &memStore{
		games:   make(map[*sql.DB]map[int64]catalog.GameRecord),
		pending: make(map[*sql.DB]map[storage.PendingQueue]map[int64]catalog.PendingRecord),
		nodes:   make(map[*sql.DB]map[string]storage.NodeStatus),
		txlog:   make(map[*sql.DB][]storage.TransactionLogEntry),
	}
}

func (m *memStore) gamesFor(db *sql.DB) map[int64]catalog.GameRecord {
	if m.games[db] == nil {
		m.games[db] = make(map[int64]catalog.GameRecord)
	}
	return m.games[db]
}

func (m *memStore) pendingFor(db *sql.DB, queue storage.PendingQueue) map[int64]catalog.PendingRecord {
	if m.pending[db] == nil {
		m.pending[db] = make(map[storage.PendingQueue]map[int64]catalog.PendingRecord)
	}
	if m.pending[db][queue] == nil {
		m.pending[db][queue] = make(map[int64]catalog.PendingRecord)
	}
	return m.pending[db][queue]
}

func (m *memStore) MaxAppID(ctx context.Context, db *sql.DB) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for id := range m.gamesFor(db) {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (m *memStore) GameExists(ctx context.Context, db *sql.DB, appID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.gamesFor(db)[appID]
	return ok, nil
}

func (m *memStore) InsertGame(ctx context.Context, db *sql.DB, rec catalog.GameRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsertFor != nil && db == m.failInsertFor {
		return sql.ErrConnDone
	}
	games := m.gamesFor(db)
	if m.forceDuplicateOnce {
		m.forceDuplicateOnce = false
		// A concurrent writer actually won the race for this id; reflect
		// that in the store so the retry's MaxAppID re-read moves past it.
		games[rec.AppID] = rec
		return storage.ErrDuplicateID
	}
	if _, exists := games[rec.AppID]; exists {
		return storage.ErrDuplicateID
	}
	games[rec.AppID] = rec
	return nil
}

func (m *memStore) UpdateGame(ctx context.Context, db *sql.DB, rec catalog.GameRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gamesFor(db)[rec.AppID] = rec
	return nil
}

func (m *memStore) DeleteGame(ctx context.Context, db *sql.DB, appID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gamesFor(db), appID)
	return nil
}

func (m *memStore) GetGame(ctx context.Context, db *sql.DB, appID int64) (catalog.GameRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.gamesFor(db)[appID]
	if !ok {
		return catalog.GameRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) UpsertPending(ctx context.Context, db *sql.DB, queue storage.PendingQueue, rec catalog.GameRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingFor(db, queue)[rec.AppID] = catalog.PendingRecord{
		GameRecord: rec,
		SyncStatus: catalog.SyncPending,
		CreatedAt:  time.Now().UTC(),
	}
	return nil
}

func (m *memStore) ListReady(ctx context.Context, db *sql.DB, queue storage.PendingQueue) ([]catalog.PendingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []catalog.PendingRecord
	for _, pr := range m.pendingFor(db, queue) {
		if pr.SyncStatus == catalog.SyncPending || pr.SyncStatus == catalog.SyncFailed {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (m *memStore) MarkSynced(ctx context.Context, db *sql.DB, queue storage.PendingQueue, appID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.pendingFor(db, queue)
	pr := rows[appID]
	pr.SyncStatus = catalog.SyncSynced
	pr.LastSyncAttempt = &at
	rows[appID] = pr
	return nil
}

func (m *memStore) MarkFailed(ctx context.Context, db *sql.DB, queue storage.PendingQueue, appID int64, at time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.pendingFor(db, queue)
	pr := rows[appID]
	pr.SyncStatus = catalog.SyncFailed
	pr.LastSyncAttempt = &at
	pr.ErrorMessage = &errMsg
	rows[appID] = pr
	return nil
}

func (m *memStore) CountOutstanding(ctx context.Context, db *sql.DB, queue storage.PendingQueue) (int, error) {
	rows, _ := m.ListReady(ctx, db, queue)
	return len(rows), nil
}

func (m *memStore) SeedNodeStatus(ctx context.Context, db *sql.DB, nodeName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[db] == nil {
		m.nodes[db] = make(map[string]storage.NodeStatus)
	}
	if _, ok := m.nodes[db][nodeName]; !ok {
		m.nodes[db][nodeName] = storage.NodeStatus{NodeName: nodeName, IsAvailable: true}
	}
	return nil
}

func (m *memStore) UpdateNodeStatus(ctx context.Context, db *sql.DB, status storage.NodeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[db] == nil {
		m.nodes[db] = make(map[string]storage.NodeStatus)
	}
	m.nodes[db][status.NodeName] = status
	return nil
}

func (m *memStore) GetNodeStatus(ctx context.Context, db *sql.DB, nodeName string) (storage.NodeStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.nodes[db][nodeName]
	if !ok {
		return storage.NodeStatus{}, storage.ErrNotFound
	}
	return st, nil
}

func (m *memStore) ListNodeStatus(ctx context.Context, db *sql.DB) ([]storage.NodeStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.NodeStatus
	for _, st := range m.nodes[db] {
		out = append(out, st)
	}
	return out, nil
}

func (m *memStore) AppendLog(ctx context.Context, db *sql.DB, entry storage.TransactionLogEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLog++
	entry.LogID = m.nextLog
	m.txlog[db] = append(m.txlog[db], entry)
	return entry.LogID, nil
}

func (m *memStore) UpdateLogStatus(ctx context.Context, db *sql.DB, logID int64, status storage.TxLogStatus, errMsg *string, processed bool, retryCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.txlog[db]
	for i := range rows {
		if rows[i].LogID == logID {
			rows[i].Status = status
			rows[i].ErrorMessage = errMsg
			rows[i].Processed = processed
			rows[i].RetryCount = retryCount
		}
	}
	return nil
}

func (m *memStore) ListUnprocessed(ctx context.Context, db *sql.DB) ([]storage.TransactionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.TransactionLogEntry
	for _, e := range m.txlog[db] {
		if !e.Processed && (e.Status == storage.TxPending || e.Status == storage.TxFailed) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) CountByStatus(ctx context.Context, db *sql.DB) (map[storage.TxLogStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[storage.TxLogStatus]int{storage.TxPending: 0, storage.TxCommitted: 0, storage.TxFailed: 0}
	for _, e := range m.txlog[db] {
		counts[e.Status]++
	}
	return counts, nil
}

var _ storage.Store = (*memStore)(nil)
