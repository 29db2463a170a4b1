package txmanager

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/catalogsync/pkg/catalog"
	"github.com/cuemby/catalogsync/pkg/config"
	"github.com/cuemby/catalogsync/pkg/storage"
)

type fakeRegistry struct {
	up map[string]bool
}

func (f *fakeRegistry) IsUp(name string) bool { return f.up[name] }

type fakeBroker struct {
	dbs map[string]*sql.DB
	up  map[string]bool
}

func (f *fakeBroker) Get(ctx context.Context, name string) (*sql.DB, bool) {
	if !f.up[name] {
		return nil, false
	}
	return f.dbs[name], true
}

func windowsRecord() catalog.GameRecord {
	return catalog.Canonicalize(catalog.GameRecord{
		AppID:   1,
		Name:    "Alpha",
		Windows: true,
	})
}

func TestExecuteInsertCommitsOnAllOnlineTargets(t *testing.T) {
	masterDB, masterMock, err := sqlmock.New()
	require.NoError(t, err)
	defer masterDB.Close()
	slaveDB, slaveMock, err := sqlmock.New()
	require.NoError(t, err)
	defer slaveDB.Close()

	for _, mock := range []sqlmock.Sqlmock{masterMock, slaveMock} {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO games").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}
	// Both targets' COMMITTED log rows land in the master's transaction log.
	for i := int64(1); i <= 2; i++ {
		masterMock.ExpectQuery("INSERT INTO transaction_log").
			WillReturnRows(sqlmock.NewRows([]string{"log_id"}).AddRow(i))
	}

	reg := &fakeRegistry{up: map[string]bool{"master": true, "slave_a": true}}
	brk := &fakeBroker{
		dbs: map[string]*sql.DB{"master": masterDB, "slave_a": slaveDB},
		up:  map[string]bool{"master": true, "slave_a": true},
	}
	mgr := New(reg, brk, storage.NewPostgres(), config.RepeatableRead)

	result, err := mgr.Execute(context.Background(), OpInsert, windowsRecord(), nil)
	require.NoError(t, err)
	assert.True(t, result.Committed["master"])
	assert.True(t, result.Committed["slave_a"])
	assert.NoError(t, masterMock.ExpectationsWereMet())
	assert.NoError(t, slaveMock.ExpectationsWereMet())
}

func TestExecuteLogsPendingWhenSlaveOffline(t *testing.T) {
	masterDB, masterMock, err := sqlmock.New()
	require.NoError(t, err)
	defer masterDB.Close()

	masterMock.ExpectBegin()
	masterMock.ExpectExec("INSERT INTO games").WillReturnResult(sqlmock.NewResult(0, 1))
	masterMock.ExpectCommit()
	masterMock.ExpectQuery("INSERT INTO transaction_log").
		WillReturnRows(sqlmock.NewRows([]string{"log_id"}).AddRow(int64(1)))
	masterMock.ExpectQuery("INSERT INTO transaction_log").
		WillReturnRows(sqlmock.NewRows([]string{"log_id"}).AddRow(int64(2)))

	reg := &fakeRegistry{up: map[string]bool{"master": true, "slave_a": false}}
	brk := &fakeBroker{
		dbs: map[string]*sql.DB{"master": masterDB},
		up:  map[string]bool{"master": true, "slave_a": false},
	}
	mgr := New(reg, brk, storage.NewPostgres(), config.RepeatableRead)

	result, err := mgr.Execute(context.Background(), OpInsert, windowsRecord(), nil)
	require.NoError(t, err)
	assert.True(t, result.Committed["master"])
	assert.False(t, result.Committed["slave_a"])
	assert.NoError(t, masterMock.ExpectationsWereMet())
}

func TestExecuteReturnsErrorWhenMasterDown(t *testing.T) {
	reg := &fakeRegistry{up: map[string]bool{"master": false}}
	brk := &fakeBroker{up: map[string]bool{"master": false}}
	mgr := New(reg, brk, storage.NewPostgres(), config.RepeatableRead)

	_, err := mgr.Execute(context.Background(), OpInsert, windowsRecord(), nil)
	assert.Error(t, err)
}

func TestExecuteDeleteTargetsAllThreeNodes(t *testing.T) {
	dbs := make(map[string]*sql.DB)
	mocks := make(map[string]sqlmock.Sqlmock)
	for _, name := range []string{"master", "slave_a", "slave_b"} {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM games").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		dbs[name] = db
		mocks[name] = mock
	}
	// All three COMMITTED log rows land in the master's transaction log.
	for i := int64(1); i <= 3; i++ {
		mocks["master"].ExpectQuery("INSERT INTO transaction_log").
			WillReturnRows(sqlmock.NewRows([]string{"log_id"}).AddRow(i))
	}

	reg := &fakeRegistry{up: map[string]bool{"master": true, "slave_a": true, "slave_b": true}}
	brk := &fakeBroker{dbs: dbs, up: map[string]bool{"master": true, "slave_a": true, "slave_b": true}}
	mgr := New(reg, brk, storage.NewPostgres(), config.RepeatableRead)

	result, err := mgr.Execute(context.Background(), OpDelete, windowsRecord(), nil)
	require.NoError(t, err)
	for _, name := range []string{"master", "slave_a", "slave_b"} {
		assert.True(t, result.Committed[name])
		assert.NoError(t, mocks[name].ExpectationsWereMet())
	}
}

func TestExecuteLogsFailedOnDMLError(t *testing.T) {
	masterDB, masterMock, err := sqlmock.New()
	require.NoError(t, err)
	defer masterDB.Close()

	masterMock.ExpectBegin()
	masterMock.ExpectExec("INSERT INTO games").WillReturnError(sql.ErrConnDone)
	masterMock.ExpectRollback()
	masterMock.ExpectQuery("INSERT INTO transaction_log").
		WillReturnRows(sqlmock.NewRows([]string{"log_id"}).AddRow(int64(1)))

	reg := &fakeRegistry{up: map[string]bool{"master": true}}
	brk := &fakeBroker{dbs: map[string]*sql.DB{"master": masterDB}, up: map[string]bool{"master": true}}
	mgr := New(reg, brk, storage.NewPostgres(), config.RepeatableRead)

	rec := windowsRecord()
	rec.Windows = false // no slave target, isolates the master failure path
	result, err := mgr.Execute(context.Background(), OpInsert, rec, nil)
	require.NoError(t, err)
	assert.False(t, result.Committed["master"])
	assert.NoError(t, masterMock.ExpectationsWereMet())
}
