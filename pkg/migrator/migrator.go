// Package migrator applies and tears down the catalog schema (C8): the
// full set of master tables, the single games table on each reachable
// slave, and the seed node_status rows.
package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuemby/catalogsync/pkg/config"
	"github.com/cuemby/catalogsync/pkg/storage"
)

// connBroker is the subset of *broker.Broker the migrator depends on.
type connBroker interface {
	Get(ctx context.Context, name string) (*sql.DB, bool)
}

// Migrator applies and rolls back the catalog schema across the three
// nodes.
type Migrator struct {
	broker connBroker
	store  storage.NodeStatusStore
}

// New builds a Migrator.
func New(brk connBroker, store storage.NodeStatusStore) *Migrator {
	return &Migrator{broker: brk, store: store}
}

// ErrMasterDown is returned by RunMigrations when the master node is
// unreachable, since it needs a master connection to apply the master
// schema and seed node_status. Rollback reports an unreachable node,
// master included, with a plain error naming that node.
var ErrMasterDown = errors.New("migrator: master is down")

// RunMigrations drops every known table idempotently, then recreates the
// master schema and, on every slave currently reachable, the games table
// only. It seeds one node_status row per known node. Requires the master
// to be up.
func (m *Migrator) RunMigrations(ctx context.Context) error {
	masterDB, ok := m.broker.Get(ctx, "master")
	if !ok {
		return ErrMasterDown
	}

	storage.DropMaster(ctx, masterDB)
	if err := storage.ApplyMaster(ctx, masterDB); err != nil {
		return fmt.Errorf("migrator: applying master schema: %w", err)
	}

	for _, node := range config.NodeNames() {
		if node == "master" {
			continue
		}
		if db, up := m.broker.Get(ctx, node); up {
			storage.DropSlave(ctx, db)
			if err := storage.ApplySlave(ctx, db); err != nil {
				return fmt.Errorf("migrator: applying %s schema: %w", node, err)
			}
		}
	}

	for _, node := range config.NodeNames() {
		if err := m.store.SeedNodeStatus(ctx, masterDB, node); err != nil {
			return fmt.Errorf("migrator: seeding node status for %s: %w", node, err)
		}
	}

	return nil
}

// Rollback drops node's own tables. Rolling back "master" drops the full
// master schema; rolling back a slave drops just its games table. node
// must be currently reachable.
func (m *Migrator) Rollback(ctx context.Context, node string) error {
	db, ok := m.broker.Get(ctx, node)
	if !ok {
		return fmt.Errorf("migrator: %s is down", node)
	}

	if node == "master" {
		storage.DropMaster(ctx, db)
		return nil
	}
	storage.DropSlave(ctx, db)
	return nil
}
