package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
)

//go:embed migrations/master/*.sql
var masterMigrations embed.FS

//go:embed migrations/slave/*.sql
var slaveMigrations embed.FS

// ApplyMaster applies every migration under migrations/master, in lexical
// filename order, to db. Each file's statements are idempotent (CREATE
// TABLE IF NOT EXISTS), so this is safe to call on every startup.
func ApplyMaster(ctx context.Context, db *sql.DB) error {
	return applyFS(ctx, db, masterMigrations, "migrations/master")
}

// ApplySlave applies every migration under migrations/slave to db.
func ApplySlave(ctx context.Context, db *sql.DB) error {
	return applyFS(ctx, db, slaveMigrations, "migrations/slave")
}

func applyFS(ctx context.Context, db *sql.DB, fsys embed.FS, dir string) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("storage: reading migrations dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := fsys.ReadFile(dir + "/" + name)
		if err != nil {
			return fmt.Errorf("storage: reading migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("storage: applying migration %s: %w", name, err)
		}
	}
	return nil
}

// DropMaster drops every table the master schema owns, swallowing errors
// so rollback can run against a partially-applied schema (matching the
// migrator's "drop idempotently" contract).
func DropMaster(ctx context.Context, db *sql.DB) {
	for _, table := range []string{"transaction_log", "node_status", "pending_multi_os", "pending_windows", "games"} {
		_, _ = db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table))
	}
}

// DropSlave drops the slave schema's single table.
func DropSlave(ctx context.Context, db *sql.DB) {
	_, _ = db.ExecContext(ctx, `DROP TABLE IF EXISTS games`)
}
