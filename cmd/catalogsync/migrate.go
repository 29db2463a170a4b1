package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/catalogsync/pkg/broker"
	"github.com/cuemby/catalogsync/pkg/config"
	"github.com/cuemby/catalogsync/pkg/log"
	"github.com/cuemby/catalogsync/pkg/migrator"
	"github.com/cuemby/catalogsync/pkg/registry"
	"github.com/cuemby/catalogsync/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back the catalog schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply the master and slave schemas, seeding node_status rows",
	RunE:  runMigrateUp,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down <node>",
	Short: "Drop the schema on a single node (master, slave_a, slave_b)",
	Args:  cobra.ExactArgs(1),
	RunE:  runMigrateDown,
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

func newMigrator() (*migrator.Migrator, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	brk := broker.New(map[string]string{
		"master":  cfg.Master.DSN,
		"slave_a": cfg.SlaveA.DSN,
		"slave_b": cfg.SlaveB.DSN,
	}, nil)
	reg := registry.New(brk)
	brk.SetLiveness(reg)
	store := storage.NewPostgres()
	return migrator.New(brk, store), nil
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	m, err := newMigrator()
	if err != nil {
		return err
	}
	migLog := log.WithComponent("migrator")
	if err := m.RunMigrations(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	migLog.Info().Msg("schema applied to master and every reachable slave")
	return nil
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	m, err := newMigrator()
	if err != nil {
		return err
	}
	node := args[0]
	migLog := log.WithComponent("migrator")
	if err := m.Rollback(context.Background(), node); err != nil {
		return fmt.Errorf("rolling back %s: %w", node, err)
	}
	migLog.Info().Str("node", node).Msg("schema dropped")
	return nil
}
