package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/catalogsync/pkg/broker"
	"github.com/cuemby/catalogsync/pkg/config"
	"github.com/cuemby/catalogsync/pkg/registry"
	"github.com/cuemby/catalogsync/pkg/storage"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Simulate node failure/recovery and inspect node status",
}

var nodeCrashCmd = &cobra.Command{
	Use:   "crash <node>",
	Short: "Simulate a node crash (master, slave_a, slave_b)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, _, err := newRegistryAndBroker()
		if err != nil {
			return err
		}
		if err := reg.Crash(context.Background(), args[0]); err != nil {
			return fmt.Errorf("crashing %s: %w", args[0], err)
		}
		fmt.Printf("%s marked down\n", args[0])
		return nil
	},
}

var nodeRestoreCmd = &cobra.Command{
	Use:   "restore <node>",
	Short: "Simulate a node recovering (master, slave_a, slave_b)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, _, err := newRegistryAndBroker()
		if err != nil {
			return err
		}
		if err := reg.Restore(context.Background(), args[0]); err != nil {
			return fmt.Errorf("restoring %s: %w", args[0], err)
		}
		fmt.Printf("%s marked up\n", args[0])
		return nil
	},
}

var nodeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted node status for every node",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, brk, err := newRegistryAndBroker()
		if err != nil {
			return err
		}
		store := storage.NewPostgres()
		ctx := context.Background()
		masterDB, ok := brk.Get(ctx, "master")
		if !ok {
			return fmt.Errorf("master is unreachable, cannot read node status")
		}
		rows, err := store.ListNodeStatus(ctx, masterDB)
		if err != nil {
			return fmt.Errorf("listing node status: %w", err)
		}
		for _, row := range rows {
			lastErr := ""
			if row.LastError != nil {
				lastErr = *row.LastError
			}
			fmt.Printf("%-8s available=%-5v failures=%-3d last_checked=%s last_error=%s\n",
				row.NodeName, row.IsAvailable, row.FailureCount,
				row.LastChecked.Format("2006-01-02T15:04:05Z07:00"), lastErr)
		}
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeCrashCmd)
	nodeCmd.AddCommand(nodeRestoreCmd)
	nodeCmd.AddCommand(nodeStatusCmd)
}

// newRegistryAndBroker wires a standalone registry/broker pair for one-shot
// CLI operations. Each invocation of the CLI is a fresh process, so there is
// no shared state with a running `serve` process. crash/restore change only
// this process's in-memory registry and connection; they write nothing to
// node_status, so neither `serve` nor `status` sees their effect.
func newRegistryAndBroker() (*registry.Registry, *broker.Broker, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	brk := broker.New(map[string]string{
		"master":  cfg.Master.DSN,
		"slave_a": cfg.SlaveA.DSN,
		"slave_b": cfg.SlaveB.DSN,
	}, nil)
	reg := registry.New(brk)
	brk.SetLiveness(reg)
	return reg, brk, nil
}
