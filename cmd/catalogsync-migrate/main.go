// Command catalogsync-migrate applies or rolls back the catalog schema
// independent of the serve daemon: a standalone tool for provisioning the
// three node databases before catalogsync serve is ever started, or for
// reapplying schema after restoring a node from backup.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/cuemby/catalogsync/pkg/broker"
	"github.com/cuemby/catalogsync/pkg/migrator"
	"github.com/cuemby/catalogsync/pkg/registry"
	"github.com/cuemby/catalogsync/pkg/storage"
)

var (
	masterDSN = flag.String("master-dsn", os.Getenv("MASTER_DSN"), "Master node Postgres DSN")
	slaveADSN = flag.String("slave-a-dsn", os.Getenv("SLAVE_A_DSN"), "Slave A (Windows-only) Postgres DSN")
	slaveBDSN = flag.String("slave-b-dsn", os.Getenv("SLAVE_B_DSN"), "Slave B (multi-platform) Postgres DSN")
	rollback  = flag.String("rollback", "", "Drop the schema on a single node (master, slave_a, slave_b) instead of applying it")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("catalogsync schema migration tool")
	log.Println("=================================")

	if *masterDSN == "" {
		log.Fatal("master-dsn (or MASTER_DSN) is required")
	}

	brk := broker.New(map[string]string{
		"master":  *masterDSN,
		"slave_a": *slaveADSN,
		"slave_b": *slaveBDSN,
	}, nil)
	reg := registry.New(brk)
	brk.SetLiveness(reg)
	m := migrator.New(brk, storage.NewPostgres())

	ctx := context.Background()

	if *rollback != "" {
		log.Printf("rolling back schema on %s", *rollback)
		if err := m.Rollback(ctx, *rollback); err != nil {
			log.Fatalf("rollback failed: %v", err)
		}
		log.Println("rollback complete")
		return
	}

	log.Println("applying master schema and every reachable slave schema")
	if err := m.RunMigrations(ctx); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Printf("migration complete (slave_a configured=%v, slave_b configured=%v)",
		*slaveADSN != "", *slaveBDSN != "")
}
