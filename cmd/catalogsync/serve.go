package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/catalogsync/pkg/broker"
	"github.com/cuemby/catalogsync/pkg/config"
	"github.com/cuemby/catalogsync/pkg/lifecycle"
	"github.com/cuemby/catalogsync/pkg/log"
	"github.com/cuemby/catalogsync/pkg/metrics"
	"github.com/cuemby/catalogsync/pkg/monitor"
	"github.com/cuemby/catalogsync/pkg/registry"
	"github.com/cuemby/catalogsync/pkg/storage"
	"github.com/cuemby/catalogsync/pkg/sync"
	"github.com/cuemby/catalogsync/pkg/txmanager"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync worker, transaction retry manager, and node monitor",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	brk := broker.New(map[string]string{
		"master":  cfg.Master.DSN,
		"slave_a": cfg.SlaveA.DSN,
		"slave_b": cfg.SlaveB.DSN,
	}, nil)
	reg := registry.New(brk)
	brk.SetLiveness(reg)
	store := storage.NewPostgres()

	syncWorker := sync.New(brk, store, cfg.SyncInterval)
	retryMgr := txmanager.NewRetryManager(reg, brk, store, store, cfg.RetryInterval)
	nodeMonitor := monitor.New(reg, brk, store, cfg.HealthInterval)

	group := lifecycle.NewGroup(syncWorker, retryMgr, nodeMonitor)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := group.Start(ctx); err != nil {
		return fmt.Errorf("starting services: %w", err)
	}

	metrics.RegisterComponent("master", false, "not yet probed")
	metrics.RegisterComponent("sync", true, "running")
	metrics.RegisterComponent("monitor", true, "running")
	go reflectMasterHealth(ctx, reg)

	srv := newAdminServer(cfg.MetricsAddr)
	go func() {
		serveLog := log.WithComponent("catalogsync")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveLog.Error().Err(err).Msg("admin http server exited")
		}
	}()

	serveLog := log.WithComponent("catalogsync")
	serveLog.Info().Str("metrics_addr", cfg.MetricsAddr).Msg("catalogsync serving")

	<-ctx.Done()
	serveLog.Info().Msg("shutdown signal received, stopping services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := group.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping services: %w", err)
	}
	if err := brk.CloseAll(); err != nil {
		serveLog.Warn().Err(err).Msg("error closing connections on shutdown")
	}
	return nil
}

// reflectMasterHealth keeps the ambient health surface's "master" component
// in sync with the registry's own liveness view, polling at a fixed cadence
// independent of the node monitor's own probe interval.
func reflectMasterHealth(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reg.IsUp("master") {
				metrics.UpdateComponent("master", true, "up")
			} else {
				metrics.UpdateComponent("master", false, "down")
			}
		}
	}
}

func newAdminServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	return &http.Server{Addr: addr, Handler: mux}
}
