package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldsync/internal/api"
	"github.com/hyperengineering/fieldsync/internal/connectivity"
	"github.com/hyperengineering/fieldsync/internal/gate"
	"github.com/hyperengineering/fieldsync/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync agent and the local control API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Configuration, logger, store and remote client
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	// 3. Connectivity, gate and coordinators
	monitor := connectivity.NewMonitor(a.client, time.Duration(cfg.Sync.ConnectivityInterval), a.logger)
	periods := a.metricsPeriods()
	g := gate.New(a.reg, a.engine, a.client, monitor, a.tokens,
		gate.WithLogger(a.logger),
		gate.WithMetricsPeriod(periods[0]),
	)
	coordinator := worker.NewSyncCoordinator(a.engine, g, monitor, a.tokens,
		time.Duration(cfg.Sync.Interval), cfg.Sync.RetryAttempts, time.Duration(cfg.Sync.RetryBaseDelay))
	metrics := worker.NewMetricsCoordinator(a.engine, g, monitor,
		time.Duration(cfg.Sync.MetricsInterval), periods...)

	// 4. Local control API
	handler := api.NewHandler(a.reg, g, monitor, cfg.Server.APIKey, Version,
		api.WithKicker(coordinator),
		api.WithDeviceID(a.deviceID),
	)
	router := api.NewRouter(handler)
	if cfg.Server.APIKey == "" {
		slog.Warn("local API key not set, control API is unauthenticated", "address", cfg.Server.Addr())
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 5. Workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "sync-coordinator", coordinator.Run)
	startWorker(ctx, &wg, "metrics-coordinator", metrics.Run)
	startWorker(ctx, &wg, "gate", runGate(g, monitor))
	startWorker(ctx, &wg, "connectivity", monitor.Run)

	// 6. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", srv.Addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 7. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 8. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 8a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 8b. Wait for workers to complete
	wg.Wait()

	slog.Info("shutdown complete")
	return nil
}

// runGate checks connectivity once so the gate sees the real network state,
// then evaluates the gate. A gate left in NEEDS_SYNC is retried by the sync
// coordinator when the device comes online.
func runGate(g *gate.Gate, monitor *connectivity.Monitor) func(ctx context.Context) {
	return func(ctx context.Context) {
		monitor.Check(ctx)
		st := g.Run(ctx)
		slog.Info("initial sync gate settled",
			"component", "gate",
			"state", string(st.State),
			"entity", st.Entity,
			"error", st.Error,
		)
	}
}
