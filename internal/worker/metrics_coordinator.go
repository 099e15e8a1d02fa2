package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/fieldsync/internal/gate"
)

// MetricsRefresher fetches and caches dashboard metrics for a period.
type MetricsRefresher interface {
	RefreshMetrics(ctx context.Context, period string) error
}

// MetricsCoordinator keeps the dashboard metrics cache warm while online.
type MetricsCoordinator struct {
	refresher MetricsRefresher
	gate      Gate
	conn      Connectivity
	periods   []string
	interval  time.Duration
}

// NewMetricsCoordinator creates a coordinator refreshing each period on
// every tick.
func NewMetricsCoordinator(
	refresher MetricsRefresher,
	g Gate,
	conn Connectivity,
	interval time.Duration,
	periods ...string,
) *MetricsCoordinator {
	return &MetricsCoordinator{
		refresher: refresher,
		gate:      g,
		conn:      conn,
		periods:   periods,
		interval:  interval,
	}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
func (c *MetricsCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "metrics-coordinator",
		"action", "worker_started",
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.refreshAll(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "metrics-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.refreshAll(ctx)
		}
	}
}

// refreshAll refreshes every period. Returns the number refreshed.
func (c *MetricsCoordinator) refreshAll(ctx context.Context) int {
	if c.gate.Status().State != gate.Done || !c.conn.Online() {
		return 0
	}

	var succeeded, failed int
	for _, period := range c.periods {
		if ctx.Err() != nil {
			return succeeded // Graceful shutdown, don't log summary
		}
		if err := c.refresher.RefreshMetrics(ctx, period); err != nil {
			failed++
			slog.Warn("dashboard metrics refresh failed",
				"component", "worker",
				"worker", "metrics-coordinator",
				"action", "refresh_failed",
				"period", period,
				"error", err,
			)
			continue
		}
		succeeded++
	}

	slog.Debug("metrics refresh cycle completed",
		"component", "worker",
		"worker", "metrics-coordinator",
		"action", "cycle_complete",
		"succeeded", succeeded,
		"failed", failed,
	)
	return succeeded
}
