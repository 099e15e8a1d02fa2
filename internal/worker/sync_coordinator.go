package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/fieldsync/internal/gate"
	"github.com/hyperengineering/fieldsync/internal/remote"
	"github.com/hyperengineering/fieldsync/internal/syncer"
)

var (
	// ErrSkipped is returned when a pass was not attempted.
	ErrSkipped = errors.New("sync pass skipped")

	// ErrIncomplete is returned when records were still failing for
	// transient reasons after the last attempt.
	ErrIncomplete = errors.New("sync pass incomplete")
)

// Syncer runs one push-then-pull pass.
type Syncer interface {
	Sync(ctx context.Context) (syncer.Report, error)
}

// Gate exposes the bootstrap gate to the coordinator.
type Gate interface {
	Status() gate.Status
	Retry(ctx context.Context) gate.Status
}

// Connectivity reports network state and its transitions.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// TokenChecker reports whether an authenticated session exists.
type TokenChecker interface {
	Token(ctx context.Context) (string, error)
}

// SyncCoordinator schedules sync passes: on every interval tick, on Kick,
// and whenever the device comes back online.
type SyncCoordinator struct {
	syncer    Syncer
	gate      Gate
	conn      Connectivity
	tokens    TokenChecker
	interval  time.Duration
	attempts  int
	baseDelay time.Duration
	kick      chan struct{}
}

// NewSyncCoordinator creates a coordinator. attempts bounds the tries per
// pass; baseDelay is the first backoff step.
func NewSyncCoordinator(
	s Syncer,
	g Gate,
	conn Connectivity,
	tokens TokenChecker,
	interval time.Duration,
	attempts int,
	baseDelay time.Duration,
) *SyncCoordinator {
	if attempts < 1 {
		attempts = 1
	}
	return &SyncCoordinator{
		syncer:    s,
		gate:      g,
		conn:      conn,
		tokens:    tokens,
		interval:  interval,
		attempts:  attempts,
		baseDelay: baseDelay,
		kick:      make(chan struct{}, 1),
	}
}

// Kick requests a pass as soon as the coordinator is idle. Kicks received
// while a pass is pending collapse into one.
func (c *SyncCoordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
func (c *SyncCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-coordinator",
		"action", "worker_started",
	)

	transitions, unsubscribe := c.conn.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.runPass(ctx, "interval")
		case <-c.kick:
			c.runPass(ctx, "kick")
		case online := <-transitions:
			if !online {
				continue
			}
			if c.gate.Status().State == gate.NeedsSync {
				st := c.gate.Retry(ctx)
				slog.Info("gate retried on reconnect",
					"component", "worker",
					"worker", "sync-coordinator",
					"action", "gate_retry",
					"state", string(st.State),
				)
			}
			c.runPass(ctx, "reconnect")
		}
	}
}

func (c *SyncCoordinator) runPass(ctx context.Context, trigger string) {
	rep, err := c.RunOnce(ctx)
	switch {
	case err == nil:
		slog.Info("sync pass completed",
			"component", "worker",
			"worker", "sync-coordinator",
			"action", "pass_complete",
			"trigger", trigger,
			"pushed", pushed(rep),
		)
	case errors.Is(err, ErrSkipped):
		slog.Debug("sync pass skipped",
			"component", "worker",
			"worker", "sync-coordinator",
			"action", "pass_skipped",
			"trigger", trigger,
			"reason", err,
		)
	case ctx.Err() != nil:
		// Shutting down.
	default:
		slog.Warn("sync pass failed",
			"component", "worker",
			"worker", "sync-coordinator",
			"action", "pass_failed",
			"trigger", trigger,
			"error", err,
		)
	}
}

// RunOnce runs a pass now if the device is online, authenticated and past
// the bootstrap gate. Transient failures are retried with exponential
// backoff; rejections and missing authentication are not.
func (c *SyncCoordinator) RunOnce(ctx context.Context) (syncer.Report, error) {
	if err := c.ready(ctx); err != nil {
		return syncer.Report{}, err
	}

	var rep syncer.Report
	b := retry.WithMaxRetries(uint64(c.attempts-1), retry.NewExponential(c.baseDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		rep, err = c.syncer.Sync(ctx)
		switch {
		case err != nil && errors.Is(err, remote.ErrNetworkUnavailable):
			return retry.RetryableError(err)
		case err != nil:
			return err
		case rep.Retryable():
			if !c.conn.Online() {
				return ErrIncomplete
			}
			return retry.RetryableError(ErrIncomplete)
		}
		return nil
	})
	return rep, err
}

func (c *SyncCoordinator) ready(ctx context.Context) error {
	if st := c.gate.Status(); st.State != gate.Done {
		return fmt.Errorf("%w: gate is %s", ErrSkipped, st.State)
	}
	if !c.conn.Online() {
		return fmt.Errorf("%w: offline", ErrSkipped)
	}
	if _, err := c.tokens.Token(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrSkipped, err)
	}
	return nil
}

func pushed(rep syncer.Report) int {
	n := 0
	for _, p := range rep.Push {
		n += p.Pushed
	}
	return n
}
