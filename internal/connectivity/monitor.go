// Package connectivity tracks whether the remote API is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Checker checks the remote API.
type Checker interface {
	Health(ctx context.Context) error
}

// Monitor probes the API on an interval and publishes online/offline
// transitions to subscribers. The device starts offline until the first
// successful probe.
type Monitor struct {
	checker  Checker
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewMonitor creates a monitor probing checker every interval.
func NewMonitor(checker Checker, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := interval
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Monitor{
		checker:  checker,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		subs:     make(map[int]chan bool),
	}
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe returns a channel receiving the new state on every transition.
// Slow subscribers only see the latest state. The returned func unsubscribes.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Check probes once, records the result and returns it.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.checker.Health(ctx)
	if err != nil {
		m.logger.Debug("health probe failed",
			"component", "connectivity",
			"action", "probe_failed",
			"error", err,
		)
	}
	m.Set(err == nil)
	return err == nil
}

// Set records a state reported by the host, publishing it when it changed.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online

	m.logger.Info("connectivity changed",
		"component", "connectivity",
		"action", "transition",
		"online", online,
	)
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Run probes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("worker started",
		"component", "connectivity",
		"action", "worker_started",
		"interval", m.interval,
	)

	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("worker stopped",
				"component", "connectivity",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
