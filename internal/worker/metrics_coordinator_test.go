package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/fieldsync/internal/gate"
)

type mockRefresher struct {
	mu      sync.Mutex
	periods []string
	fail    map[string]bool
	called  chan struct{}
}

func newMockRefresher() *mockRefresher {
	return &mockRefresher{fail: map[string]bool{}, called: make(chan struct{}, 10)}
}

func (m *mockRefresher) RefreshMetrics(_ context.Context, period string) error {
	m.mu.Lock()
	m.periods = append(m.periods, period)
	fail := m.fail[period]
	m.mu.Unlock()
	select {
	case m.called <- struct{}{}:
	default:
	}
	if fail {
		return errors.New("metrics unavailable")
	}
	return nil
}

func (m *mockRefresher) getPeriods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.periods...)
}

func TestMetricsCoordinator_RefreshesEveryPeriod(t *testing.T) {
	r := newMockRefresher()
	r.fail["month"] = true
	c := NewMetricsCoordinator(r, &mockGate{state: gate.Done}, newMockConn(true), time.Hour, "today", "month", "year")

	n := c.refreshAll(context.Background())

	if n != 2 {
		t.Errorf("refreshed = %d, want 2", n)
	}
	if got := r.getPeriods(); len(got) != 3 {
		t.Errorf("periods = %v, want all three attempted", got)
	}
}

func TestMetricsCoordinator_SkipsBeforeGateOrOffline(t *testing.T) {
	tests := []struct {
		name   string
		state  gate.State
		online bool
	}{
		{name: "gate checking", state: gate.Checking, online: true},
		{name: "offline", state: gate.Done, online: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newMockRefresher()
			c := NewMetricsCoordinator(r, &mockGate{state: tt.state}, newMockConn(tt.online), time.Hour, "today")

			if n := c.refreshAll(context.Background()); n != 0 {
				t.Errorf("refreshed = %d, want 0", n)
			}
			if got := r.getPeriods(); len(got) != 0 {
				t.Errorf("periods = %v, want none", got)
			}
		})
	}
}

func TestMetricsCoordinator_RunRefreshesImmediately(t *testing.T) {
	r := newMockRefresher()
	c := NewMetricsCoordinator(r, &mockGate{state: gate.Done}, newMockConn(true), time.Hour, "today")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	select {
	case <-r.called:
	case <-time.After(time.Second):
		t.Fatal("Run did not refresh on start")
	}
}
