package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/fieldsync/internal/auth"
	"github.com/hyperengineering/fieldsync/internal/gate"
	"github.com/hyperengineering/fieldsync/internal/remote"
	"github.com/hyperengineering/fieldsync/internal/syncer"
)

// mockSyncer returns queued results, then succeeds.
type mockSyncer struct {
	mu      sync.Mutex
	results []error
	reports []syncer.Report
	calls   int
	called  chan struct{}
}

func newMockSyncer(results ...error) *mockSyncer {
	return &mockSyncer{results: results, called: make(chan struct{}, 10)}
}

func (m *mockSyncer) Sync(context.Context) (syncer.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	var err error
	if len(m.results) > 0 {
		err = m.results[0]
		m.results = m.results[1:]
	}
	var rep syncer.Report
	if len(m.reports) > 0 {
		rep = m.reports[0]
		m.reports = m.reports[1:]
	}
	select {
	case m.called <- struct{}{}:
	default:
	}
	return rep, err
}

func (m *mockSyncer) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockGate struct {
	mu      sync.Mutex
	state   gate.State
	after   gate.State
	retries int
}

func (g *mockGate) Status() gate.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gate.Status{State: g.state}
}

func (g *mockGate) Retry(context.Context) gate.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.retries++
	if g.after != "" {
		g.state = g.after
	}
	return gate.Status{State: g.state}
}

func (g *mockGate) getRetries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.retries
}

type mockConn struct {
	mu     sync.Mutex
	online bool
	ch     chan bool
}

func newMockConn(online bool) *mockConn {
	return &mockConn{online: online, ch: make(chan bool, 1)}
}

func (c *mockConn) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *mockConn) Subscribe() (<-chan bool, func()) { return c.ch, func() {} }

func (c *mockConn) set(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
	c.ch <- online
}

type mockTokens struct{ err error }

func (m mockTokens) Token(context.Context) (string, error) { return "tok", m.err }

func newCoordinator(s Syncer, g Gate, conn Connectivity, tokens TokenChecker) *SyncCoordinator {
	return NewSyncCoordinator(s, g, conn, tokens, time.Hour, 3, time.Millisecond)
}

func TestSyncCoordinator_RunOnceSkips(t *testing.T) {
	tests := []struct {
		name   string
		gate   gate.State
		online bool
		auth   error
	}{
		{name: "gate not done", gate: gate.NeedsSync, online: true},
		{name: "offline", gate: gate.Done, online: false},
		{name: "no session", gate: gate.Done, online: true, auth: auth.ErrAuthRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMockSyncer()
			c := newCoordinator(s, &mockGate{state: tt.gate}, newMockConn(tt.online), mockTokens{err: tt.auth})

			_, err := c.RunOnce(context.Background())

			if !errors.Is(err, ErrSkipped) {
				t.Errorf("RunOnce() error = %v, want ErrSkipped", err)
			}
			if s.getCalls() != 0 {
				t.Errorf("Sync calls = %d, want 0", s.getCalls())
			}
		})
	}
}

func TestSyncCoordinator_RetriesNetworkFailures(t *testing.T) {
	// Given: two transient failures before success
	netErr := fmt.Errorf("pull customers: %w", remote.ErrNetworkUnavailable)
	s := newMockSyncer(netErr, netErr)
	c := newCoordinator(s, &mockGate{state: gate.Done}, newMockConn(true), mockTokens{})

	// When: a pass runs
	_, err := c.RunOnce(context.Background())

	// Then: the third attempt succeeds
	if err != nil {
		t.Errorf("RunOnce() error = %v, want nil", err)
	}
	if s.getCalls() != 3 {
		t.Errorf("Sync calls = %d, want 3", s.getCalls())
	}
}

func TestSyncCoordinator_GivesUpAfterAttempts(t *testing.T) {
	netErr := remote.ErrNetworkUnavailable
	s := newMockSyncer(netErr, netErr, netErr, netErr)
	c := newCoordinator(s, &mockGate{state: gate.Done}, newMockConn(true), mockTokens{})

	_, err := c.RunOnce(context.Background())

	if !errors.Is(err, remote.ErrNetworkUnavailable) {
		t.Errorf("RunOnce() error = %v, want ErrNetworkUnavailable", err)
	}
	if s.getCalls() != 3 {
		t.Errorf("Sync calls = %d, want 3", s.getCalls())
	}
}

func TestSyncCoordinator_DoesNotRetryPermanentFailures(t *testing.T) {
	for _, failure := range []error{auth.ErrAuthRequired, remote.ErrRemoteRejected} {
		s := newMockSyncer(failure)
		c := newCoordinator(s, &mockGate{state: gate.Done}, newMockConn(true), mockTokens{})

		_, err := c.RunOnce(context.Background())

		if !errors.Is(err, failure) {
			t.Errorf("RunOnce() error = %v, want %v", err, failure)
		}
		if s.getCalls() != 1 {
			t.Errorf("%v: Sync calls = %d, want 1", failure, s.getCalls())
		}
	}
}

func TestSyncCoordinator_RetriesIncompletePass(t *testing.T) {
	s := newMockSyncer()
	s.reports = []syncer.Report{
		{Push: []syncer.PushStats{{Entity: "customers", Failed: 1, NetworkFailures: 1}}},
		{Push: []syncer.PushStats{{Entity: "customers", Pushed: 1}}},
	}
	c := newCoordinator(s, &mockGate{state: gate.Done}, newMockConn(true), mockTokens{})

	rep, err := c.RunOnce(context.Background())

	if err != nil {
		t.Fatalf("RunOnce() error = %v, want nil", err)
	}
	if s.getCalls() != 2 || pushed(rep) != 1 {
		t.Errorf("calls = %d, pushed = %d; want 2 and 1", s.getCalls(), pushed(rep))
	}
}

func TestSyncCoordinator_KickTriggersPass(t *testing.T) {
	s := newMockSyncer()
	c := newCoordinator(s, &mockGate{state: gate.Done}, newMockConn(true), mockTokens{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.Kick()

	select {
	case <-s.called:
	case <-time.After(time.Second):
		t.Fatal("kick did not trigger a pass")
	}
}

func TestSyncCoordinator_ReconnectRetriesGateAndSyncs(t *testing.T) {
	// Given: a gate waiting for connectivity
	s := newMockSyncer()
	g := &mockGate{state: gate.NeedsSync, after: gate.Done}
	conn := newMockConn(false)
	c := newCoordinator(s, g, conn, mockTokens{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// When: the device comes online
	conn.set(true)

	// Then: the gate is retried and a pass follows
	select {
	case <-s.called:
	case <-time.After(time.Second):
		t.Fatal("reconnect did not trigger a pass")
	}
	if g.getRetries() != 1 {
		t.Errorf("gate retries = %d, want 1", g.getRetries())
	}
}

func TestSyncCoordinator_StopsOnCancel(t *testing.T) {
	c := newCoordinator(newMockSyncer(), &mockGate{state: gate.Done}, newMockConn(true), mockTokens{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
