package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeChecker struct {
	mu  sync.Mutex
	err error
}

func (f *fakeChecker) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeChecker) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func TestMonitor_StartsOffline(t *testing.T) {
	m := NewMonitor(&fakeChecker{}, time.Second, nil)
	if m.Online() {
		t.Error("Online() = true before any check, want false")
	}
}

func TestMonitor_PublishesTransitions(t *testing.T) {
	// Given: a subscriber and a reachable API
	checker := &fakeChecker{}
	m := NewMonitor(checker, time.Second, nil)
	events, cancel := m.Subscribe()
	defer cancel()
	ctx := context.Background()

	// When: checks succeed, then fail
	if !m.Check(ctx) {
		t.Fatal("Check() = false, want true")
	}
	select {
	case v := <-events:
		if !v {
			t.Errorf("event = %v, want true", v)
		}
	default:
		t.Fatal("no event for offline->online")
	}

	// Then: a repeated state is not republished
	m.Check(ctx)
	select {
	case v := <-events:
		t.Errorf("unexpected event %v", v)
	default:
	}

	checker.set(errors.New("down"))
	if m.Check(ctx) {
		t.Fatal("Check() = true, want false")
	}
	if v := <-events; v {
		t.Errorf("event = %v, want false", v)
	}
}

func TestMonitor_SlowSubscriberSeesLatest(t *testing.T) {
	m := NewMonitor(&fakeChecker{}, time.Second, nil)
	events, cancel := m.Subscribe()
	defer cancel()

	m.Set(true)
	m.Set(false)
	m.Set(true)

	if v := <-events; !v {
		t.Errorf("latest event = %v, want true", v)
	}
	select {
	case v := <-events:
		t.Errorf("unexpected extra event %v", v)
	default:
	}
}

func TestMonitor_RunProbesImmediately(t *testing.T) {
	m := NewMonitor(&fakeChecker{}, time.Hour, nil)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case v := <-events:
		if !v {
			t.Errorf("event = %v, want true", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not check on start")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}
