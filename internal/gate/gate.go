// Package gate blocks entity access on a device until its local store holds
// the account's data. A fresh or emptied store is filled by one full pull.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/fieldsync/internal/auth"
	"github.com/hyperengineering/fieldsync/internal/dao"
	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/hyperengineering/fieldsync/internal/remote"
	"github.com/hyperengineering/fieldsync/internal/syncer"
)

// State is a position in the gate's state machine.
type State string

const (
	Checking  State = "CHECKING"
	NotNeeded State = "NOT_NEEDED"
	NeedsSync State = "NEEDS_SYNC"
	Syncing   State = "SYNCING"
	Done      State = "DONE"
	Failed    State = "FAILED"
)

// Retryable reports whether Retry may leave the state.
func (s State) Retryable() bool {
	return s == NeedsSync || s == Failed
}

// ErrOffline is reported while the gate waits for connectivity.
var ErrOffline = errors.New("device is offline")

// BootstrapEntities are pulled in order while SYNCING. Customers come first
// so every record that references one finds it locally.
var BootstrapEntities = []string{
	entity.Customers,
	entity.WorkOrders,
	entity.Bills,
	entity.Items,
	entity.Services,
	entity.BankAccounts,
}

// Status is a snapshot of the gate.
type Status struct {
	State     State     `json:"state"`
	Entity    string    `json:"entity,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Puller performs the bootstrap pulls.
type Puller interface {
	PullEntity(ctx context.Context, name string) (syncer.PullStats, error)
	RefreshMetrics(ctx context.Context, period string) error
}

// DataSignal reports whether the account holds any data on the server.
type DataSignal interface {
	HasData(ctx context.Context) (bool, error)
}

// Connectivity reports the current network state.
type Connectivity interface {
	Online() bool
}

// Gate runs the bootstrap state machine. DONE is terminal for the life of
// the Gate.
type Gate struct {
	reg           *dao.Registry
	puller        Puller
	signal        DataSignal
	conn          Connectivity
	auth          auth.Authenticator
	metricsPeriod string
	now           func() time.Time
	logger        *slog.Logger
	observer      func(Status)

	mu      sync.Mutex
	status  Status
	running bool
	done    chan struct{}
}

// Option configures a Gate.
type Option func(*Gate)

// WithMetricsPeriod sets the dashboard period refreshed after the bootstrap pulls.
func WithMetricsPeriod(period string) Option {
	return func(g *Gate) { g.metricsPeriod = period }
}

// WithLogger sets the gate logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithObserver registers fn to receive every transition.
func WithObserver(fn func(Status)) Option {
	return func(g *Gate) { g.observer = fn }
}

// WithClock overrides the clock stamped on transitions.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a gate in the CHECKING state.
func New(reg *dao.Registry, puller Puller, signal DataSignal, conn Connectivity, authn auth.Authenticator, opts ...Option) *Gate {
	g := &Gate{
		reg:           reg,
		puller:        puller,
		signal:        signal,
		conn:          conn,
		auth:          authn,
		metricsPeriod: "today",
		now:           func() time.Time { return time.Now().UTC() },
		logger:        slog.Default(),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.status = Status{State: Checking, UpdatedAt: g.now()}
	return g
}

// Status returns the current gate status.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Done is closed once the gate reaches DONE.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the gate reaches DONE or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run evaluates the gate once and returns where it settled: DONE,
// NEEDS_SYNC or FAILED. A call while another run is in progress returns the
// current status without starting a second run.
func (g *Gate) Run(ctx context.Context) Status {
	g.mu.Lock()
	if g.running || g.status.State == Done {
		st := g.status
		g.mu.Unlock()
		return st
	}
	g.running = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
	}()

	g.transition(Status{State: Checking})
	st := g.run(ctx)
	g.transition(st)
	if st.State == Done {
		close(g.done)
	}
	return g.Status()
}

// Retry re-enters CHECKING from NEEDS_SYNC or FAILED. In any other state it
// returns the current status unchanged.
func (g *Gate) Retry(ctx context.Context) Status {
	if st := g.Status(); !st.State.Retryable() {
		return st
	}
	return g.Run(ctx)
}

func (g *Gate) run(ctx context.Context) Status {
	hasLocal, err := g.localHasData(ctx)
	if err != nil {
		return g.failed(err)
	}
	if hasLocal {
		g.transition(Status{State: NotNeeded})
		return Status{State: Done}
	}

	if !g.conn.Online() {
		return Status{State: NeedsSync, Error: ErrOffline.Error()}
	}
	if err := g.auth.WaitForAuth(ctx); err != nil {
		return Status{State: NeedsSync, Error: err.Error()}
	}

	hasRemote, err := g.signal.HasData(ctx)
	if err != nil {
		if errors.Is(err, remote.ErrNetworkUnavailable) || errors.Is(err, auth.ErrAuthRequired) {
			return Status{State: NeedsSync, Error: err.Error()}
		}
		return g.failed(err)
	}
	if !hasRemote {
		g.transition(Status{State: NotNeeded})
		return Status{State: Done}
	}

	for _, name := range BootstrapEntities {
		g.transition(Status{State: Syncing, Entity: name})
		if _, err := g.puller.PullEntity(ctx, name); err != nil {
			st := g.failed(err)
			st.Entity = name
			return st
		}
	}

	if err := g.puller.RefreshMetrics(ctx, g.metricsPeriod); err != nil {
		g.logger.Warn("dashboard metrics unavailable after bootstrap",
			"component", "gate",
			"action", "refresh_metrics",
			"error", err,
		)
	}
	return Status{State: Done}
}

// localHasData checks the core tables in parallel.
func (g *Gate) localHasData(ctx context.Context) (bool, error) {
	core := g.reg.Catalog().Core()
	found := make([]bool, len(core))

	eg, ctx := errgroup.WithContext(ctx)
	for i, s := range core {
		eg.Go(func() error {
			ok, err := g.reg.MustDAO(s.Name).HasRows(ctx)
			found[i] = ok
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return false, err
	}
	for _, ok := range found {
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gate) failed(err error) Status {
	g.logger.Error("initial sync failed",
		"component", "gate",
		"action", "bootstrap",
		"error", err,
	)
	return Status{State: Failed, Error: remote.Reason(err)}
}

func (g *Gate) transition(st Status) {
	st.UpdatedAt = g.now()

	g.mu.Lock()
	prev := g.status.State
	g.status = st
	g.mu.Unlock()

	g.logger.Info("gate transition",
		"component", "gate",
		"action", "transition",
		"from", string(prev),
		"to", string(st.State),
		"entity", st.Entity,
	)
	if g.observer != nil {
		g.observer(st)
	}
}
