// Package syncer reconciles the local store with the remote API: push
// replays pending local mutations, pull merges server state.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hyperengineering/fieldsync/internal/dao"
	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/hyperengineering/fieldsync/internal/metadata"
	"github.com/hyperengineering/fieldsync/internal/remote"
)

// ErrIdentifierNotReady defers a record whose identifier, or an identifier it
// references, has not been issued by the server yet. Always retryable.
var ErrIdentifierNotReady = errors.New("identifier not ready")

// ErrUnknownEntity is returned for entity names missing from the catalogue.
var ErrUnknownEntity = errors.New("unknown entity")

// NotReadyError carries the reason recorded as the record's sync error.
type NotReadyError struct {
	Reason string
}

func (e *NotReadyError) Error() string { return e.Reason }

func (e *NotReadyError) Unwrap() error { return ErrIdentifierNotReady }

func waitingFor(what string) error {
	return &NotReadyError{Reason: "Waiting for " + what}
}

const defaultPageLimit = 500

// Remote is the part of the remote API the engine replays against.
type Remote interface {
	Create(ctx context.Context, s *entity.Schema, payload map[string]any, clientID string) (map[string]any, error)
	Update(ctx context.Context, s *entity.Schema, id string, payload map[string]any) error
	Delete(ctx context.Context, s *entity.Schema, id string) error
	List(ctx context.Context, path, key string, page, limit int) (remote.Page, error)
	RecordPayment(ctx context.Context, billID string, amount float64, note, clientID string) error
	AddStock(ctx context.Context, itemID string, body map[string]any) error
	DashboardMetrics(ctx context.Context, period string) (json.RawMessage, error)
}

// Engine runs push and pull passes. Passes for the same entity never overlap:
// a concurrent call joins the pass already in flight.
type Engine struct {
	reg       *dao.Registry
	catalog   *entity.Catalog
	remote    Remote
	meta      *metadata.Repository
	pageLimit int
	now       func() time.Time
	logger    *slog.Logger
	flight    singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithPageLimit sets the page size requested from list endpoints.
func WithPageLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageLimit = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the clock used for pull bookmarks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over the registry's DAOs.
func New(reg *dao.Registry, rem Remote, meta *metadata.Repository, opts ...Option) *Engine {
	e := &Engine{
		reg:       reg,
		catalog:   reg.Catalog(),
		remote:    rem,
		meta:      meta,
		pageLimit: defaultPageLimit,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Report summarises one sync pass.
type Report struct {
	Push []PushStats `json:"push"`
	Pull []PullStats `json:"pull"`
}

// Retryable reports whether any record failed for a transient reason.
func (r Report) Retryable() bool {
	for _, p := range r.Push {
		if p.NetworkFailures > 0 {
			return true
		}
	}
	return false
}

// PassEntities are pulled after every push pass.
var PassEntities = []string{entity.Customers, entity.WorkOrders, entity.Bills}

// Sync pushes every pending mutation and then pulls the pass entities.
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	var rep Report
	push, err := e.PushAll(ctx)
	rep.Push = push
	if err != nil {
		return rep, err
	}
	pull, err := e.Pull(ctx, pullAfterPush(push)...)
	rep.Pull = pull
	return rep, err
}

// pullAfterPush adds inventory to the pass entities when inventory changes
// were pushed, so server-computed stock levels come back.
func pullAfterPush(push []PushStats) []string {
	names := append([]string(nil), PassEntities...)
	for _, p := range push {
		switch p.Entity {
		case entity.Items, entity.Services, entity.SerialNumbers, entity.StockHistory:
			if p.Pushed > 0 {
				return append(names, entity.Items, entity.Services)
			}
		}
	}
	return names
}

// RefreshMetrics fetches the dashboard payload for period into the local cache.
func (e *Engine) RefreshMetrics(ctx context.Context, period string) error {
	raw, err := e.remote.DashboardMetrics(ctx, period)
	if err != nil {
		return err
	}
	if err := e.reg.Metrics().Put(ctx, dao.MetricsKey(period), raw); err != nil {
		return err
	}
	return nil
}

func (e *Engine) schema(name string) (*entity.Schema, *dao.DAO, error) {
	s, ok := e.catalog.Lookup(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	d, _ := e.reg.DAO(name)
	return s, d, nil
}
