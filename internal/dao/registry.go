package dao

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/hyperengineering/fieldsync/internal/store"
)

// Registry owns one DAO per catalogued entity over a shared store.
type Registry struct {
	st      *store.SQLiteStore
	catalog *entity.Catalog
	daos    map[string]*DAO
	metrics *MetricsCache
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for local timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger used for skipped records.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry builds a DAO for every schema in catalog.
func NewRegistry(st *store.SQLiteStore, catalog *entity.Catalog, opts ...Option) *Registry {
	r := &Registry{
		st:      st,
		catalog: catalog,
		daos:    make(map[string]*DAO),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, s := range catalog.All() {
		r.daos[s.Name] = newDAO(r, s)
	}
	r.metrics = &MetricsCache{db: st, now: r.now}
	return r
}

// Catalog returns the catalogue the registry was built from.
func (r *Registry) Catalog() *entity.Catalog { return r.catalog }

// Store returns the underlying store.
func (r *Registry) Store() *store.SQLiteStore { return r.st }

// DAO returns the DAO for the named entity.
func (r *Registry) DAO(name string) (*DAO, bool) {
	d, ok := r.daos[name]
	return d, ok
}

// MustDAO returns the DAO for a catalogued entity and panics otherwise.
func (r *Registry) MustDAO(name string) *DAO {
	d, ok := r.daos[name]
	if !ok {
		panic(fmt.Sprintf("dao: entity %s is not catalogued", name))
	}
	return d
}

// Metrics returns the dashboard metrics cache.
func (r *Registry) Metrics() *MetricsCache { return r.metrics }

// Bills returns the billing helpers. It panics when the catalogue has no bills.
func (r *Registry) Bills() *Bills {
	return &Bills{
		reg:      r,
		bills:    r.MustDAO(entity.Bills),
		payments: r.MustDAO(entity.PaymentHistory),
	}
}

// PendingCounts returns the replay backlog of every entity in push order.
func (r *Registry) PendingCounts(ctx context.Context) ([]PendingCount, error) {
	var out []PendingCount
	for _, s := range r.catalog.All() {
		pc, err := r.daos[s.Name].PendingCount(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, nil
}
