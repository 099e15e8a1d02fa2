package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/fieldsync/internal/dao"
)

// daoContextKey is the context key for the resolved entity DAO.
type daoContextKey struct{}

// ErrNoDAOInContext indicates no DAO was found in the context.
var ErrNoDAOInContext = errors.New("no entity dao in context")

// WithDAO returns a new context with the entity DAO attached.
func WithDAO(ctx context.Context, d *dao.DAO) context.Context {
	return context.WithValue(ctx, daoContextKey{}, d)
}

// DAOFromContext extracts the entity DAO from the context.
// Returns ErrNoDAOInContext if not present or nil.
func DAOFromContext(ctx context.Context) (*dao.DAO, error) {
	d, ok := ctx.Value(daoContextKey{}).(*dao.DAO)
	if !ok || d == nil {
		return nil, ErrNoDAOInContext
	}
	return d, nil
}

// MustDAOFromContext extracts the DAO or panics.
// Use only when EntityMiddleware guarantees DAO presence.
func MustDAOFromContext(ctx context.Context) *dao.DAO {
	d, err := DAOFromContext(ctx)
	if err != nil {
		panic("entity dao not in context: middleware misconfiguration")
	}
	return d
}

// EntityMiddleware resolves the {entity} URL parameter to its DAO.
// Unknown entities get 404.
func EntityMiddleware(reg *dao.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "entity")
			d, ok := reg.DAO(name)
			if !ok {
				WriteProblem(w, r, http.StatusNotFound, "Unknown entity: "+name)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithDAO(r.Context(), d)))
		})
	}
}
