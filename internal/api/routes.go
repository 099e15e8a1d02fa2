package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes (auth required when an API key is configured)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Get("/gate", h.Gate)
			r.Post("/gate/retry", h.GateRetry)
			r.Post("/sync", h.SyncNow)
			r.Get("/sync/pending", h.Pending)

			// Data routes wait for the initial sync gate
			r.Group(func(r chi.Router) {
				r.Use(GateMiddleware(h.gate))
				r.Get("/dashboard/metrics", h.Metrics)

				r.Route("/entities/{entity}", func(r chi.Router) {
					r.Use(EntityMiddleware(h.reg))
					r.Get("/", h.List)
					r.Post("/", h.Create)
					r.Get("/{id}", h.Get)
					r.Patch("/{id}", h.Update)
					r.Delete("/{id}", h.Delete)
					r.Post("/{id}/payments", h.AddPayment)
				})
			})
		})
	})

	return r
}
