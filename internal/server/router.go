// Package server is the reference sync backend: an action-addressed endpoint that stores
// chunks, manifests and backups in sqlite.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps holds dependencies for the HTTP router.
type Deps struct {
	Sync   *SyncHandler
	Health *HealthHandler
	// Gatherer backs /metrics. The route is not registered when nil.
	Gatherer prometheus.Gatherer
	// APIKey is the bearer token required on /api/sync. Empty disables auth.
	APIKey string
}

// NewRouter creates a new HTTP router with the provided dependencies.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(LoggerMiddleware)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Route("/api", func(r chi.Router) {
		if deps.Health != nil {
			r.Method(http.MethodGet, "/health", deps.Health)
		}
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.APIKey))
			r.Method(http.MethodGet, "/sync", deps.Sync)
			r.Method(http.MethodPost, "/sync", deps.Sync)
		})
	})

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
