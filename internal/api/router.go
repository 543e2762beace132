// Package api serves the read-only dashboard HTTP API: change timelines,
// audit events, gateway resources and the tool catalog, plus health and
// Prometheus metrics.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gzf09/agent-aigateway/internal/auth"
	"github.com/gzf09/agent-aigateway/internal/orchestrator"
	"github.com/gzf09/agent-aigateway/internal/resource"
	"github.com/gzf09/agent-aigateway/internal/storage"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Client       resource.Client
	Auth         auth.Authenticator  // guards /api; nil accepts any agw_ key
	Events       storage.EventReader // nil if no audit store can be read
	Gatherer     prometheus.Gatherer // nil disables /metrics
	Logger       *zap.Logger
}

// NewRouter builds the HTTP router with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Auth == nil {
		deps.Auth = auth.NewStaticAuthenticator()
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogging(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(deps.authMiddleware)
		api.Get("/tools", deps.handleListTools)
		api.Get("/providers", deps.handleListProviders)
		api.Get("/routes", deps.handleListRoutes)

		api.Route("/sessions/{session_id}", func(s chi.Router) {
			s.Get("/timeline", deps.handleTimeline)
			s.Get("/version", deps.handleVersion)
			s.Get("/events", deps.handleListEvents)
		})
	})

	return r
}
