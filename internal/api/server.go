// Package api provides the HTTP surface for sync triggers, pipeline
// management, and inbound webhooks.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/forgesync/forgesync/internal/pipeline"
	"github.com/forgesync/forgesync/internal/progress"
	"github.com/forgesync/forgesync/internal/webhook"
)

// Deps are the collaborators the HTTP handlers delegate to
type Deps struct {
	Pipeline *pipeline.Pipeline
	Tracker  *progress.Tracker
	Ingestor *webhook.Ingestor

	// ReadinessCheck reports whether the backing store is reachable.
	// nil means always ready.
	ReadinessCheck func(ctx context.Context) error

	// AllowRedelivery makes webhook handler errors return 500 so the
	// upstream redelivers, instead of the default 200 ack
	AllowRedelivery bool
}

// ServerOption configures the API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// NewServer creates and configures the HTTP router
func NewServer(deps Deps, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Mount("/", HealthRouter(deps.ReadinessCheck))

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/sync", SyncRouter(deps.Pipeline, deps.Tracker))
		r.Mount("/pipeline", PipelineRouter(deps.Pipeline))
	})

	r.Mount("/webhooks", WebhookRouter(deps.Ingestor, deps.AllowRedelivery))

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
