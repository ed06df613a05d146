// Package core provides the API chassis for the reviewflow scheduler
// service. It owns the chi router, the global middleware chain, and the
// shared response helpers, so domain handlers only deal with their own
// request semantics.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"reviewflow/internal/config"
)

// defaultRequestTimeout is the soft deadline applied to every request
// context. Webhook processing fetches datasets from the job platform, so
// this sits above the platform call timeout with headroom for dispatch.
const defaultRequestTimeout = 60 * time.Second

// redactedHeaders lists header names whose values are masked in request
// logs to prevent credential leakage.
var redactedHeaders = []string{
	"Authorization",
	"X-Admin-Key",
	"Stripe-Signature",
}

// RouteRegistrar mounts a handler group onto the router. Registrars are
// collected by the application entry point; the indirection keeps core free
// of handler imports.
type RouteRegistrar func(chi.Router)

// Server bundles the router with the cross-cutting dependencies every
// request needs.
type Server struct {
	Config *config.Config
	Logger *slog.Logger

	// HealthProbes are checked by GET /health; register one per critical
	// dependency (database, queues).
	HealthProbes []HealthProbe

	router     *chi.Mux
	registrars []RouteRegistrar
}

// NewServer validates the chassis dependencies and prepares the router.
// Routes are mounted separately via MountRoutes so tests can register
// their own handler sets.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Register queues a handler group for mounting. Must be called before
// MountRoutes.
func (s *Server) Register(r RouteRegistrar) {
	s.registrars = append(s.registrars, r)
}

// MountRoutes installs the global middleware chain, the health endpoint,
// and every registered handler group.
//
// Middleware order matters: Recoverer is outermost so panics anywhere in
// the chain produce a JSON 500; the timeout bounds everything downstream;
// the request ID must exist before the logger runs so log lines correlate.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, redactedHeaders))

	s.router.Get("/health", s.HandleHealth)

	for _, registrar := range s.registrars {
		registrar(s.router)
	}
}

// Handler returns the router as an http.Handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the underlying mux for tests that mount routes directly.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown logs the teardown. Connection pools are owned and closed by the
// entry point; the chassis has no resources of its own.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
