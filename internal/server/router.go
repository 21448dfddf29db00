// Package server exposes the agent's status API over HTTP.
//
// Route layout:
//
//	GET /healthz                   – liveness and pipeline summary
//	GET /metrics                   – Prometheus text exposition
//	GET /api/v1/pending            – messages waiting for the next tick
//	GET /api/v1/deliveries?limit=N – most recent delivery outcomes (ledger)
//
// The API is read-only and intended for operators on the same host or a
// trusted network.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/docwatch/agent/internal/ledger"
	"github.com/docwatch/agent/internal/metrics"
	"github.com/docwatch/agent/internal/store"
)

// Pending lists the messages currently held by the coalescing store.
// *store.Store implements it.
type Pending interface {
	Snapshot() []store.PendingMessage
}

// History lists recorded deliveries. ledger.Ledger implements it.
type History interface {
	Recent(ctx context.Context, n int) ([]ledger.Entry, error)
}

// Option configures a Server.
type Option func(*Server)

// WithHistory enables /api/v1/deliveries.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithMetrics enables /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth sets the value reported by /healthz. fn is called per request
// and its result is encoded as JSON.
func WithHealth(fn func() any) Option {
	return func(s *Server) { s.health = fn }
}

// Server holds the dependencies of the status handlers.
type Server struct {
	pending Pending
	history History
	metrics *metrics.Metrics
	health  func() any
	logger  *slog.Logger
}

// New returns a Server reading pending messages from pending.
func New(pending Pending, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{pending: pending, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router returns the chi router serving every status route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/pending", s.handlePending)
		r.Get("/deliveries", s.handleDeliveries)
	})

	return r
}
