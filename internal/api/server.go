// Package api exposes the HTTP interface for the audit service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/seolens/audit-service/internal/audit"
	"github.com/seolens/audit-service/internal/broadcast"
	"github.com/seolens/audit-service/internal/metrics"
	"github.com/seolens/audit-service/internal/ratelimit"
)

const listLimit = 50

// RateLimiter admits or rejects one audit creation for a user.
type RateLimiter interface {
	Check(ctx context.Context, userID, plan string) (ratelimit.Decision, error)
}

// Enqueuer hands an admitted job to the pipeline workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, job audit.Job) error
}

// Server wires HTTP handlers to the store, limiter, and pipeline queue.
type Server struct {
	router      chi.Router
	store       audit.Store
	limiter     RateLimiter
	enqueuer    Enqueuer
	broadcaster *broadcast.Broadcaster
	idGen       audit.IDGenerator
	clock       audit.Clock
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes. gatherer feeds
// the /metrics endpoint; pass nil to use the default registry.
func NewServer(
	store audit.Store,
	limiter RateLimiter,
	enqueuer Enqueuer,
	broadcaster *broadcast.Broadcaster,
	idGen audit.IDGenerator,
	clock audit.Clock,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		store:       store,
		limiter:     limiter,
		enqueuer:    enqueuer,
		broadcaster: broadcaster,
		idGen:       idGen,
		clock:       clock,
		metrics:     m,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(metricsMiddleware(m))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(identityMiddleware)
		r.Route("/audits", func(r chi.Router) {
			r.Post("/", s.createAudit)
			r.Get("/", s.listAudits)
			r.Route("/{audit_id}", func(r chi.Router) {
				r.Get("/", s.getAudit)
				r.Get("/progress", s.streamProgress)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.List(ctx, "readiness-probe", 1); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
