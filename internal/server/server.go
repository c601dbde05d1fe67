// Package server exposes the remediation engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/internal/orchestrator"
	"github.com/sells-group/rate-remediator/internal/remediation"
)

// Engine is the service the handlers call.
type Engine interface {
	PromoteGaps(ctx context.Context, req remediation.PromoteRequest) (remediation.PromoteResponse, error)
	LogAttempt(ctx context.Context, req remediation.LogAttemptRequest) (remediation.LogAttemptResponse, error)
	TriggerKillSwitch(ctx context.Context, req remediation.KillRequest) (remediation.KillResponse, error)
	ResetKillSwitch(ctx context.Context, runID, by string) (remediation.ResetResponse, error)
	HaltStatus(ctx context.Context, runID string) (*model.RunHalt, error)
	Evaluate(ctx context.Context, req remediation.EvaluateRequest) (remediation.EvaluateResponse, error)
	Override(ctx context.Context, req remediation.OverrideRequest) (model.PromotionRecord, error)
	ListGaps(ctx context.Context, req remediation.ListGapsRequest) ([]model.Gap, error)
	ListAttempts(ctx context.Context, gapID string) ([]model.Attempt, error)
	Dispatch(ctx context.Context, runID string) (*orchestrator.RunReport, error)
}

// Server routes HTTP requests to the engine. Dispatch runs in the
// background on the server's base context.
type Server struct {
	engine  Engine
	base    context.Context
	metrics http.Handler
	origins []string

	mu       sync.Mutex
	running  map[string]bool
	reports  map[string]*orchestrator.RunReport
	failures map[string]string
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithCORSOrigins sets the allowed CORS origins.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// New creates a Server. Background dispatches stop when base is cancelled.
func New(base context.Context, engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		base:     base,
		running:  make(map[string]bool),
		reports:  make(map[string]*orchestrator.RunReport),
		failures: make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/gaps/promote", s.promoteGaps)
		r.Get("/gaps/{gapID}/attempts", s.listAttempts)
		r.Post("/attempts", s.logAttempt)

		r.Post("/killswitch", s.triggerKill)
		r.Get("/killswitch/{runID}", s.haltStatus)
		r.Delete("/killswitch/{runID}", s.resetKill)

		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/gaps", s.listGaps)
			r.Post("/dispatch", s.dispatch)
			r.Get("/dispatch", s.dispatchStatus)
			r.Get("/coverage", s.coverage)
			r.Post("/coverage", s.coverage)
			r.Post("/override", s.override)
		})
	})
	return r
}

// Wait blocks until background dispatches finish.
func (s *Server) Wait() {
	s.wg.Wait()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	body := map[string]string{"error": msg}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

// writeEngineError maps engine errors to status codes.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case remediation.IsInputError(err):
		writeError(w, http.StatusBadRequest, "invalid request", err.Error())
	case remediation.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found", err.Error())
	default:
		zap.L().Error("server: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}
