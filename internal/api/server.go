package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foofork/riptide/internal/budget"
	"github.com/foofork/riptide/internal/core"
	"github.com/foofork/riptide/internal/frontier"
	"github.com/foofork/riptide/internal/metrics"
	"github.com/foofork/riptide/internal/pipeline"
	"github.com/foofork/riptide/internal/session"
)

// Executor runs extraction work on behalf of HTTP handlers. Satisfied by
// pipeline.Orchestrator.
type Executor interface {
	ExecuteSingle(ctx context.Context, rawURL, session string) (*core.PipelineResult, error)
	ExecuteBatch(ctx context.Context, urls []string, session string) ([]*core.PipelineResult, pipeline.BatchStats)
}

// AuthConfig toggles API key enforcement.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// Config controls HTTP server behavior.
type Config struct {
	Addr           string     `mapstructure:"addr"`
	TimeoutSeconds int        `mapstructure:"timeout_seconds"`
	MaxBatchURLs   int        `mapstructure:"max_batch_urls"`
	Auth           AuthConfig `mapstructure:"auth"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 60
	}
	if c.MaxBatchURLs <= 0 {
		c.MaxBatchURLs = 100
	}
	return c
}

// Server wires HTTP handlers to the pipeline, frontier, and budget manager.
type Server struct {
	router   chi.Router
	exec     Executor
	frontier *frontier.Manager
	budget   *budget.Manager
	sessions *session.Manager
	logger   *zap.Logger
	cfg      Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	exec Executor,
	fr *frontier.Manager,
	budgets *budget.Manager,
	sessions *session.Manager,
	logger *zap.Logger,
	cfg Config,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		exec:     exec,
		frontier: fr,
		budget:   budgets,
		sessions: sessions,
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}

	metrics.Init()
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(time.Duration(s.cfg.TimeoutSeconds) * time.Second))
	if s.cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(s.cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/extract", s.extract)
		r.Post("/extract/batch", s.extractBatch)
		r.Post("/seeds", s.submitSeeds)
		r.Get("/budget", s.budgetUsage)
		r.Get("/frontier", s.frontierStats)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Get("/{session_id}", s.getSession)
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.exec == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type extractRequest struct {
	URL     string `json:"url"`
	Session string `json:"session,omitempty"`
}

func (s *Server) extract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	result, err := s.exec.ExecuteSingle(r.Context(), req.URL, req.Session)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type extractBatchRequest struct {
	URLs    []string `json:"urls"`
	Session string   `json:"session,omitempty"`
}

type extractBatchResponse struct {
	Results []*core.PipelineResult `json:"results"`
	Stats   pipeline.BatchStats    `json:"stats"`
}

func (s *Server) extractBatch(w http.ResponseWriter, r *http.Request) {
	var req extractBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(req.URLs) > s.cfg.MaxBatchURLs {
		writeError(w, http.StatusRequestEntityTooLarge, "too many urls")
		return
	}
	results, stats := s.exec.ExecuteBatch(r.Context(), req.URLs, req.Session)
	writeJSON(w, http.StatusOK, extractBatchResponse{Results: results, Stats: stats})
}

type seedsRequest struct {
	URLs  []string `json:"urls"`
	Label string   `json:"label,omitempty"`
}

func (s *Server) submitSeeds(w http.ResponseWriter, r *http.Request) {
	if s.frontier == nil || s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl scheduling disabled")
		return
	}
	var req seedsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	sess, err := s.sessions.Create(req.Label, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	accepted, err := s.frontier.AddSeeds(req.URLs, sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if addErr := s.sessions.AddSeeds(sess.ID, accepted); addErr != nil {
		s.logger.Warn("seed count update failed", zap.Error(addErr))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": sess.ID,
		"accepted":   accepted,
		"submitted":  len(req.URLs),
	})
}

func (s *Server) budgetUsage(w http.ResponseWriter, r *http.Request) {
	if s.budget == nil {
		writeError(w, http.StatusServiceUnavailable, "budget manager unavailable")
		return
	}
	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		snap, ok := s.budget.SessionSnapshot(sessionID)
		if !ok {
			writeError(w, http.StatusNotFound, "session has no usage")
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	writeJSON(w, http.StatusOK, s.budget.UsageSnapshot())
}

func (s *Server) frontierStats(w http.ResponseWriter, _ *http.Request) {
	if s.frontier == nil {
		writeError(w, http.StatusServiceUnavailable, "frontier unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"queued": s.frontier.Len(),
		"seen":   s.frontier.SeenCount(),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions unavailable")
		return
	}
	view, err := s.sessions.Get(chi.URLParam(r, "session_id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// statusForError maps pipeline failure classes onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, core.ErrParse):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrResourceLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrNetwork), errors.Is(err, core.ErrExtraction):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
