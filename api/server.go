// Package api exposes the queue over a small JSON admin API.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BranchIntl/queuectl/core"
	"github.com/BranchIntl/queuectl/dlq"
	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/job"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// maxBodyBytes bounds an enqueue request body.
const maxBodyBytes = 1 << 20

// HealthChecker reports engine health. *core.Engine satisfies it.
type HealthChecker interface {
	Health() core.HealthStatus
}

// Server serves the admin API for one queue
type Server struct {
	queue  *core.Queue
	dlq    *dlq.Manager
	health HealthChecker
}

// NewServer creates an API server. health may be nil when no workers run in
// this process; /health then reports the store alone.
func NewServer(queue *core.Queue, manager *dlq.Manager, health HealthChecker) *Server {
	return &Server{queue: queue, dlq: manager, health: health}
}

// Router returns the HTTP handler with every route mounted
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
	})

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", s.handleDLQList)
		r.Post("/retry", s.handleDLQRetryAll)
		r.Post("/{id}/retry", s.handleDLQRetry)
	})

	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("API stopped")
	return nil
}

type healthResponse struct {
	Healthy       bool                `json:"healthy"`
	Store         string              `json:"store"`
	Statistics    string              `json:"statistics,omitempty"`
	ActiveWorkers int                 `json:"active_workers"`
	Reclaimed     int64               `json:"reclaimed"`
	Jobs          map[job.State]int64 `json:"jobs,omitempty"`
	CheckedAt     time.Time           `json:"checked_at"`
}

type statsResponse struct {
	Counts map[job.State]int64 `json:"counts"`
	Total  int64               `json:"total"`
}

type retryAllResponse struct {
	Requeued int `json:"requeued"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var status core.HealthStatus
	if s.health != nil {
		status = s.health.Health()
	} else {
		store := s.queue.Store()
		status.StoreHealth = store.Health()
		status.Healthy = status.StoreHealth == nil
		status.JobCounts, _ = store.Stats(r.Context())
		status.LastCheck = time.Now()
	}

	resp := healthResponse{
		Healthy:       status.Healthy,
		Store:         describe(status.StoreHealth),
		ActiveWorkers: status.ActiveWorkers,
		Reclaimed:     status.Reclaimed,
		Jobs:          status.JobCounts,
		CheckedAt:     status.LastCheck,
	}
	if s.health != nil {
		resp.Statistics = describe(status.StatsHealth)
	}

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := statsResponse{Counts: make(map[job.State]int64, len(job.States))}
	for _, state := range job.States {
		resp.Counts[state] = counts[state]
		resp.Total += counts[state]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req job.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}

	j, err := s.queue.Enqueue(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("Job enqueued", "job", j.ID, "source", "api")
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var state job.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		parsed, err := job.ParseState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		state = parsed
	}

	jobs, err := s.queue.List(r.Context(), state)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(jobs))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	j, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.dlq.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(jobs))
}

func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.dlq.Retry(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}

	j, err := s.queue.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleDLQRetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.dlq.RetryAll(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, retryAllResponse{Requeued: n})
}

// statusCode maps the error taxonomy onto HTTP status codes
func statusCode(err error) int {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsInvalidState(err), stderrors.Is(err, errors.ErrJobAlreadyExists):
		return http.StatusConflict
	case stderrors.Is(err, errors.ErrEmptyCommand), stderrors.Is(err, errors.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.IsTemporary(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		slog.Error("API request failed", "error", err)
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func describe(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

func nonNil(jobs []*job.Job) []*job.Job {
	if jobs == nil {
		return []*job.Job{}
	}
	return jobs
}

// requestLogger logs one line per request through slog
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("API request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
