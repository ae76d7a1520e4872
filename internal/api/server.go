// Package api exposes the HTTP interface for the crawl core.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/bounded"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/cycle"
	"github.com/JakeFAU/crawlcore/internal/metrics"
	"github.com/JakeFAU/crawlcore/internal/session"
	"github.com/JakeFAU/crawlcore/internal/store"
)

// Runner is the orchestration surface driven over HTTP. *cycle.Cycle
// satisfies it for any handle type.
type Runner interface {
	RunJob(ctx context.Context, job crawler.Job, window crawler.TimeWindow) (cycle.Report, error)
	RequestReset(jobID string) error
	Status(jobID string) (cycle.Status, bool)
	CheckConnection(ctx context.Context) bounded.Outcome[struct{}]
}

// Options tune the Server.
type Options struct {
	// APIKey, when set, is required on every /v1 request.
	APIKey string
	// DefaultJob supplies query and mode for run requests without a body.
	DefaultJob crawler.Job
	// RequestTimeout bounds synchronous handlers. Zero means 60s.
	RequestTimeout time.Duration
	// Activities enables the activity log routes.
	Activities store.ActivityRepository
}

// Server wires HTTP handlers to a Runner.
type Server struct {
	router chi.Router
	runner Runner
	opts   Options
	logger *zap.Logger

	// base parents background runs; cancel stops them on Shutdown.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runner Runner, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		runner:  runner,
		opts:    opts,
		logger:  logger,
		base:    base,
		cancel:  cancel,
		running: make(map[string]struct{}),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Post("/run", s.runJob)
			r.Post("/reset", s.resetJob)
			r.Get("/status", s.jobStatus)
		})
		if opts.Activities != nil {
			activities := NewActivityHandler(opts.Activities, logger.Named("activities"))
			r.Get("/runs/{run_id}/activities", activities.ListRunActivities)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Shutdown cancels background runs and waits for them to return or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	out := s.runner.CheckConnection(r.Context())
	status := http.StatusOK
	switch out.Kind() {
	case bounded.KindSuccess:
	case bounded.KindTransient, bounded.KindInterrupted:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"status": session.Describe(out)})
}

type runRequest struct {
	Query       *string          `json:"query"`
	Mode        *crawler.JobMode `json:"mode"`
	WindowStart *time.Time       `json:"window_start"`
	WindowEnd   *time.Time       `json:"window_end"`
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job := crawler.Job{
		ID:    jobID,
		Query: valueOrDefault(req.Query, s.opts.DefaultJob.Query),
		Mode:  valueOrDefault(req.Mode, s.opts.DefaultJob.Mode),
	}
	if job.Mode == "" {
		job.Mode = crawler.JobModeOnce
	}
	if job.Mode != crawler.JobModeOnce && job.Mode != crawler.JobModeContinuous {
		writeError(w, http.StatusBadRequest, "mode must be once or continuous")
		return
	}
	var window crawler.TimeWindow
	if req.WindowStart != nil {
		window.Start = req.WindowStart.UTC()
	}
	if req.WindowEnd != nil {
		window.End = req.WindowEnd.UTC()
	}
	if !window.Start.IsZero() && !window.End.IsZero() && !window.Start.Before(window.End) {
		writeError(w, http.StatusBadRequest, "window_start must be before window_end")
		return
	}

	if !s.claim(jobID) {
		writeError(w, http.StatusConflict, cycle.ErrBusy.Error())
		return
	}
	s.wg.Add(1)
	go s.run(job, window)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "accepted"})
}

func (s *Server) run(job crawler.Job, window crawler.TimeWindow) {
	defer s.wg.Done()
	defer s.release(job.ID)

	logger := s.logger.With(zap.String("job_id", job.ID))
	report, err := s.runner.RunJob(s.base, job, window)
	var si *bounded.ServiceInterruption
	switch {
	case err == nil:
		logger.Info("job finished", zap.Any("report", report))
	case errors.Is(err, cycle.ErrReset):
		logger.Info("job reset")
	case errors.As(err, &si):
		logger.Warn("job deferred", zap.String("cause", si.Cause), zap.Time("retry_after", si.RetryAfter))
	default:
		logger.Error("job failed", zap.Error(err))
	}
}

// claim admits one background run at a time; the cycle serves one job at once.
func (s *Server) claim(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.running) > 0 {
		return false
	}
	s.running[jobID] = struct{}{}
	return true
}

func (s *Server) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, jobID)
}

func (s *Server) resetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.runner.RequestReset(jobID); err != nil {
		s.logger.Error("reset failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "reset requested"})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	status, ok := s.runner.Status(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
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
