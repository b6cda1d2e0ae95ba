package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/jobqueue"
	"github.com/JakeFAU/listing-ingest/internal/metrics"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxBodyBytes          = 1 << 20
)

// Enqueuer accepts jobs. *jobqueue.Adapter satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, corr crawler.Correlation, idempotencyKey string) (string, error)
}

// StatusReader reports a job's broker state. Both brokers satisfy it.
type StatusReader interface {
	JobState(ctx context.Context, jobType, id string) (state, reason string, err error)
}

// Checker reports whether a dependency is ready.
type Checker func(ctx context.Context) error

// Options configures a Server.
type Options struct {
	// JobTypes restricts which queues can be targeted; empty allows any.
	JobTypes []string
	// APIKey, when set, is required on /v1 routes via X-API-Key.
	APIKey         string
	Status         StatusReader
	Checks         map[string]Checker
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the job queue.
type Server struct {
	router   chi.Router
	enqueuer Enqueuer
	status   StatusReader
	checks   map[string]Checker
	jobTypes map[string]struct{}
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(enqueuer Enqueuer, opts Options) *Server {
	s := &Server{
		enqueuer: enqueuer,
		status:   opts.Status,
		checks:   opts.Checks,
		logger:   opts.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if len(opts.JobTypes) > 0 {
		s.jobTypes = make(map[string]struct{}, len(opts.JobTypes))
		for _, jt := range opts.JobTypes {
			s.jobTypes[jt] = struct{}{}
		}
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/jobs/{jobType}", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(s.apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/", s.enqueueJob)
		if s.status != nil {
			r.Get("/{jobId}", s.getJob)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "failures": failures})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type enqueueRequest struct {
	Payload        json.RawMessage      `json:"payload"`
	Correlation    *crawler.Correlation `json:"correlation"`
	IdempotencyKey string               `json:"idempotencyKey"`
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	jobType := chi.URLParam(r, "jobType")
	if !s.allowed(jobType) {
		s.writeError(w, http.StatusNotFound, "", "unknown job type")
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, crawler.CodeValidationFail, "invalid JSON")
		return
	}
	if req.Correlation == nil {
		s.writeError(w, http.StatusBadRequest, crawler.CodeMissingCorrelation, "correlation is required")
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	jobID, err := s.enqueuer.Enqueue(r.Context(), jobType, payload, *req.Correlation, strings.TrimSpace(req.IdempotencyKey))
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
	case crawler.IsPermanent(err):
		s.writeError(w, http.StatusBadRequest, crawler.CodeOf(err), err.Error())
	case errors.Is(err, jobqueue.ErrBrokerClosed):
		s.writeError(w, http.StatusServiceUnavailable, "", "queue unavailable")
	default:
		s.logger.Error("enqueue failed", zap.String("job_type", jobType), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "", "enqueue failed")
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobType := chi.URLParam(r, "jobType")
	jobID := chi.URLParam(r, "jobId")
	if !s.allowed(jobType) {
		s.writeError(w, http.StatusNotFound, "", "unknown job type")
		return
	}
	state, reason, err := s.status.JobState(r.Context(), jobType, jobID)
	if errors.Is(err, jobqueue.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "", "job not found")
		return
	}
	if err != nil {
		s.logger.Error("read job state failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "", "failed to read job")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"jobId":   jobID,
		"jobType": jobType,
		"state":   state,
		"reason":  reason,
	})
}

func (s *Server) allowed(jobType string) bool {
	if s.jobTypes == nil {
		return jobType != ""
	}
	_, ok := s.jobTypes[jobType]
	return ok
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
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "", "internal server error")
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

func (s *Server) apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				s.writeError(w, http.StatusForbidden, "", "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code crawler.ErrorCode, msg string) {
	body := map[string]string{"error": msg}
	if code != "" {
		body["code"] = string(code)
	}
	s.writeJSON(w, status, body)
}
