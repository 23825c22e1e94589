package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/safecrawl/internal/config"
	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
	"github.com/InfinityXOneSystems/safecrawl/internal/id/uuid"
	"github.com/InfinityXOneSystems/safecrawl/internal/metrics"
)

const (
	enqueueTimeout = 5 * time.Second
	readyTimeout   = 2 * time.Second
)

// Dispatcher queues jobs and cancels them.
type Dispatcher interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
	Cancel(jobID string) bool
}

// ReadyCheck reports whether a downstream dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Option customizes a Server.
type Option func(*Server)

// WithReadyCheck adds a named dependency probe to /readyz.
func WithReadyCheck(name string, check ReadyCheck) Option {
	return func(s *Server) {
		s.ready[name] = check
	}
}

// Server wires HTTP handlers to the dispatcher and job store.
type Server struct {
	router     chi.Router
	jobStore   crawler.JobStore
	dispatcher Dispatcher
	idGen      crawler.IDGenerator
	clock      crawler.Clock
	cfg        config.Config
	logger     *zap.Logger
	ready      map[string]ReadyCheck
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobStore crawler.JobStore,
	dispatcher Dispatcher,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	cfg config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobStore:   jobStore,
		dispatcher: dispatcher,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		ready:      make(map[string]ReadyCheck),
	}
	for _, opt := range opts {
		opt(s)
	}

	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/result", s.getJobResult)
				r.Post("/cancel", s.cancelJob)
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
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	StartURL        string            `json:"start_url"`
	MaxPages        *int              `json:"max_pages"`
	MaxDepth        *int              `json:"max_depth"`
	AllowedHosts    []string          `json:"allowed_hosts"`
	MinDelaySeconds *float64          `json:"min_delay_seconds"`
	MaxConcurrency  *int              `json:"max_concurrency"`
	Tags            map[string]string `json:"tags"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params, err := s.toJobParameters(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.enqueueJob(r.Context(), params)
	if err != nil {
		s.logger.Error("enqueue job failed", zap.String("start_url", params.StartURL), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "job could not be queued")
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+jobID+"/status")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(crawler.JobStatusQueued),
	})
}

func (s *Server) toJobParameters(req submitJobRequest) (crawler.JobParameters, error) {
	if req.StartURL == "" {
		return crawler.JobParameters{}, errors.New("start_url required")
	}
	startURL, err := crawler.NormalizeURL(req.StartURL)
	if err != nil {
		return crawler.JobParameters{}, fmt.Errorf("invalid start_url: %w", err)
	}
	if !strings.HasPrefix(startURL, "http://") && !strings.HasPrefix(startURL, "https://") {
		return crawler.JobParameters{}, errors.New("start_url must use http or https")
	}
	defaults := s.cfg.Crawler
	params := crawler.JobParameters{
		StartURL:        startURL,
		MaxPages:        valueOrDefault(req.MaxPages, defaults.MaxPagesDefault),
		MaxDepth:        valueOrDefault(req.MaxDepth, defaults.MaxDepthDefault),
		AllowedHosts:    append([]string(nil), req.AllowedHosts...),
		MinDelaySeconds: valueOrDefault(req.MinDelaySeconds, defaults.MinDelaySeconds),
		MaxConcurrency:  valueOrDefault(req.MaxConcurrency, defaults.MaxConcurrency),
		Tags:            req.Tags,
	}
	job := params.CrawlJob()
	if err := job.Validate(); err != nil {
		return crawler.JobParameters{}, err
	}
	if err := defaults.CheckLimits(job); err != nil {
		return crawler.JobParameters{}, err
	}
	return params, nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func (s *Server) enqueueJob(ctx context.Context, params crawler.JobParameters) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := crawler.Job{
		ID:         jobID,
		Status:     crawler.JobStatusQueued,
		Submitted:  now,
		Parameters: params,
	}
	if err := s.jobStore.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := crawler.QueueItem{
		JobID:     jobID,
		Params:    params,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		failErr := s.jobStore.UpdateJobStatus(
			context.WithoutCancel(ctx), jobID, crawler.JobStatusFailed, "enqueue failed: "+err.Error(), crawler.JobCounters{},
		)
		if failErr != nil {
			s.logger.Error("mark unqueued job failed", zap.String("job_id", jobID), zap.Error(failErr))
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, nil
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (crawler.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	if !uuid.Valid(jobID) {
		writeError(w, http.StatusNotFound, "job not found")
		return crawler.Job{}, false
	}
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return crawler.Job{}, false
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return crawler.Job{}, false
	}
	return job, true
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	pages, err := s.jobStore.ListPages(r.Context(), job.ID)
	if err != nil {
		s.logger.Error("list pages failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch job pages")
		return
	}
	writeJSON(w, http.StatusOK, crawler.JobResult{Job: job, Pages: pages})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "job already "+string(job.Status))
		return
	}
	if s.dispatcher.Cancel(job.ID) {
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "canceling"})
		return
	}
	if err := s.jobStore.UpdateJobStatus(
		r.Context(),
		job.ID,
		crawler.JobStatusCanceled,
		"canceled via API",
		job.Counters,
	); err != nil {
		s.logger.Error("cancel job failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": string(crawler.JobStatusCanceled)})
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
