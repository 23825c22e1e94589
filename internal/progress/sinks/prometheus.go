package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/InfinityXOneSystems/safecrawl/internal/metrics"
	"github.com/InfinityXOneSystems/safecrawl/internal/progress"
)

// PrometheusSink turns progress events into job and storage collectors.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobDuration  *prometheus.HistogramVec
	pagesStored  *prometheus.CounterVec
	bytesStored  *prometheus.CounterVec
	pagesFailed  *prometheus.CounterVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers its collectors on reg, or on the default
// registerer when reg is nil. Collectors already registered by an earlier
// sink are reused.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{running: make(map[string]struct{})}
	var err error
	if s.jobsStarted, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crawler_progress_jobs_started_total",
		Help: "Jobs that began crawling.",
	})); err != nil {
		return nil, err
	}
	if s.jobsFinished, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_progress_jobs_finished_total",
		Help: "Jobs that reached a terminal status, labeled by status.",
	}, []string{"status"})); err != nil {
		return nil, err
	}
	if s.jobsRunning, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crawler_progress_jobs_running",
		Help: "Jobs currently crawling.",
	})); err != nil {
		return nil, err
	}
	if s.jobDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crawler_progress_job_duration_seconds",
		Help:    "Wall time of finished jobs, labeled by status.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"status"})); err != nil {
		return nil, err
	}
	if s.pagesStored, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_progress_pages_stored_total",
		Help: "Pages whose text was stored, labeled by host and status class.",
	}, []string{"host", "status_class"})); err != nil {
		return nil, err
	}
	if s.bytesStored, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_progress_stored_bytes_total",
		Help: "Bytes of page text stored, labeled by host.",
	}, []string{"host"})); err != nil {
		return nil, err
	}
	if s.pagesFailed, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_progress_pages_failed_total",
		Help: "Pages recorded as failures, labeled by host.",
	}, []string{"host"})); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register progress collector: %w", err)
	}
	return c, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.Inc()
			if s.track(evt.JobID, true) {
				s.jobsRunning.Inc()
			}
		case progress.StageJobEnd:
			status := string(evt.Status)
			s.jobsFinished.WithLabelValues(status).Inc()
			if evt.Dur > 0 {
				s.jobDuration.WithLabelValues(status).Observe(evt.Dur.Seconds())
			}
			if s.track(evt.JobID, false) {
				s.jobsRunning.Dec()
			}
		case progress.StagePageStored:
			host := hostLabel(evt)
			s.pagesStored.WithLabelValues(host, progress.StatusClass(evt.StatusCode)).Inc()
			if evt.Bytes > 0 {
				s.bytesStored.WithLabelValues(host).Add(float64(evt.Bytes))
			}
		case progress.StagePageFailed:
			s.pagesFailed.WithLabelValues(hostLabel(evt)).Inc()
		}
	}
	return nil
}

// track flips a job's running state and reports whether it changed.
func (s *PrometheusSink) track(jobID string, running bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[jobID]
	if ok == running {
		return false
	}
	if running {
		s.running[jobID] = struct{}{}
	} else {
		delete(s.running, jobID)
	}
	return true
}

func hostLabel(evt progress.Event) string {
	if evt.Host != "" {
		return evt.Host
	}
	return metrics.SanitizeSite(evt.URL)
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
