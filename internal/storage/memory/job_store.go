// Package memory keeps job metadata and text blobs in process memory for the
// CLI and for tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
)

// JobStore is a crawler.JobStore backed by maps.
type JobStore struct {
	mu    sync.RWMutex
	clock crawler.Clock
	jobs  map[string]crawler.Job
	pages map[string][]crawler.PageRecord
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// NewJobStore constructs a JobStore. A nil clock falls back to wall time.
func NewJobStore(clock crawler.Clock) *JobStore {
	if clock == nil {
		clock = clockFunc(time.Now)
	}
	return &JobStore{
		clock: clock,
		jobs:  make(map[string]crawler.Job),
		pages: make(map[string][]crawler.PageRecord),
	}
}

// CreateJob stores a new job. IDs are unique.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, crawler.ErrJobExists)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJobStatus moves a job to status and replaces its counters. Started is
// stamped on the first transition to running, Finished on a terminal status.
func (s *JobStore) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("update job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	now := s.clock.Now().UTC()
	job.Status = status
	job.ErrorText = errText
	job.Counters = counters
	if status == crawler.JobStatusRunning && job.Started == nil {
		job.Started = &now
	}
	if status.IsTerminal() && job.Finished == nil {
		job.Finished = &now
	}
	s.jobs[jobID] = job
	return nil
}

// RecordPage appends a page row to an existing job.
func (s *JobStore) RecordPage(_ context.Context, page crawler.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[page.JobID]; !ok {
		return fmt.Errorf("record page for %s: %w", page.JobID, crawler.ErrJobNotFound)
	}
	page.Links = slices.Clone(page.Links)
	s.pages[page.JobID] = append(s.pages[page.JobID], page)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	return cloneJob(job), nil
}

// ListPages returns a copy of the pages recorded for a job in insertion order.
func (s *JobStore) ListPages(_ context.Context, jobID string) ([]crawler.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, fmt.Errorf("list pages for %s: %w", jobID, crawler.ErrJobNotFound)
	}
	return slices.Clone(s.pages[jobID]), nil
}

// ListJobs returns jobs ordered by submission time, newest first, ties broken by ID.
func (s *JobStore) ListJobs(_ context.Context, status *crawler.JobStatus, limit, offset int) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != nil && job.Status != *status {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	slices.SortFunc(jobs, func(a, b crawler.Job) int {
		if c := b.Submitted.Compare(a.Submitted); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if offset >= len(jobs) {
		return []crawler.Job{}, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func cloneJob(job crawler.Job) crawler.Job {
	job.Parameters.AllowedHosts = slices.Clone(job.Parameters.AllowedHosts)
	return job
}
