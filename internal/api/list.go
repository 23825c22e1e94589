package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	listTimeout     = 3 * time.Second
)

// listJobs handles GET /v1/jobs?status=&limit=&offset=. It returns
// {"jobs": [...]} newest first, or 400 for invalid filters.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *crawler.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, err := parseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = &parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), listTimeout)
	defer cancel()
	jobs, err := s.jobStore.ListJobs(ctx, status, limit, offset)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": toJobSummaries(jobs)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (crawler.JobStatus, error) {
	switch status := crawler.JobStatus(strings.ToLower(input)); status {
	case crawler.JobStatusQueued,
		crawler.JobStatusRunning,
		crawler.JobStatusSucceeded,
		crawler.JobStatusFailed,
		crawler.JobStatusCanceled:
		return status, nil
	default:
		return "", errors.New("invalid status")
	}
}

type jobSummary struct {
	ID        string              `json:"id"`
	Status    crawler.JobStatus   `json:"status"`
	StartURL  string              `json:"start_url"`
	Submitted time.Time           `json:"submitted_at"`
	Finished  *time.Time          `json:"finished_at,omitempty"`
	Counters  crawler.JobCounters `json:"counters"`
	ErrorText string              `json:"error,omitempty"`
}

func toJobSummaries(in []crawler.Job) []jobSummary {
	out := make([]jobSummary, 0, len(in))
	for _, job := range in {
		out = append(out, jobSummary{
			ID:        job.ID,
			Status:    job.Status,
			StartURL:  job.Parameters.StartURL,
			Submitted: job.Submitted,
			Finished:  job.Finished,
			Counters:  job.Counters,
			ErrorText: job.ErrorText,
		})
	}
	return out
}
