package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
)

// Stage names the milestone an Event reports.
type Stage string

// Stages emitted by the job worker.
const (
	StageJobStart   Stage = "job_start"
	StagePageStored Stage = "page_stored"
	StagePageFailed Stage = "page_failed"
	StageJobEnd     Stage = "job_end"
)

// Event is one progress milestone of a crawl job.
type Event struct {
	JobID string
	TS    time.Time
	Stage Stage
	// Host and URL are set for page stages.
	Host       string
	URL        string
	StatusCode int
	// Bytes is the size of the stored page text.
	Bytes int64
	// Dur is the job wall time on StageJobEnd.
	Dur time.Duration
	// Status is the terminal job status on StageJobEnd.
	Status crawler.JobStatus
	Note   string
}

// Validate rejects events the sinks cannot label.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart:
	case StagePageStored, StagePageFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageJobEnd:
		if !e.Status.IsTerminal() {
			return fmt.Errorf("job end requires a terminal status, got %q", e.Status)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// StatusClass groups an HTTP status code as "2xx" .. "5xx", or "other".
func StatusClass(code int) string {
	if code >= 200 && code < 600 {
		return fmt.Sprintf("%dxx", code/100)
	}
	return "other"
}
