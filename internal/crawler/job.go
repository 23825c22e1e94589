package crawler

import (
	"fmt"
	"time"
)

// Defaults applied by NewCrawlJob.
const (
	DefaultMaxPages       = 100
	DefaultMaxDepth       = 2
	DefaultMinDelay       = time.Second
	DefaultMaxConcurrency = 10
)

// Hard ceilings on a single job. The frontier buffers up to MaxPages entries
// and starts MaxConcurrency goroutines.
const (
	MaxPagesCeiling       = 100_000
	MaxConcurrencyCeiling = 256
)

// CrawlJob describes a single crawl invocation. It is created once and never
// mutated; the frontier owns it for the duration of the run.
type CrawlJob struct {
	StartURL       string
	MaxPages       int
	MaxDepth       int
	AllowedHosts   []string
	MinDelay       time.Duration
	MaxConcurrency int
}

// NewCrawlJob returns a job for startURL with the default limits.
func NewCrawlJob(startURL string, allowedHosts ...string) CrawlJob {
	return CrawlJob{
		StartURL:       startURL,
		MaxPages:       DefaultMaxPages,
		MaxDepth:       DefaultMaxDepth,
		AllowedHosts:   allowedHosts,
		MinDelay:       DefaultMinDelay,
		MaxConcurrency: DefaultMaxConcurrency,
	}
}

// Validate rejects limits that cannot describe a bounded crawl.
func (j CrawlJob) Validate() error {
	if j.StartURL == "" {
		return fmt.Errorf("%w: start url is required", ErrInvalidJob)
	}
	if j.MaxPages <= 0 {
		return fmt.Errorf("%w: max_pages must be > 0", ErrInvalidJob)
	}
	if j.MaxPages > MaxPagesCeiling {
		return fmt.Errorf("%w: max_pages must be <= %d", ErrInvalidJob, MaxPagesCeiling)
	}
	if j.MaxDepth < 0 {
		return fmt.Errorf("%w: max_depth must be >= 0", ErrInvalidJob)
	}
	if j.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: max_concurrency must be > 0", ErrInvalidJob)
	}
	if j.MaxConcurrency > MaxConcurrencyCeiling {
		return fmt.Errorf("%w: max_concurrency must be <= %d", ErrInvalidJob, MaxConcurrencyCeiling)
	}
	if j.MinDelay < 0 {
		return fmt.Errorf("%w: min_delay must be >= 0", ErrInvalidJob)
	}
	return nil
}
