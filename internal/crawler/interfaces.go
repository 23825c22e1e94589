package crawler

import (
	"context"
	"io"
	"time"
)

// URLValidator admits URLs for scheduling and returns the validated hostname.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) (string, error)
	FilterAllowed(hosts []string) []string
}

// RobotsPolicy decides whether robots.txt permits fetching a URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// CrawlDelayer is implemented by robots policies that expose Crawl-delay.
type CrawlDelayer interface {
	CrawlDelay(rawURL string) (time.Duration, bool)
}

// RateLimiter enforces a minimum delay between fetches to the same host.
type RateLimiter interface {
	Wait(ctx context.Context, host string, minDelay time.Duration) error
}

// HostDelaySetter raises the delay for a single host.
type HostDelaySetter interface {
	SetHostDelay(host string, delay time.Duration)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Parser turns an HTML body into a Document whose links are restricted to scope.
type Parser interface {
	Parse(baseURL string, body []byte, scope *HostMatcher) (Document, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// JobStore persists job and page metadata.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, counters JobCounters) error
	RecordPage(ctx context.Context, page PageRecord) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListPages(ctx context.Context, jobID string) ([]PageRecord, error)
	// ListJobs returns jobs newest first, optionally filtered by status.
	ListJobs(ctx context.Context, status *JobStatus, limit, offset int) ([]Job, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes completion events downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
