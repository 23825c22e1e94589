package crawler

import (
	"net/http"
	"time"
)

// FrontierEntry is a normalized URL waiting to be visited at a given depth.
type FrontierEntry struct {
	URL   string
	Depth int
}

// PageResult is emitted once per successful, non-duplicate fetch. Results are
// never mutated after they are appended to a job's output.
type PageResult struct {
	URL         string            `json:"url"`
	StatusCode  int               `json:"http_status"`
	Text        string            `json:"extracted_text"`
	Title       string            `json:"title"`
	Meta        map[string]string `json:"meta,omitempty"`
	Links       []string          `json:"links,omitempty"`
	Fingerprint string            `json:"content_fingerprint,omitempty"`
	FetchedAt   time.Time         `json:"fetched_at"`
	Depth       int               `json:"depth"`
	Error       string            `json:"error,omitempty"`
}

// StopReason records why a crawl run ended.
type StopReason string

// Stop reasons reported in Result.
const (
	StopMaxPages    StopReason = "max_pages"
	StopDrained     StopReason = "drained"
	StopIdleTimeout StopReason = "idle_timeout"
	StopCanceled    StopReason = "canceled"
)

// Stats counts per-URL outcomes for a single crawl run.
type Stats struct {
	Dequeued       int `json:"dequeued"`
	AlreadyVisited int `json:"already_visited"`
	Fetched        int `json:"fetched"`
	Emitted        int `json:"emitted"`
	RobotsDenied   int `json:"robots_denied"`
	FetchErrors    int `json:"fetch_errors"`
	Duplicates     int `json:"duplicates"`
	Rejected       int `json:"rejected"`
	NonHTML        int `json:"non_html"`
}

// Result is the outcome of one crawl run. Failures holds error-tagged records
// for URLs whose fetch failed; they never count toward MaxPages.
type Result struct {
	Pages      []PageResult `json:"pages"`
	Failures   []PageResult `json:"failures,omitempty"`
	Stats      Stats        `json:"stats"`
	StopReason StopReason   `json:"stop_reason"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL      string
	Host     string
	Depth    int
	MinDelay time.Duration
	// Scope, when set, bounds the hosts a redirect may land on.
	Scope *HostMatcher
}

// FetchResponse is the result returned by a Fetcher implementation. Body is
// nil when the response was not an HTML document.
type FetchResponse struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Headers     http.Header
	ContentType string
	HTML        bool
	Body        []byte
	Duration    time.Duration
}

// Document is the parsed form of an HTML page.
type Document struct {
	Title string
	Meta  map[string]string
	Text  string
	Links []string
}

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether no further transitions are expected.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// JobParameters captures per-job knobs requested by a client.
type JobParameters struct {
	StartURL        string            `json:"start_url"`
	MaxPages        int               `json:"max_pages"`
	MaxDepth        int               `json:"max_depth"`
	AllowedHosts    []string          `json:"allowed_hosts"`
	MinDelaySeconds float64           `json:"min_delay_seconds"`
	MaxConcurrency  int               `json:"max_concurrency"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// CrawlJob converts the parameters into an immutable crawl job.
func (p JobParameters) CrawlJob() CrawlJob {
	return CrawlJob{
		StartURL:       p.StartURL,
		MaxPages:       p.MaxPages,
		MaxDepth:       p.MaxDepth,
		AllowedHosts:   append([]string(nil), p.AllowedHosts...),
		MinDelay:       secondsToDuration(p.MinDelaySeconds),
		MaxConcurrency: p.MaxConcurrency,
	}
}

// Job represents the metadata persisted for each submitted crawl request.
type Job struct {
	ID         string        `json:"id"`
	Status     JobStatus     `json:"status"`
	Submitted  time.Time     `json:"submitted_at"`
	Started    *time.Time    `json:"started_at,omitempty"`
	Finished   *time.Time    `json:"finished_at,omitempty"`
	ErrorText  string        `json:"error_text,omitempty"`
	Parameters JobParameters `json:"parameters"`
	Counters   JobCounters   `json:"counters"`
}

// JobCounters tracks outcome counts per job.
type JobCounters struct {
	PagesSucceeded int `json:"pages_succeeded"`
	PagesFailed    int `json:"pages_failed"`
	RobotsDenied   int `json:"robots_denied"`
	Duplicates     int `json:"duplicates"`
	Rejected       int `json:"rejected"`
}

// CountersFromStats folds crawl statistics into persisted job counters.
func CountersFromStats(s Stats) JobCounters {
	return JobCounters{
		PagesSucceeded: s.Emitted,
		PagesFailed:    s.FetchErrors,
		RobotsDenied:   s.RobotsDenied,
		Duplicates:     s.Duplicates,
		Rejected:       s.Rejected,
	}
}

// PageRecord is persisted for each emitted page.
type PageRecord struct {
	JobID       string            `json:"job_id"`
	URL         string            `json:"url"`
	StatusCode  int               `json:"status_code"`
	Title       string            `json:"title"`
	Meta        map[string]string `json:"meta,omitempty"`
	Links       []string          `json:"links,omitempty"`
	Fingerprint string            `json:"content_fingerprint"`
	FetchedAt   time.Time         `json:"fetched_at"`
	Depth       int               `json:"depth"`
	BlobURI     string            `json:"blob_uri,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// JobResult is returned by the API result endpoint.
type JobResult struct {
	Job   Job          `json:"job"`
	Pages []PageRecord `json:"pages"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Params    JobParameters
	Attempt   int
	Submitted int64
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// JobCompletedEvent is published once a job reaches a terminal status.
type JobCompletedEvent struct {
	JobID      string            `json:"job_id"`
	Status     JobStatus         `json:"status"`
	StartURL   string            `json:"start_url"`
	StopReason StopReason        `json:"stop_reason,omitempty"`
	Counters   JobCounters       `json:"counters"`
	Pages      int               `json:"pages"`
	Error      string            `json:"error,omitempty"`
	FinishedAt time.Time         `json:"finished_at"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// EventAttributes returns routing attributes for message brokers.
func (e JobCompletedEvent) EventAttributes() map[string]string {
	return map[string]string{
		"job_id": e.JobID,
		"status": string(e.Status),
	}
}
