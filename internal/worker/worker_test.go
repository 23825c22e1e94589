package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/InfinityXOneSystems/safecrawl/internal/clock/system"
	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
	"github.com/InfinityXOneSystems/safecrawl/internal/progress"
	pubmemory "github.com/InfinityXOneSystems/safecrawl/internal/publisher/memory"
	"github.com/InfinityXOneSystems/safecrawl/internal/queue/memory"
	storememory "github.com/InfinityXOneSystems/safecrawl/internal/storage/memory"
)

type fakeCrawler struct {
	calls  atomic.Int32
	result crawler.Result
	err    error
	// waitForCancel makes Crawl block until ctx ends.
	waitForCancel bool
}

func (f *fakeCrawler) Crawl(ctx context.Context, _ crawler.CrawlJob) (crawler.Result, error) {
	f.calls.Add(1)
	if f.waitForCancel {
		<-ctx.Done()
		return crawler.Result{StopReason: crawler.StopCanceled, Pages: f.result.Pages},
			fmt.Errorf("crawl canceled: %w", context.Cause(ctx))
	}
	return f.result, f.err
}

type failingBlobStore struct{}

func (failingBlobStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

type cancelTracker struct {
	cancelFirst bool
	canceled    chan string
}

func (c *cancelTracker) Track(ctx context.Context, jobID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	if c.cancelFirst {
		cancel()
	} else {
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
			if c.canceled != nil {
				c.canceled <- jobID
			}
		}()
	}
	return ctx, cancel
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

type harness struct {
	jobs      *storememory.JobStore
	blobs     *storememory.BlobStore
	publisher *pubmemory.Publisher
	queue     *memory.Queue[crawler.QueueItem]
	clock     *system.Manual
	progress  *recordingEmitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := system.NewManual(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	return &harness{
		jobs:      storememory.NewJobStore(clock),
		blobs:     storememory.NewBlobStore(),
		publisher: pubmemory.New(),
		queue:     memory.NewQueue[crawler.QueueItem](4),
		clock:     clock,
		progress:  &recordingEmitter{},
	}
}

func (h *harness) worker(t *testing.T, c Crawler, blobs crawler.BlobStore, tracker Tracker) *Worker {
	t.Helper()
	if blobs == nil {
		blobs = h.blobs
	}
	w, err := New(Config{BlobPrefix: "/text/", Topic: "crawl-completed"}, Deps{
		Queue:     h.queue,
		Crawler:   c,
		JobStore:  h.jobs,
		BlobStore: blobs,
		Publisher: h.publisher,
		Tracker:   tracker,
		Progress:  h.progress,
		Clock:     h.clock,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return w
}

func (h *harness) item(t *testing.T, id string) crawler.QueueItem {
	t.Helper()
	params := crawler.JobParameters{
		StartURL:       "https://example.com/",
		MaxPages:       5,
		MaxDepth:       1,
		AllowedHosts:   []string{"example.com"},
		MaxConcurrency: 2,
		Tags:           map[string]string{"team": "search"},
	}
	require.NoError(t, h.jobs.CreateJob(context.Background(), crawler.Job{
		ID:         id,
		Status:     crawler.JobStatusQueued,
		Submitted:  h.clock.Now(),
		Parameters: params,
	}))
	return crawler.QueueItem{JobID: id, Params: params}
}

func TestProcessPersistsPagesAndPublishes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	fc := &fakeCrawler{result: crawler.Result{
		Pages: []crawler.PageResult{
			{URL: "https://example.com/", StatusCode: 200, Title: "Home", Text: "home text", Fingerprint: "f1"},
			{URL: "https://example.com/a", StatusCode: 200, Title: "A", Text: "a text", Fingerprint: "f2", Depth: 1},
		},
		Failures: []crawler.PageResult{
			{URL: "https://example.com/b", StatusCode: 500, Depth: 1, Error: "status 500"},
		},
		Stats:      crawler.Stats{Emitted: 2, FetchErrors: 1, Duplicates: 1},
		StopReason: crawler.StopDrained,
	}}
	w := h.worker(t, fc, nil, nil)

	status := w.Process(context.Background(), h.item(t, "job-1"))
	require.Equal(t, crawler.JobStatusSucceeded, status)

	job, err := h.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusSucceeded, job.Status)
	require.Empty(t, job.ErrorText)
	require.NotNil(t, job.Started)
	require.NotNil(t, job.Finished)
	require.Equal(t, crawler.JobCounters{PagesSucceeded: 2, PagesFailed: 1, Duplicates: 1}, job.Counters)

	pages, err := h.jobs.ListPages(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, pages, 3)
	require.Equal(t, "memory://text/job-1/f1.txt", pages[0].BlobURI)
	require.Equal(t, "Home", pages[0].Title)
	require.Empty(t, pages[2].BlobURI)
	require.Equal(t, "status 500", pages[2].Error)

	body, ok := h.blobs.Get("text/job-1/f2.txt")
	require.True(t, ok)
	require.Equal(t, "a text", string(body))

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "crawl-completed", msgs[0].Topic)
	event, ok := msgs[0].Payload.(crawler.JobCompletedEvent)
	require.True(t, ok)
	require.Equal(t, crawler.JobStatusSucceeded, event.Status)
	require.Equal(t, 2, event.Pages)
	require.Equal(t, crawler.StopDrained, event.StopReason)
	require.Equal(t, "search", event.Tags["team"])

	require.Equal(t, []progress.Stage{
		progress.StageJobStart,
		progress.StagePageStored,
		progress.StagePageStored,
		progress.StagePageFailed,
		progress.StageJobEnd,
	}, h.progress.Stages())
	for _, evt := range h.progress.events {
		require.NoError(t, evt.Validate())
	}
	stored := h.progress.events[1]
	require.Equal(t, "example.com", stored.Host)
	require.Equal(t, int64(len("home text")), stored.Bytes)
	require.Equal(t, crawler.JobStatusSucceeded, h.progress.events[4].Status)
}

func TestProcessSmallSiteSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	w := h.worker(t, &fakeCrawler{result: crawler.Result{StopReason: crawler.StopDrained}}, nil, nil)
	require.Equal(t, crawler.JobStatusSucceeded, w.Process(context.Background(), h.item(t, "job-small")))
}

func TestProcessValidationErrorFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	seedErr := fmt.Errorf("seed rejected: %w",
		crawler.NewValidationError("http://10.0.0.1/", crawler.ReasonNotAllowed, nil))
	w := h.worker(t, &fakeCrawler{err: seedErr}, nil, nil)

	require.Equal(t, crawler.JobStatusFailed, w.Process(context.Background(), h.item(t, "job-bad")))
	job, err := h.jobs.GetJob(context.Background(), "job-bad")
	require.NoError(t, err)
	require.Contains(t, job.ErrorText, "not_allowed")

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Contains(t, string(msgs[0].Data), `"status":"failed"`)
}

func TestProcessCancelMidCrawl(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	fc := &fakeCrawler{
		waitForCancel: true,
		result: crawler.Result{Pages: []crawler.PageResult{
			{URL: "https://example.com/", StatusCode: 200, Text: "partial", Fingerprint: "p1"},
		}},
	}
	tracker := &cancelTracker{canceled: make(chan string, 1)}
	w := h.worker(t, fc, nil, tracker)

	require.Equal(t, crawler.JobStatusCanceled, w.Process(context.Background(), h.item(t, "job-cancel")))
	require.Equal(t, "job-cancel", <-tracker.canceled)

	job, err := h.jobs.GetJob(context.Background(), "job-cancel")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCanceled, job.Status)

	pages, err := h.jobs.ListPages(context.Background(), "job-cancel")
	require.NoError(t, err)
	require.Len(t, pages, 1, "pages emitted before cancellation are kept")
}

func TestProcessCanceledBeforeStartSkipsCrawl(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	fc := &fakeCrawler{}
	w := h.worker(t, fc, nil, &cancelTracker{cancelFirst: true})

	require.Equal(t, crawler.JobStatusCanceled, w.Process(context.Background(), h.item(t, "job-early")))
	require.Zero(t, fc.calls.Load())
	job, err := h.jobs.GetJob(context.Background(), "job-early")
	require.NoError(t, err)
	require.Nil(t, job.Started)
	require.NotNil(t, job.Finished)
	require.Equal(t, []progress.Stage{progress.StageJobEnd}, h.progress.Stages())
}

// runningFailsStore rejects the transition to running and accepts the rest.
type runningFailsStore struct {
	*storememory.JobStore
}

func (s runningFailsStore) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
) error {
	if status == crawler.JobStatusRunning {
		return errors.New("database unavailable")
	}
	return s.JobStore.UpdateJobStatus(ctx, jobID, status, errText, counters)
}

func TestProcessRunningUpdateFailureFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	fc := &fakeCrawler{}
	w, err := New(Config{}, Deps{
		Queue:     h.queue,
		Crawler:   fc,
		JobStore:  runningFailsStore{JobStore: h.jobs},
		BlobStore: h.blobs,
		Progress:  h.progress,
		Clock:     h.clock,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	require.Equal(t, crawler.JobStatusFailed, w.Process(context.Background(), h.item(t, "job-store-down")))
	require.Zero(t, fc.calls.Load())

	job, err := h.jobs.GetJob(context.Background(), "job-store-down")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "database unavailable")
	require.Equal(t, []progress.Stage{progress.StageJobEnd}, h.progress.Stages())
}

type panickingCrawler struct{}

func (panickingCrawler) Crawl(context.Context, crawler.CrawlJob) (crawler.Result, error) {
	panic("makechan: size out of range")
}

func TestProcessCrawlPanicFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	w := h.worker(t, panickingCrawler{}, nil, nil)

	var status crawler.JobStatus
	require.NotPanics(t, func() {
		status = w.Process(context.Background(), h.item(t, "job-panic"))
	})
	require.Equal(t, crawler.JobStatusFailed, status)

	job, err := h.jobs.GetJob(context.Background(), "job-panic")
	require.NoError(t, err)
	require.Contains(t, job.ErrorText, "crawl panicked")
}

func TestProcessBlobFailureFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	fc := &fakeCrawler{result: crawler.Result{
		Pages:      []crawler.PageResult{{URL: "https://example.com/", Text: "x", Fingerprint: "f"}},
		StopReason: crawler.StopDrained,
	}}
	w := h.worker(t, fc, failingBlobStore{}, nil)

	require.Equal(t, crawler.JobStatusFailed, w.Process(context.Background(), h.item(t, "job-blob")))
	job, err := h.jobs.GetJob(context.Background(), "job-blob")
	require.NoError(t, err)
	require.True(t, strings.Contains(job.ErrorText, "bucket unavailable"), job.ErrorText)
}

func TestRunStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	fc := &fakeCrawler{result: crawler.Result{StopReason: crawler.StopDrained}}
	w := h.worker(t, fc, nil, nil)

	require.NoError(t, h.queue.Enqueue(context.Background(), h.item(t, "job-a")))
	require.NoError(t, h.queue.Enqueue(context.Background(), h.item(t, "job-b")))
	h.queue.Close()

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after queue close")
	}
	require.EqualValues(t, 2, fc.calls.Load())
	for _, id := range []string{"job-a", "job-b"} {
		job, err := h.jobs.GetJob(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, crawler.JobStatusSucceeded, job.Status)
	}
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
