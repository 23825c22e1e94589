// Package worker runs queued crawl jobs and persists their output.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
	"github.com/InfinityXOneSystems/safecrawl/internal/metrics"
	"github.com/InfinityXOneSystems/safecrawl/internal/progress"
)

// Crawler runs one bounded crawl.
type Crawler interface {
	Crawl(ctx context.Context, job crawler.CrawlJob) (crawler.Result, error)
}

// Tracker hands out a per-job context that can be canceled from outside the
// worker. The returned release func must be called when the job ends.
type Tracker interface {
	Track(ctx context.Context, jobID string) (context.Context, func())
}

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
}

// Deps bundles the collaborators a Worker needs. Publisher, Tracker and
// Progress are optional.
type Deps struct {
	Queue     crawler.Queue
	Crawler   Crawler
	JobStore  crawler.JobStore
	BlobStore crawler.BlobStore
	Publisher crawler.Publisher
	Tracker   Tracker
	Progress  progress.Emitter
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Worker consumes queue items and executes crawl jobs one at a time.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	switch {
	case deps.Queue == nil:
		return nil, fmt.Errorf("worker: queue is required")
	case deps.Crawler == nil:
		return nil, fmt.Errorf("worker: crawler is required")
	case deps.JobStore == nil:
		return nil, fmt.Errorf("worker: job store is required")
	case deps.BlobStore == nil:
		return nil, fmt.Errorf("worker: blob store is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("worker: clock is required")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/plain; charset=utf-8"
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.Process(ctx, item)
	}
}

// Process runs a single job to a terminal status.
func (w *Worker) Process(ctx context.Context, item crawler.QueueItem) crawler.JobStatus {
	jobCtx, release := w.track(ctx, item.JobID)
	defer release()

	// Bookkeeping must land even when the crawl itself was canceled.
	storeCtx := context.WithoutCancel(ctx)
	logger := w.logger.With(zap.String("job_id", item.JobID), zap.String("start_url", item.Params.StartURL))

	started := w.deps.Clock.Now()
	if jobCtx.Err() != nil {
		w.finish(storeCtx, logger, item, started, crawler.JobStatusCanceled, "canceled before start", crawler.Result{})
		return crawler.JobStatusCanceled
	}
	if err := w.deps.JobStore.UpdateJobStatus(storeCtx, item.JobID, crawler.JobStatusRunning, "", crawler.JobCounters{}); err != nil {
		logger.Error("update job status failed", zap.Error(err))
		errText := fmt.Sprintf("mark running: %v", err)
		w.finish(storeCtx, logger, item, started, crawler.JobStatusFailed, errText, crawler.Result{})
		return crawler.JobStatusFailed
	}
	logger.Info("job started")
	w.emit(progress.Event{JobID: item.JobID, Stage: progress.StageJobStart, URL: item.Params.StartURL})

	result, crawlErr := w.crawl(jobCtx, logger, item)
	persistErr := w.persist(storeCtx, logger, item.JobID, result)

	status, errText := classify(jobCtx, result, crawlErr, persistErr)
	w.finish(storeCtx, logger, item, started, status, errText, result)
	return status
}

// crawl runs the job's crawl, turning a panic into an error so one bad job
// cannot take the worker down.
func (w *Worker) crawl(ctx context.Context, logger *zap.Logger, item crawler.QueueItem) (result crawler.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("crawl panicked", zap.Any("panic", rec), zap.Stack("stack"))
			result, err = crawler.Result{}, fmt.Errorf("crawl panicked: %v", rec)
		}
	}()
	return w.deps.Crawler.Crawl(ctx, item.Params.CrawlJob())
}

func (w *Worker) track(ctx context.Context, jobID string) (context.Context, func()) {
	if w.deps.Tracker == nil {
		return ctx, func() {}
	}
	return w.deps.Tracker.Track(ctx, jobID)
}

// classify maps a crawl outcome onto a terminal job status. Configuration and
// seed validation problems fail the job; a canceled crawl is canceled; any
// other stop, including a small site that drained early, succeeds.
func classify(jobCtx context.Context, result crawler.Result, crawlErr, persistErr error) (crawler.JobStatus, string) {
	switch {
	case crawlErr != nil && (crawler.IsValidation(crawlErr) ||
		errors.Is(crawlErr, crawler.ErrInvalidJob) ||
		errors.Is(crawlErr, crawler.ErrEmptyAllowList)):
		return crawler.JobStatusFailed, crawlErr.Error()
	case result.StopReason == crawler.StopCanceled || jobCtx.Err() != nil:
		return crawler.JobStatusCanceled, "crawl canceled"
	case crawlErr != nil:
		return crawler.JobStatusFailed, crawlErr.Error()
	case persistErr != nil:
		return crawler.JobStatusFailed, persistErr.Error()
	default:
		return crawler.JobStatusSucceeded, ""
	}
}

func (w *Worker) persist(ctx context.Context, logger *zap.Logger, jobID string, result crawler.Result) error {
	var errs []error
	for i, page := range result.Pages {
		if err := w.persistPage(ctx, jobID, i, page); err != nil {
			logger.Error("persist page failed", zap.String("url", page.URL), zap.Error(err))
			errs = append(errs, err)
		}
	}
	for _, failure := range result.Failures {
		if err := w.deps.JobStore.RecordPage(ctx, pageRecord(jobID, failure, "")); err != nil {
			logger.Error("record failure failed", zap.String("url", failure.URL), zap.Error(err))
			errs = append(errs, fmt.Errorf("record failure: %w", err))
			continue
		}
		w.emit(pageEvent(jobID, progress.StagePageFailed, failure))
	}
	if len(errs) > 0 {
		return fmt.Errorf("persist pages: %w", errors.Join(errs...))
	}
	return nil
}

func (w *Worker) persistPage(ctx context.Context, jobID string, index int, page crawler.PageResult) error {
	path := w.blobPath(jobID, index, page.Fingerprint)
	uri, err := w.deps.BlobStore.PutObject(ctx, path, w.cfg.ContentType, strings.NewReader(page.Text))
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	if err := w.deps.JobStore.RecordPage(ctx, pageRecord(jobID, page, uri)); err != nil {
		return fmt.Errorf("record page: %w", err)
	}
	w.emit(pageEvent(jobID, progress.StagePageStored, page))
	return nil
}

func pageEvent(jobID string, stage progress.Stage, page crawler.PageResult) progress.Event {
	return progress.Event{
		JobID:      jobID,
		Stage:      stage,
		Host:       crawler.Hostname(page.URL),
		URL:        page.URL,
		StatusCode: page.StatusCode,
		Bytes:      int64(len(page.Text)),
		Note:       page.Error,
	}
}

// emit stamps evt and hands it to the progress hub, if any.
func (w *Worker) emit(evt progress.Event) {
	if w.deps.Progress == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = w.deps.Clock.Now()
	}
	w.deps.Progress.Emit(evt)
}

func (w *Worker) blobPath(jobID string, index int, fingerprint string) string {
	name := fingerprint
	if name == "" {
		name = fmt.Sprintf("%05d", index)
	}
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.txt", jobID, name)
	}
	return fmt.Sprintf("%s/%s/%s.txt", prefix, jobID, name)
}

func pageRecord(jobID string, page crawler.PageResult, blobURI string) crawler.PageRecord {
	return crawler.PageRecord{
		JobID:       jobID,
		URL:         page.URL,
		StatusCode:  page.StatusCode,
		Title:       page.Title,
		Meta:        page.Meta,
		Links:       page.Links,
		Fingerprint: page.Fingerprint,
		FetchedAt:   page.FetchedAt,
		Depth:       page.Depth,
		BlobURI:     blobURI,
		Error:       page.Error,
	}
}

func (w *Worker) finish(
	ctx context.Context,
	logger *zap.Logger,
	item crawler.QueueItem,
	started time.Time,
	status crawler.JobStatus,
	errText string,
	result crawler.Result,
) {
	counters := crawler.CountersFromStats(result.Stats)
	metrics.ObserveJob(string(status))
	if err := w.deps.JobStore.UpdateJobStatus(ctx, item.JobID, status, errText, counters); err != nil {
		logger.Error("final job status update failed", zap.Error(err))
		return
	}
	logger.Info("job finished",
		zap.String("status", string(status)),
		zap.String("stop_reason", string(result.StopReason)),
		zap.Int("pages", len(result.Pages)),
		zap.Int("failures", len(result.Failures)),
		zap.String("error", errText),
	)
	now := w.deps.Clock.Now()
	w.emit(progress.Event{
		JobID:  item.JobID,
		TS:     now,
		Stage:  progress.StageJobEnd,
		Status: status,
		Dur:    max(now.Sub(started), 0),
		Note:   errText,
	})
	w.publish(ctx, logger, item, status, errText, result, counters)
}

func (w *Worker) publish(
	ctx context.Context,
	logger *zap.Logger,
	item crawler.QueueItem,
	status crawler.JobStatus,
	errText string,
	result crawler.Result,
	counters crawler.JobCounters,
) {
	if w.deps.Publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := crawler.JobCompletedEvent{
		JobID:      item.JobID,
		Status:     status,
		StartURL:   item.Params.StartURL,
		StopReason: result.StopReason,
		Counters:   counters,
		Pages:      len(result.Pages),
		Error:      errText,
		FinishedAt: w.deps.Clock.Now(),
		Tags:       item.Params.Tags,
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		logger.Error("publish completion failed", zap.String("topic", w.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("completion published", zap.String("topic", w.cfg.Topic), zap.String("message_id", id))
}
