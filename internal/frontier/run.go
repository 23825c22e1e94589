package frontier

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
	"github.com/InfinityXOneSystems/safecrawl/internal/dedup"
	"github.com/InfinityXOneSystems/safecrawl/internal/queue/memory"
)

// run is the state of one Crawl call. mu guards every field below it.
type run struct {
	ctx    context.Context
	c      *Crawler
	job    crawler.CrawlJob
	scope  *crawler.HostMatcher
	queue  *memory.Queue[crawler.FrontierEntry]
	prints *dedup.Set
	logger *zap.Logger

	// stopCtx ends blocked dequeues once the run is over.
	stopCtx    context.Context
	stopCancel context.CancelFunc

	mu           sync.Mutex
	seen         map[string]struct{}
	visited      map[string]struct{}
	pending      int
	inflight     int
	pages        []crawler.PageResult
	failures     []crawler.PageResult
	stats        crawler.Stats
	stopReason   crawler.StopReason
	lastActivity time.Time
}

func newRun(ctx context.Context, c *Crawler, job crawler.CrawlJob, scope *crawler.HostMatcher) *run {
	stopCtx, stopCancel := context.WithCancel(ctx)
	return &run{
		ctx:          ctx,
		c:            c,
		job:          job,
		scope:        scope,
		// CrawlJob.Validate caps MaxPages, which bounds this buffer.
		queue:        memory.NewQueue[crawler.FrontierEntry](job.MaxPages + 1),
		prints:       dedup.NewSet(),
		logger:       c.deps.Logger,
		stopCtx:      stopCtx,
		stopCancel:   stopCancel,
		seen:         make(map[string]struct{}),
		visited:      make(map[string]struct{}),
		pages:        make([]crawler.PageResult, 0),
		lastActivity: c.deps.Clock.Now(),
	}
}

func (r *run) seed(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[url] = struct{}{}
	r.pending++
	_ = r.queue.TryEnqueue(crawler.FrontierEntry{URL: url, Depth: 0})
}

// work is the worker loop. It returns the cancellation cause when ctx ends
// the run and nil for every other stop.
func (r *run) work(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			r.stop(crawler.StopCanceled)
			return context.Cause(ctx)
		}
		if r.stopped() {
			return nil
		}
		entry, err := r.queue.DequeueTimeout(r.stopCtx, r.c.cfg.DequeueTimeout)
		if err != nil {
			if errors.Is(err, memory.ErrTimeout) {
				r.checkIdle()
				continue
			}
			if ctx.Err() != nil {
				r.stop(crawler.StopCanceled)
				return context.Cause(ctx)
			}
			return nil
		}
		if !r.begin(entry) {
			continue
		}
		r.process(ctx, entry)
		r.finish()
	}
}

// begin marks entry visited before any I/O. It returns false when the entry
// must not be processed.
func (r *run) begin(entry crawler.FrontierEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
	r.lastActivity = r.c.deps.Clock.Now()
	if r.stopReason != "" {
		return false
	}
	r.stats.Dequeued++
	if _, ok := r.visited[entry.URL]; ok {
		r.stats.AlreadyVisited++
		r.drainedLocked()
		return false
	}
	r.visited[entry.URL] = struct{}{}
	r.inflight++
	return true
}

func (r *run) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight--
	r.lastActivity = r.c.deps.Clock.Now()
	r.drainedLocked()
}

func (r *run) drainedLocked() {
	if r.pending == 0 && r.inflight == 0 {
		r.stopLocked(crawler.StopDrained)
	}
}

// checkIdle stops a run that has been waiting on the queue for IdleTimeout.
// Active fetches keep the run alive however long they take.
func (r *run) checkIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == 0 && r.inflight == 0 {
		r.stopLocked(crawler.StopDrained)
		return
	}
	if r.inflight > 0 {
		return
	}
	idle := r.c.cfg.IdleTimeout
	if idle > 0 && r.c.deps.Clock.Now().Sub(r.lastActivity) >= idle {
		r.stopLocked(crawler.StopIdleTimeout)
	}
}

func (r *run) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopReason != ""
}

func (r *run) stop(reason crawler.StopReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(reason)
}

func (r *run) stopLocked(reason crawler.StopReason) {
	if r.stopReason != "" {
		return
	}
	if reason != crawler.StopMaxPages && r.ctx.Err() != nil {
		reason = crawler.StopCanceled
	}
	r.stopReason = reason
	r.stopCancel()
	r.queue.Close()
}

func (r *run) result() crawler.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopCancel()
	pages := make([]crawler.PageResult, len(r.pages))
	copy(pages, r.pages)
	return crawler.Result{
		Pages:      pages,
		Failures:   append([]crawler.PageResult(nil), r.failures...),
		Stats:      r.stats,
		StopReason: r.stopReason,
	}
}
