// Package dispatcher fans queued jobs out to workers and lets callers cancel
// jobs that are queued or running.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
)

// ErrJobCanceled is the cancellation cause for jobs stopped through Cancel.
var ErrJobCanceled = errors.New("job canceled by request")

// Runner is a worker loop that returns when ctx ends or the queue closes.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher owns the job queue and the cancel registry.
type Dispatcher struct {
	queue  crawler.Queue
	logger *zap.Logger

	mu       sync.Mutex
	running  map[string]context.CancelCauseFunc
	canceled map[string]struct{}
}

// New creates a Dispatcher over queue.
func New(queue crawler.Queue, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    queue,
		logger:   logger,
		running:  make(map[string]context.CancelCauseFunc),
		canceled: make(map[string]struct{}),
	}
}

// Run starts every worker and blocks until all of them return.
func (d *Dispatcher) Run(ctx context.Context, workers []Runner) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(workers)))
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Track registers a cancelable context for jobID. A job canceled while still
// queued gets an already-canceled context.
func (d *Dispatcher) Track(ctx context.Context, jobID string) (context.Context, func()) {
	jobCtx, cancel := context.WithCancelCause(ctx)

	d.mu.Lock()
	if _, ok := d.canceled[jobID]; ok {
		delete(d.canceled, jobID)
		cancel(ErrJobCanceled)
	} else {
		d.running[jobID] = cancel
	}
	d.mu.Unlock()

	return jobCtx, func() {
		d.mu.Lock()
		delete(d.running, jobID)
		d.mu.Unlock()
		cancel(nil)
	}
}

// Cancel stops a running job and reports whether it was running. Jobs not yet
// picked up are remembered and canceled as soon as a worker tracks them.
func (d *Dispatcher) Cancel(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cancel, ok := d.running[jobID]; ok {
		cancel(ErrJobCanceled)
		d.logger.Info("running job canceled", zap.String("job_id", jobID))
		return true
	}
	d.canceled[jobID] = struct{}{}
	return false
}

// Running reports how many jobs are currently tracked.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}
