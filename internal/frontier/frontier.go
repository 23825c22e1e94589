// Package frontier runs a bounded, concurrent, breadth-first crawl of a
// single job.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/InfinityXOneSystems/safecrawl/internal/clock/system"
	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
	"github.com/InfinityXOneSystems/safecrawl/internal/dedup"
)

// Config tunes worker behavior.
type Config struct {
	// DequeueTimeout bounds each poll of the queue. Defaults to 250ms.
	DequeueTimeout time.Duration
	// IdleTimeout ends a run when no fetch is in flight and nothing was
	// dequeued for this long. Zero disables the check.
	IdleTimeout time.Duration
	// HarvestDuplicateLinks enqueues the links of pages whose content was
	// already emitted.
	HarvestDuplicateLinks bool
}

// Deps are the collaborators used by every run.
type Deps struct {
	Guard         crawler.URLValidator
	Robots        crawler.RobotsPolicy
	Fetcher       crawler.Fetcher
	Parser        crawler.Parser
	Fingerprinter *dedup.Fingerprinter
	// HostDelays receives robots Crawl-delay values when Robots implements
	// crawler.CrawlDelayer.
	HostDelays crawler.HostDelaySetter
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// Crawler executes crawl jobs. One Crawler may run many jobs concurrently;
// each Crawl call owns its own state.
type Crawler struct {
	cfg  Config
	deps Deps
}

// New validates the dependencies and returns a Crawler.
func New(cfg Config, deps Deps) (*Crawler, error) {
	switch {
	case deps.Guard == nil:
		return nil, errors.New("frontier: guard is required")
	case deps.Robots == nil:
		return nil, errors.New("frontier: robots policy is required")
	case deps.Fetcher == nil:
		return nil, errors.New("frontier: fetcher is required")
	case deps.Parser == nil:
		return nil, errors.New("frontier: parser is required")
	}
	if deps.Fingerprinter == nil {
		deps.Fingerprinter = dedup.NewFingerprinter(nil)
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 250 * time.Millisecond
	}
	return &Crawler{cfg: cfg, deps: deps}, nil
}

// Crawl runs job to completion. Validation failures of the job or its seed
// are returned before any fetch. When ctx ends first, the partial Result is
// returned together with the context error.
func (c *Crawler) Crawl(ctx context.Context, job crawler.CrawlJob) (crawler.Result, error) {
	if err := job.Validate(); err != nil {
		return crawler.Result{}, err
	}
	seed, scope, err := c.admitSeed(ctx, job)
	if err != nil {
		return crawler.Result{}, err
	}

	r := newRun(ctx, c, job, scope)
	r.seed(seed)

	logger := c.deps.Logger.With(zap.String("seed", seed))
	logger.Info("Crawl started",
		zap.Int("max_pages", job.MaxPages),
		zap.Int("max_depth", job.MaxDepth),
		zap.Int("max_concurrency", job.MaxConcurrency),
		zap.Strings("scope", scope.Entries()),
	)

	var g errgroup.Group
	for range job.MaxConcurrency {
		g.Go(func() error {
			return r.work(ctx)
		})
	}
	waitErr := g.Wait()

	result := r.result()
	logger.Info("Crawl finished",
		zap.String("stop_reason", string(result.StopReason)),
		zap.Int("pages", len(result.Pages)),
		zap.Int("failures", len(result.Failures)),
		zap.Any("stats", result.Stats),
	)
	if result.StopReason == crawler.StopCanceled {
		if waitErr == nil {
			waitErr = context.Cause(ctx)
		}
		return result, fmt.Errorf("crawl canceled: %w", waitErr)
	}
	return result, nil
}

// admitSeed normalizes and validates the seed and resolves the job scope.
func (c *Crawler) admitSeed(ctx context.Context, job crawler.CrawlJob) (string, *crawler.HostMatcher, error) {
	seed, err := crawler.NormalizeURL(job.StartURL)
	if err != nil {
		return "", nil, crawler.NewValidationError(job.StartURL, crawler.ReasonParse, err)
	}
	seedHost := crawler.Hostname(seed)
	hosts := job.AllowedHosts
	if len(hosts) == 0 {
		hosts = []string{seedHost}
	}
	scope := crawler.NewHostMatcher(c.deps.Guard.FilterAllowed(hosts))
	if scope == nil {
		return "", nil, crawler.NewValidationError(job.StartURL, crawler.ReasonScope,
			errors.New("no requested host is allow-listed"))
	}
	if !scope.Matches(seedHost) {
		return "", nil, crawler.NewValidationError(job.StartURL, crawler.ReasonScope,
			fmt.Errorf("seed host %q is outside the job scope", seedHost))
	}
	if _, err := c.deps.Guard.Validate(ctx, seed); err != nil {
		return "", nil, fmt.Errorf("seed rejected: %w", err)
	}
	return seed, scope, nil
}
