// Package app assembles the crawl kernel and the job service from a
// config.Config. It is the only place that picks concrete backends.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/safecrawl/internal/api"
	"github.com/InfinityXOneSystems/safecrawl/internal/clock/system"
	"github.com/InfinityXOneSystems/safecrawl/internal/config"
	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
	"github.com/InfinityXOneSystems/safecrawl/internal/dedup"
	"github.com/InfinityXOneSystems/safecrawl/internal/dispatcher"
	"github.com/InfinityXOneSystems/safecrawl/internal/extract"
	collyfetcher "github.com/InfinityXOneSystems/safecrawl/internal/fetcher/colly"
	"github.com/InfinityXOneSystems/safecrawl/internal/frontier"
	"github.com/InfinityXOneSystems/safecrawl/internal/guard"
	"github.com/InfinityXOneSystems/safecrawl/internal/id/uuid"
	"github.com/InfinityXOneSystems/safecrawl/internal/policy/ratelimit"
	"github.com/InfinityXOneSystems/safecrawl/internal/progress"
	"github.com/InfinityXOneSystems/safecrawl/internal/progress/sinks"
	memorypublisher "github.com/InfinityXOneSystems/safecrawl/internal/publisher/memory"
	pubsubpublisher "github.com/InfinityXOneSystems/safecrawl/internal/publisher/pubsub"
	memoryqueue "github.com/InfinityXOneSystems/safecrawl/internal/queue/memory"
	"github.com/InfinityXOneSystems/safecrawl/internal/robots"
	gcsstore "github.com/InfinityXOneSystems/safecrawl/internal/storage/gcs"
	localstore "github.com/InfinityXOneSystems/safecrawl/internal/storage/local"
	memorystore "github.com/InfinityXOneSystems/safecrawl/internal/storage/memory"
	"github.com/InfinityXOneSystems/safecrawl/internal/storage/postgres"
	"github.com/InfinityXOneSystems/safecrawl/internal/worker"
)

// App holds the long-lived services of a running crawl service.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	crawler    *frontier.Crawler
	jobStore   crawler.JobStore
	queue      *memoryqueue.Queue[crawler.QueueItem]
	dispatcher *dispatcher.Dispatcher
	workers    []dispatcher.Runner
	server     *api.Server
	closers    []func()
}

// NewCrawler builds the crawl kernel: allow-list guard, robots cache, rate
// limited colly fetcher, extractor and fingerprinter.
func NewCrawler(cfg config.Config, logger *zap.Logger) (*frontier.Crawler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g, err := guard.New(cfg.Crawler.AllowedHosts)
	if err != nil {
		return nil, fmt.Errorf("build guard: %w", err)
	}
	transport := guard.Transport(&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second})

	robotsTimeout := time.Duration(cfg.Crawler.RobotsTimeoutSeconds) * time.Second
	robotsCache := robots.New(robots.Config{
		UserAgent:   cfg.Crawler.UserAgent,
		Timeout:     robotsTimeout,
		NegativeTTL: time.Duration(cfg.Crawler.RobotsNegativeTTLSeconds) * time.Second,
		Client: &http.Client{
			Transport:     transport,
			CheckRedirect: g.CheckRedirect,
			Timeout:       robotsTimeout,
		},
	}, logger.Named("robots"))

	limiter := ratelimit.New()
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.HTTP.FetchTimeout(),
		MaxBodyBytes: cfg.Crawler.MaxBodyBytes,
		Transport:    transport,
		Redirects:    g,
	}, limiter)

	parser, err := extract.New(cfg.Crawler.BlockPatterns)
	if err != nil {
		return nil, fmt.Errorf("build extractor: %w", err)
	}
	hasher, err := dedup.HasherFor(cfg.Crawler.FingerprintAlgo)
	if err != nil {
		return nil, fmt.Errorf("build fingerprinter: %w", err)
	}

	return frontier.New(frontier.Config{
		DequeueTimeout:        time.Duration(cfg.Crawler.DequeueTimeoutMs) * time.Millisecond,
		IdleTimeout:           time.Duration(cfg.Crawler.IdleTimeoutSeconds) * time.Second,
		HarvestDuplicateLinks: cfg.Crawler.HarvestDuplicateLinks,
	}, frontier.Deps{
		Guard:         g,
		Robots:        robotsCache,
		Fetcher:       fetcher,
		Parser:        parser,
		Fingerprinter: dedup.NewFingerprinter(hasher),
		HostDelays:    limiter,
		Clock:         system.New(),
		Logger:        logger.Named("frontier"),
	})
}

// New builds every service of the crawl job API. Call Close when done.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	clock := system.New()
	var opts []api.Option

	kernel, err := NewCrawler(a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.crawler = kernel

	jobStore, ready, err := a.newJobStore(ctx, clock)
	if err != nil {
		return err
	}
	a.jobStore = jobStore
	if ready != nil {
		opts = append(opts, api.WithReadyCheck("database", ready))
	}

	blobStore, err := a.newBlobStore(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.newPublisher(ctx)
	if err != nil {
		return err
	}

	hub, err := a.newProgressHub()
	if err != nil {
		return err
	}

	a.queue = memoryqueue.NewQueue[crawler.QueueItem](a.cfg.Crawler.QueueDepth)
	a.dispatcher = dispatcher.New(a.queue, a.logger.Named("dispatcher"))
	for i := 0; i < a.cfg.Crawler.Workers; i++ {
		w, err := worker.New(worker.Config{
			ContentType: a.cfg.Storage.ContentType,
			BlobPrefix:  a.cfg.Storage.Prefix,
			Topic:       a.cfg.PubSub.TopicName,
		}, worker.Deps{
			Queue:     a.queue,
			Crawler:   kernel,
			JobStore:  jobStore,
			BlobStore: blobStore,
			Publisher: publisher,
			Tracker:   a.dispatcher,
			Progress:  hub,
			Clock:     clock,
			Logger:    a.logger.Named("worker").With(zap.Int("worker", i)),
		})
		if err != nil {
			return fmt.Errorf("build worker %d: %w", i, err)
		}
		a.workers = append(a.workers, w)
	}

	a.server = api.NewServer(jobStore, a.dispatcher, uuid.New(), clock, a.cfg, a.logger.Named("api"), opts...)
	return nil
}

func (a *App) newJobStore(ctx context.Context, clock crawler.Clock) (crawler.JobStore, api.ReadyCheck, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory job store")
		return memorystore.NewJobStore(clock), nil, nil
	}
	store, err := postgres.New(ctx, postgres.Config{DSN: a.cfg.DB.DSN, MaxConns: a.cfg.DB.MaxConns}, clock)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	a.logger.Info("using postgres job store")
	return store, store.Ping, nil
}

func (a *App) newBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageMemory:
		return memorystore.NewBlobStore(), nil
	case config.StorageLocal:
		store, err := localstore.New(localstore.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store: %w", err)
		}
		return store, nil
	case config.StorageGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("close gcs client", zap.Error(err))
			}
		})
		store, err := gcsstore.New(client, gcsstore.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("storage backend %q is not supported", a.cfg.Storage.Backend)
	}
}

func (a *App) newPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	publisher, err := pubsubpublisher.New(client, a.cfg.PubSub.TopicName)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub publisher: %w", err)
	}
	a.closers = append(a.closers, func() {
		publisher.Close()
		if err := client.Close(); err != nil {
			a.logger.Warn("close pubsub client", zap.Error(err))
		}
	})
	return publisher, nil
}

// newProgressHub returns nil when progress events are disabled.
func (a *App) newProgressHub() (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		return nil, nil
	}
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress metrics: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("progress")))
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
	}, a.logger.Named("progress"), sinkList...)
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Close(ctx); err != nil {
			a.logger.Warn("close progress hub", zap.Error(err))
		}
	})
	return hub, nil
}

// Crawler returns the crawl kernel.
func (a *App) Crawler() *frontier.Crawler {
	return a.crawler
}

// JobStore returns the configured job store.
func (a *App) JobStore() crawler.JobStore {
	return a.jobStore
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// ListenAndServe listens on the configured port and calls Serve.
func (a *App) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the workers and the HTTP API on ln until ctx ends, then shuts
// the server down and waits for the workers. Jobs still running at that point
// finish as canceled.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.dispatcher.Run(runCtx, a.workers)
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	timeout := time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown", zap.Error(err))
	}
	a.queue.Close()
	stop()
	<-workersDone
	a.logger.Info("server stopped")
	return runErr
}

// Close releases backend clients in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
