// Package robots caches robots.txt policies per origin and fails closed when a
// policy cannot be obtained.
package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
	"github.com/InfinityXOneSystems/safecrawl/internal/metrics"
)

const maxRobotsBytes = 512 << 10

// Config controls robots fetching.
type Config struct {
	UserAgent string
	// Timeout bounds a single robots.txt fetch. Defaults to 5s.
	Timeout time.Duration
	// NegativeTTL lets a deny-all entry expire. Zero keeps it for the
	// lifetime of the cache.
	NegativeTTL time.Duration
	// Client performs the fetch. Production callers pass a client built on
	// the guard transport.
	Client *http.Client
}

// Cache implements crawler.RobotsPolicy and crawler.CrawlDelayer.
type Cache struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// entry is ready once done is closed; data is nil for a negative entry.
type entry struct {
	done      chan struct{}
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

var (
	_ crawler.RobotsPolicy = (*Cache)(nil)
	_ crawler.CrawlDelayer = (*Cache)(nil)
)

// New builds a Cache.
func New(cfg Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Cache{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Allowed reports whether the configured user agent may fetch rawURL. Any
// failure to obtain the policy resolves to false.
func (c *Cache) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	e, hit := c.lookup(u)
	select {
	case <-e.done:
	case <-ctx.Done():
		return false
	}
	allowed := e.data != nil && e.data.TestAgent(u.RequestURI(), c.cfg.UserAgent)
	cache := "miss"
	if hit {
		cache = "hit"
	}
	metrics.ObserveRobots(cache, allowed)
	return allowed
}

// CrawlDelay returns the Crawl-delay that applies to the configured user
// agent on rawURL's origin. It never triggers a fetch.
func (c *Cache) CrawlDelay(rawURL string) (time.Duration, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return 0, false
	}
	c.mu.Lock()
	e, ok := c.entries[originKey(u)]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}
	select {
	case <-e.done:
	default:
		return 0, false
	}
	if e.data == nil {
		return 0, false
	}
	group := e.data.FindGroup(c.cfg.UserAgent)
	if group == nil || group.CrawlDelay <= 0 {
		return 0, false
	}
	return group.CrawlDelay, true
}

// lookup returns the entry for u's origin, starting a fetch when none exists
// or an expired negative entry must be replaced. Concurrent callers share the
// same entry and therefore the same fetch.
func (c *Cache) lookup(u *url.URL) (*entry, bool) {
	key := originKey(u)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !c.expired(e) {
		return e, true
	}
	e := &entry{done: make(chan struct{})}
	c.entries[key] = e
	go c.fill(e, u)
	return e, false
}

func (c *Cache) expired(e *entry) bool {
	if c.cfg.NegativeTTL <= 0 {
		return false
	}
	select {
	case <-e.done:
	default:
		return false
	}
	return e.data == nil && c.now().Sub(e.fetchedAt) >= c.cfg.NegativeTTL
}

// fill runs detached from any single caller so that a canceled job cannot
// poison the shared entry.
func (c *Cache) fill(e *entry, u *url.URL) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	data, err := c.fetch(ctx, u)
	if err != nil {
		c.logger.Info("robots unavailable; denying origin",
			zap.String("origin", originKey(u)),
			zap.Error(err),
		)
	}
	e.data = data
	e.fetchedAt = c.now()
	close(e.done)
}

func (c *Cache) fetch(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: strings.ToLower(u.Scheme), Host: u.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch robots: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	if data == nil {
		return nil, errors.New("parse robots: empty result")
	}
	return data, nil
}

func originKey(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := crawler.CanonicalHost(u.Hostname())
	port := u.Port()
	switch {
	case port == "",
		scheme == "http" && port == "80",
		scheme == "https" && port == "443":
		return scheme + "://" + host
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}
