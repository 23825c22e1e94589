// Package ratelimit spaces requests to the same host by a minimum delay.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
	"github.com/InfinityXOneSystems/safecrawl/internal/metrics"
)

// Limiter manages per-host request spacing. It is shared across crawl jobs.
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*hostLimiter
	hostDelay map[string]time.Duration
}

type hostLimiter struct {
	limiter *rate.Limiter
	delay   time.Duration
}

// New creates a new Limiter.
func New() *Limiter {
	return &Limiter{
		limiters:  make(map[string]*hostLimiter),
		hostDelay: make(map[string]time.Duration),
	}
}

var (
	_ crawler.RateLimiter     = (*Limiter)(nil)
	_ crawler.HostDelaySetter = (*Limiter)(nil)
)

// SetHostDelay raises the spacing for host to at least d, typically from a
// robots.txt Crawl-delay.
func (l *Limiter) SetHostDelay(host string, d time.Duration) {
	host = crawler.CanonicalHost(host)
	l.mu.Lock()
	defer l.mu.Unlock()
	if d > l.hostDelay[host] {
		l.hostDelay[host] = d
	}
}

// Wait reserves the next slot for host and blocks until it arrives. The slot
// stays consumed even if the caller's fetch later fails. Wait only returns an
// error when ctx ends first.
func (l *Limiter) Wait(ctx context.Context, host string, minDelay time.Duration) error {
	host = crawler.CanonicalHost(host)
	r := l.reserve(host, minDelay)
	if r == nil {
		return nil
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	start := time.Now()
	select {
	case <-timer.C:
		metrics.ObserveRateLimitDelay(time.Since(start))
		return nil
	case <-ctx.Done():
		r.Cancel()
		return fmt.Errorf("rate limit wait for %s: %w", host, ctx.Err())
	}
}

func (l *Limiter) reserve(host string, minDelay time.Duration) *rate.Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	delay := max(minDelay, l.hostDelay[host])
	if delay <= 0 {
		return nil
	}
	hl, ok := l.limiters[host]
	switch {
	case !ok:
		hl = &hostLimiter{limiter: rate.NewLimiter(rate.Every(delay), 1), delay: delay}
		l.limiters[host] = hl
	case hl.delay != delay:
		hl.limiter.SetLimit(rate.Every(delay))
		hl.delay = delay
	}
	return hl.limiter.Reserve()
}
