package frontier

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
	"github.com/InfinityXOneSystems/safecrawl/internal/metrics"
)

// process handles one visited entry: robots, fetch, parse, dedup, emit and
// link expansion. Outcomes caused by ctx ending are not counted.
func (r *run) process(ctx context.Context, entry crawler.FrontierEntry) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	deps := r.c.deps
	logger := r.logger.With(zap.String("url", entry.URL), zap.Int("depth", entry.Depth))

	if !deps.Robots.Allowed(ctx, entry.URL) {
		if ctx.Err() != nil {
			return
		}
		r.count(func(s *crawler.Stats) { s.RobotsDenied++ })
		metrics.ObservePage(entry.URL, metrics.OutcomeRobotsDenied)
		logger.Debug("Skipping URL disallowed by robots.txt")
		return
	}

	host := crawler.Hostname(entry.URL)
	if delayer, ok := deps.Robots.(crawler.CrawlDelayer); ok && deps.HostDelays != nil {
		if d, found := delayer.CrawlDelay(entry.URL); found {
			deps.HostDelays.SetHostDelay(host, d)
		}
	}

	resp, err := deps.Fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:      entry.URL,
		Host:     host,
		Depth:    entry.Depth,
		MinDelay: r.job.MinDelay,
		Scope:    r.scope,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.fail(entry, err)
		logger.Info("Fetch failed", zap.Error(err))
		return
	}
	r.count(func(s *crawler.Stats) { s.Fetched++ })

	if !resp.HTML {
		r.count(func(s *crawler.Stats) { s.NonHTML++ })
		metrics.ObservePage(entry.URL, metrics.OutcomeNonHTML)
		logger.Debug("Skipping non-HTML response", zap.String("content_type", resp.ContentType))
		return
	}

	base := resp.FinalURL
	if base == "" {
		base = entry.URL
	}
	doc, err := deps.Parser.Parse(base, resp.Body, r.scope)
	if err != nil {
		r.fail(entry, err)
		logger.Info("Parse failed", zap.Error(err))
		return
	}
	fingerprint, err := deps.Fingerprinter.Fingerprint(doc.Text)
	if err != nil {
		r.fail(entry, err)
		return
	}

	if r.prints.IsDuplicate(fingerprint) {
		r.count(func(s *crawler.Stats) { s.Duplicates++ })
		metrics.ObservePage(entry.URL, metrics.OutcomeDuplicate)
		logger.Debug("Dropping duplicate content", zap.String("fingerprint", fingerprint))
		if r.c.cfg.HarvestDuplicateLinks {
			r.expand(ctx, entry, doc.Links)
		}
		return
	}

	page := crawler.PageResult{
		URL:         entry.URL,
		StatusCode:  resp.StatusCode,
		Text:        doc.Text,
		Title:       doc.Title,
		Meta:        doc.Meta,
		Links:       doc.Links,
		Fingerprint: fingerprint,
		FetchedAt:   deps.Clock.Now(),
		Depth:       entry.Depth,
	}
	if !r.emit(page) {
		return
	}
	metrics.ObservePage(entry.URL, metrics.OutcomeEmitted)
	logger.Debug("Page emitted", zap.Int("links", len(doc.Links)))
	r.expand(ctx, entry, doc.Links)
}

func (r *run) count(update func(*crawler.Stats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	update(&r.stats)
}

// fail records an error-tagged result. Failures never count toward MaxPages.
func (r *run) fail(entry crawler.FrontierEntry, err error) {
	status := 0
	var fe *crawler.FetchError
	if errors.As(err, &fe) {
		status = fe.StatusCode
	}
	metrics.ObservePage(entry.URL, metrics.OutcomeFetchError)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.FetchErrors++
	r.failures = append(r.failures, crawler.PageResult{
		URL:        entry.URL,
		StatusCode: status,
		FetchedAt:  r.c.deps.Clock.Now(),
		Depth:      entry.Depth,
		Error:      err.Error(),
	})
}

// emit appends page unless the page budget is already spent, and stops the
// run once it is.
func (r *run) emit(page crawler.PageResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pages) >= r.job.MaxPages {
		return false
	}
	r.pages = append(r.pages, page)
	r.stats.Emitted++
	if len(r.pages) >= r.job.MaxPages {
		r.stopLocked(crawler.StopMaxPages)
	}
	return true
}

// expand enqueues links one level deeper. A link is reserved in the seen set
// and counted as pending before it is validated, so two workers never admit
// the same link.
func (r *run) expand(ctx context.Context, entry crawler.FrontierEntry, links []string) {
	if entry.Depth >= r.job.MaxDepth {
		return
	}
	next := entry.Depth + 1
	for _, link := range links {
		if !r.reserve(link) {
			continue
		}
		if _, err := r.c.deps.Guard.Validate(ctx, link); err != nil {
			r.release(ctx.Err() == nil)
			if ctx.Err() == nil {
				metrics.ObservePage(link, metrics.OutcomeRejected)
				r.logger.Debug("Link rejected", zap.String("link", link), zap.Error(err))
			}
			continue
		}
		if err := r.queue.TryEnqueue(crawler.FrontierEntry{URL: link, Depth: next}); err != nil {
			r.release(false)
			return
		}
	}
}

// reserve claims link for enqueueing if it is unseen and the page budget
// allows another pending entry.
func (r *run) reserve(link string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopReason != "" {
		return false
	}
	if _, ok := r.seen[link]; ok {
		return false
	}
	if r.pending+len(r.pages) >= r.job.MaxPages {
		return false
	}
	r.seen[link] = struct{}{}
	r.pending++
	return true
}

func (r *run) release(rejected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
	if rejected {
		r.stats.Rejected++
	}
}
