// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
	"github.com/InfinityXOneSystems/safecrawl/internal/metrics"
)

const defaultMaxBodyBytes = 5 << 20

// RedirectChecker vets each redirect hop before it is followed.
type RedirectChecker interface {
	CheckRedirect(req *http.Request, via []*http.Request) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	// Transport defaults to a pooled transport without SSRF dial checks;
	// production wiring passes guard.Transport.
	Transport http.RoundTripper
	Redirects RedirectChecker
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       crawler.RateLimiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// New builds a Fetcher. limiter may be nil, in which case requests are not
// spaced.
func New(cfg Config, limiter crawler.RateLimiter) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	c := colly.NewCollector(colly.Async(false))
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	// Robots, revisits and status handling are decided by the caller.
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodyBytes
	c.DisableCookies()

	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	f := &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
	}
	c.SetRedirectHandler(f.checkRedirect)
	return f
}

type fetchStateKey struct{}

// fetchState rides on the request context so checkRedirect can see the job
// scope and delay of the original request.
type fetchState struct {
	scope    *crawler.HostMatcher
	minDelay time.Duration
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	if f.cfg.Redirects != nil {
		if err := f.cfg.Redirects.CheckRedirect(req, via); err != nil {
			return fmt.Errorf("redirect rejected: %w", err)
		}
	}
	state, _ := req.Context().Value(fetchStateKey{}).(fetchState)
	host := crawler.CanonicalHost(req.URL.Hostname())
	if state.scope != nil && !state.scope.Matches(host) {
		return fmt.Errorf("redirect rejected: %w", crawler.NewValidationError(req.URL.String(),
			crawler.ReasonScope, fmt.Errorf("host %q is outside the job scope", host)))
	}
	if f.limiter != nil && len(via) > 0 && host != crawler.CanonicalHost(via[len(via)-1].URL.Hostname()) {
		if err := f.limiter.Wait(req.Context(), host, state.minDelay); err != nil {
			return fmt.Errorf("redirect to %s: %w", host, err)
		}
	}
	return nil
}

// Fetch waits for the host's politeness slot and then executes a single GET.
// Redirects leaving request.Scope are refused; a redirect to another host
// waits for that host's slot too. Non-HTML responses are returned with
// HTML=false and no body.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	host := request.Host
	if host == "" {
		host = crawler.Hostname(request.URL)
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, host, request.MinDelay); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
		}
	}

	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	collector.Context = context.WithValue(ctx, fetchStateKey{}, fetchState{
		scope:    request.Scope,
		minDelay: request.MinDelay,
	})
	f.configureCollectorHooks(collector, request, start, &result, &fetchErr)

	err := f.runCollector(ctx, collector, request.URL, &fetchErr)
	result.Duration = time.Since(start)
	if err != nil {
		metrics.ObserveFetch(request.URL, false, result.Duration, 0)
		return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, StatusCode: result.StatusCode, Err: err}
	}
	if result.StatusCode < 200 || result.StatusCode > 299 {
		metrics.ObserveFetch(request.URL, false, result.Duration, 0)
		return crawler.FetchResponse{}, &crawler.FetchError{
			URL:        request.URL,
			StatusCode: result.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", http.StatusText(result.StatusCode)),
		}
	}
	if result.HTML && result.ContentType == "" {
		result.ContentType = http.DetectContentType(result.Body)
		result.HTML = isHTML(result.ContentType)
	}
	if !result.HTML {
		result.Body = nil
	}
	metrics.ObserveFetch(request.URL, true, result.Duration, len(result.Body))
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	})

	hooks.OnResponseHeaders(func(r *colly.Response) {
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		*result = crawler.FetchResponse{
			URL:         request.URL,
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: contentType,
			HTML:        contentType == "" || isHTML(contentType),
		}
		if r.Headers != nil {
			result.Headers = r.Headers.Clone()
		}
		// Skip downloading bodies that will be discarded.
		if !result.HTML || r.StatusCode < 200 || r.StatusCode > 299 {
			r.Request.Abort()
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		result.Body = append([]byte(nil), r.Body...)
		result.Duration = time.Since(start)
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		// The request shares ctx, so Visit unwinds promptly; waiting keeps the
		// hooks from writing into result after Fetch returns.
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if errors.Is(err, colly.ErrAbortedAfterHeaders) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// isHTML reports whether a Content-Type header names an HTML document.
func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.ToLower(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
