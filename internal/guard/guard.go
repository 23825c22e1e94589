// Package guard validates crawl targets against a host allow-list and refuses
// any URL whose host resolves to a non-public address.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"syscall"

	"golang.org/x/net/idna"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
)

// Resolver looks up the addresses of a hostname.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ErrUnsafeAddress is returned by the dial hook for non-public peers.
var ErrUnsafeAddress = errors.New("address is not publicly routable")

// Guard implements crawler.URLValidator.
type Guard struct {
	allow    *crawler.HostMatcher
	resolver Resolver
}

// Option customizes a Guard.
type Option func(*Guard)

// WithResolver overrides the DNS resolver used by Validate.
func WithResolver(r Resolver) Option {
	return func(g *Guard) {
		if r != nil {
			g.resolver = r
		}
	}
}

// New builds a Guard for the given allow-list entries.
func New(allowedHosts []string, opts ...Option) (*Guard, error) {
	matcher := crawler.NewHostMatcher(allowedHosts)
	if matcher == nil {
		return nil, crawler.ErrEmptyAllowList
	}
	g := &Guard{
		allow:    matcher,
		resolver: net.DefaultResolver,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

var _ crawler.URLValidator = (*Guard)(nil)

// Validate checks scheme, allow-list membership and the resolved addresses of
// rawURL. It returns the ASCII hostname on success.
func (g *Guard) Validate(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", crawler.NewValidationError(rawURL, crawler.ReasonParse, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", crawler.NewValidationError(rawURL, crawler.ReasonScheme, fmt.Errorf("scheme %q", u.Scheme))
	}
	host := crawler.CanonicalHost(u.Hostname())
	if host == "" {
		return "", crawler.NewValidationError(rawURL, crawler.ReasonEmptyHost, nil)
	}
	if addr, perr := netip.ParseAddr(host); perr == nil {
		if !slices.Contains(g.allow.Entries(), addr.String()) {
			return "", crawler.NewValidationError(rawURL, crawler.ReasonNotAllowed, nil)
		}
		if !IsPublic(addr) {
			return "", crawler.NewValidationError(rawURL, crawler.ReasonUnsafeAddress, fmt.Errorf("%s", addr))
		}
		return addr.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", crawler.NewValidationError(rawURL, crawler.ReasonParse, fmt.Errorf("idna: %w", err))
	}
	if !g.allow.Matches(ascii) {
		return "", crawler.NewValidationError(rawURL, crawler.ReasonNotAllowed, nil)
	}
	addrs, err := g.resolver.LookupIPAddr(ctx, ascii)
	if err != nil {
		return "", crawler.NewValidationError(rawURL, crawler.ReasonDNS, err)
	}
	if len(addrs) == 0 {
		return "", crawler.NewValidationError(rawURL, crawler.ReasonDNS, errors.New("no addresses"))
	}
	for _, ipAddr := range addrs {
		addr, ok := netip.AddrFromSlice(ipAddr.IP)
		if !ok || !IsPublic(addr) {
			return "", crawler.NewValidationError(rawURL, crawler.ReasonUnsafeAddress, fmt.Errorf("%s resolves to %s", ascii, ipAddr.IP))
		}
	}
	return ascii, nil
}

// FilterAllowed returns the allow-listed subset of hosts, lowercased and
// de-duplicated in input order.
func (g *Guard) FilterAllowed(hosts []string) []string {
	seen := make(map[string]struct{}, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = crawler.CanonicalHost(h)
		if h == "" || !g.allow.Matches(h) {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// CheckRedirect re-validates every redirect hop. Its signature matches
// http.Client.CheckRedirect.
func (g *Guard) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	if _, err := g.Validate(req.Context(), req.URL.String()); err != nil {
		return fmt.Errorf("redirect: %w", err)
	}
	return nil
}

// Dialer returns a net.Dialer that refuses to connect to non-public
// addresses, whatever the resolver returned at dial time.
func Dialer(base *net.Dialer) *net.Dialer {
	d := &net.Dialer{}
	if base != nil {
		*d = *base
	}
	d.Control = func(_, address string, _ syscall.RawConn) error {
		ap, err := netip.ParseAddrPort(address)
		if err != nil {
			return fmt.Errorf("dial %s: %w", address, err)
		}
		if !IsPublic(ap.Addr()) {
			return fmt.Errorf("dial %s: %w", address, ErrUnsafeAddress)
		}
		return nil
	}
	return d
}

// Transport returns an http.Transport whose connections pass through Dialer.
func Transport(base *net.Dialer) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	t.DialContext = Dialer(base).DialContext
	return t
}
