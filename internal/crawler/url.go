package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL so equivalent spellings share one visited
// entry. It lowercases the scheme and host, removes default ports, sorts query
// parameters, drops the fragment, and gives an empty path the root "/".
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return normalizeParsed(u)
}

// NormalizeParsed is NormalizeURL for an already parsed URL. The argument is
// not modified.
func NormalizeParsed(u *url.URL) (string, error) {
	if u == nil {
		return "", fmt.Errorf("nil url")
	}
	cp := *u
	return normalizeParsed(&cp)
}

func normalizeParsed(u *url.URL) (string, error) {
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", u.String())
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	if u.Path == "" {
		u.Path = "/"
	}

	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	u.ForceQuery = false

	return u.String(), nil
}

// Hostname returns the lowercased hostname of rawURL, or "" if it cannot be parsed.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return CanonicalHost(u.Hostname())
}
