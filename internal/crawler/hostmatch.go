package crawler

import "strings"

// HostMatcher matches hostnames against allow-list entries. Every entry admits
// the host itself and any dot-suffix subdomain of it; "*.example.com" and
// ".example.com" are accepted spellings of "example.com".
type HostMatcher struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewHostMatcher builds a matcher from raw entries. It returns nil when no
// usable entry remains, and a nil matcher matches nothing.
func NewHostMatcher(entries []string) *HostMatcher {
	m := &HostMatcher{
		exact: make(map[string]struct{}),
	}
	for _, raw := range entries {
		value := CanonicalHost(raw)
		value = strings.TrimPrefix(value, "*.")
		value = strings.TrimPrefix(value, ".")
		if value == "" {
			continue
		}
		if _, dup := m.exact[value]; dup {
			continue
		}
		m.exact[value] = struct{}{}
		m.suffixes = append(m.suffixes, value)
	}
	if len(m.suffixes) == 0 {
		return nil
	}
	return m
}

// Matches reports whether host equals an entry or is a subdomain of one.
func (m *HostMatcher) Matches(host string) bool {
	if m == nil {
		return false
	}
	host = CanonicalHost(host)
	if host == "" {
		return false
	}
	if _, ok := m.exact[host]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Entries returns the canonical entries in insertion order.
func (m *HostMatcher) Entries() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.suffixes...)
}

// CanonicalHost lowercases a hostname and strips surrounding whitespace and a
// trailing root dot.
func CanonicalHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimSuffix(host, ".")
}
