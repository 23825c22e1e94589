// Package dedup fingerprints extracted page text and suppresses repeat
// emissions of the same content within a crawl run.
package dedup

import (
	"fmt"
	"strings"
	"sync"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
	"github.com/InfinityXOneSystems/safecrawl/internal/hash/blake3"
	"github.com/InfinityXOneSystems/safecrawl/internal/hash/sha256"
)

// NormalizeText collapses every whitespace run to a single space and trims the ends.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Fingerprinter hashes normalized text.
type Fingerprinter struct {
	hasher crawler.Hasher
}

// NewFingerprinter wraps hasher; a nil hasher falls back to SHA-256.
func NewFingerprinter(hasher crawler.Hasher) *Fingerprinter {
	if hasher == nil {
		hasher = sha256.New()
	}
	return &Fingerprinter{hasher: hasher}
}

// HasherFor resolves a configured algorithm name.
func HasherFor(algo string) (crawler.Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(algo)) {
	case "", sha256.Name:
		return sha256.New(), nil
	case blake3.Name:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported fingerprint algorithm %q", algo)
	}
}

// Fingerprint returns the digest of the normalized text.
func (f *Fingerprinter) Fingerprint(text string) (string, error) {
	sum, err := f.hasher.Hash([]byte(NormalizeText(text)))
	if err != nil {
		return "", fmt.Errorf("hash text: %w", err)
	}
	return sum, nil
}

// Set records fingerprints already emitted in one run.
type Set struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{seen: make(map[string]struct{})}
}

// IsDuplicate reports whether fp was recorded before and records it otherwise.
// The check and the insert happen under one lock.
func (s *Set) IsDuplicate(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[fp]; ok {
		return true
	}
	s.seen[fp] = struct{}{}
	return false
}

// Len returns the number of recorded fingerprints.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
