package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObservePage(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("metrics-test.example", OutcomeEmitted))
	ObservePage("https://metrics-test.example/a", OutcomeEmitted)
	ObservePage("https://metrics-test.example/b", OutcomeEmitted)
	after := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("metrics-test.example", OutcomeEmitted))
	if after-before != 2 {
		t.Fatalf("expected 2 emitted pages recorded, got %f", after-before)
	}
}

func TestObserveRobotsAndWorkers(t *testing.T) {
	before := testutil.ToFloat64(crawlerRobotsDecisionsTotal.WithLabelValues("miss", "deny"))
	ObserveRobots("miss", false)
	if got := testutil.ToFloat64(crawlerRobotsDecisionsTotal.WithLabelValues("miss", "deny")); got-before != 1 {
		t.Fatalf("expected one deny decision, got %f", got-before)
	}

	start := testutil.ToFloat64(crawlerActiveWorkers)
	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(crawlerActiveWorkers); got != start {
		t.Fatalf("expected gauge to return to %f, got %f", start, got)
	}
	ObserveRateLimitDelay(10 * time.Millisecond)
	ObserveFetch("https://metrics-test.example", true, time.Millisecond, 10)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
