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

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if fetchesTotal == nil || jobsTotal == nil || lockEventsTotal == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(fetchesTotal.WithLabelValues("http", "ok"))
	ObserveFetch("http", "ok", 512)
	if got := testutil.ToFloat64(fetchesTotal.WithLabelValues("http", "ok")); got != before+1 {
		t.Errorf("expected fetch counter to grow by 1, got %f -> %f", before, got)
	}

	ObserveDiscovery("sitemap", "", 3)
	if got := testutil.ToFloat64(discoveryRunsTotal.WithLabelValues("sitemap", "exhausted")); got < 1 {
		t.Errorf("expected exhausted discovery run to be counted, got %f", got)
	}

	ObserveJob("crawl_site", "acked")
	ObserveLockEvent("crawl_site", "lock_lost")
	if got := testutil.ToFloat64(lockEventsTotal.WithLabelValues("crawl_site", "lock_lost")); got < 1 {
		t.Errorf("expected lock event to be counted, got %f", got)
	}

	IncActiveWorkers("crawl_site")
	DecActiveWorkers("crawl_site")
	if got := testutil.ToFloat64(activeWorkers.WithLabelValues("crawl_site")); got != 0 {
		t.Errorf("expected active workers gauge to return to 0, got %f", got)
	}

	ObserveRateLimitDelay("example.com", 200*time.Millisecond)
	if got := testutil.CollectAndCount(rateLimitDelaysSeconds); got < 1 {
		t.Errorf("expected rate limit histogram to be observed, got %d", got)
	}
}

func TestStatusOutcome(t *testing.T) {
	cases := map[int]string{200: "ok", 204: "ok", 301: "3xx", 404: "4xx", 503: "5xx", 0: "unknown"}
	for code, want := range cases {
		if got := StatusOutcome(code); got != want {
			t.Errorf("StatusOutcome(%d) = %q; want %q", code, got, want)
		}
	}
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
