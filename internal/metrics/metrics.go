// Package metrics exposes Prometheus collectors for the listing ingest service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	discoveryRunsTotal         *prometheus.CounterVec
	discoveryItemsTotal        *prometheus.CounterVec
	extractionsTotal           *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	lockEventsTotal            *prometheus.CounterVec
	activeWorkers              *prometheus.GaugeVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times, and every Observe helper
// calls it, so packages never need to.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_fetches_total",
				Help: "Total number of driver fetches, labeled by driver and outcome.",
			},
			[]string{"driver", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_fetch_bytes_total",
				Help: "Total number of body bytes returned by drivers.",
			},
			[]string{"driver"},
		)

		discoveryRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_discovery_runs_total",
				Help: "Total number of discovery runs, labeled by strategy and stop reason.",
			},
			[]string{"strategy", "stopped_by"},
		)

		discoveryItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_discovery_items_total",
				Help: "Total number of detail URLs discovered, labeled by strategy.",
			},
			[]string{"strategy"},
		)

		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_extractions_total",
				Help: "Total number of extractions, labeled by vertical and outcome.",
			},
			[]string{"vertical", "outcome"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_jobs_total",
				Help: "Total number of jobs settled, labeled by job type and outcome.",
			},
			[]string{"job_type", "outcome"},
		)

		lockEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_job_lock_events_total",
				Help: "Total number of job lock renewal failures and lost locks.",
			},
			[]string{"job_type", "event"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "listing_active_workers",
				Help: "Number of workers currently processing a job.",
			},
			[]string{"job_type"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listing_rate_limit_delays_seconds",
				Help:    "Histogram of per-host pacing wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one driver call. outcome is "ok", an HTTP status
// class such as "4xx", or an error code.
func ObserveFetch(driver, outcome string, bytesFetched int) {
	Init()
	fetchesTotal.WithLabelValues(driver, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(driver).Add(float64(bytesFetched))
	}
}

// ObserveDiscovery records a finished discovery run.
func ObserveDiscovery(strategy, stoppedBy string, items int) {
	Init()
	if stoppedBy == "" {
		stoppedBy = "exhausted"
	}
	discoveryRunsTotal.WithLabelValues(strategy, stoppedBy).Inc()
	discoveryItemsTotal.WithLabelValues(strategy).Add(float64(items))
}

// ObserveExtraction records one extractor call.
func ObserveExtraction(vertical, outcome string) {
	Init()
	extractionsTotal.WithLabelValues(vertical, outcome).Inc()
}

// ObserveJob increments the job counter for the given outcome.
func ObserveJob(jobType, outcome string) {
	Init()
	jobsTotal.WithLabelValues(jobType, outcome).Inc()
}

// ObserveLockEvent increments the lock event counter.
func ObserveLockEvent(jobType, event string) {
	Init()
	lockEventsTotal.WithLabelValues(jobType, event).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers(jobType string) {
	Init()
	activeWorkers.WithLabelValues(jobType).Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers(jobType string) {
	Init()
	activeWorkers.WithLabelValues(jobType).Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// StatusOutcome buckets an HTTP status into "ok", "3xx", "4xx" or "5xx".
func StatusOutcome(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "ok"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
