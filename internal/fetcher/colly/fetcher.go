// Package collyfetcher implements the plain network driver on gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/fetcher"
	"github.com/JakeFAU/listing-ingest/internal/metrics"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "listing-ingest/1.0 (+https://github.com/JakeFAU/listing-ingest)"
)

// Pacer delays requests per host.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBytes caps the body read from the wire and handed to parsers.
	MaxBytes int
	Pacer    Pacer
	Logger   *zap.Logger
}

// Driver implements crawler.Driver using the Colly collector.
type Driver struct {
	cfg       Config
	transport http.RoundTripper
	tracer    trace.Tracer
	logger    *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// capture holds what the collector callbacks observed.
type capture struct {
	finalURL string
	status   int
	headers  http.Header
	body     []byte
}

// New builds a Driver.
func New(cfg Config) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = fetcher.DefaultMaxHTMLBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		cfg:       cfg,
		transport: newHTTPTransport(),
		tracer:    otel.Tracer("github.com/JakeFAU/listing-ingest/internal/fetcher/colly"),
		logger:    logger,
	}
}

// Fetch executes a single HTTP GET using Colly. HTTP error statuses come
// back as results; only transport failures return an error.
func (d *Driver) Fetch(ctx context.Context, rawURL string, opts crawler.FetchOptions) (crawler.FetchResult, error) {
	ctx, span := d.tracer.Start(ctx, "driver.http.fetch", trace.WithAttributes(attribute.String("url.full", rawURL)))
	defer span.End()

	start := time.Now()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = d.cfg.MaxBytes
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fail := func(err error) (crawler.FetchResult, error) {
		classified := fetcher.ClassifyTransportError("http fetch", err)
		span.RecordError(classified)
		span.SetStatus(codes.Error, string(classified.Code))
		metrics.ObserveFetch(string(crawler.DriverHTTP), string(classified.Code), 0)
		d.logger.Debug("http fetch failed",
			zap.String("url", rawURL),
			zap.String("code", string(classified.Code)),
			zap.Error(err),
		)
		return fetcher.FailedResult(rawURL, crawler.DriverHTTP, time.Since(start).Milliseconds(), classified), classified
	}

	if d.cfg.Pacer != nil {
		if err := d.cfg.Pacer.Wait(ctx, rawURL); err != nil {
			return fail(err)
		}
	}

	var (
		captured capture
		fetchErr error
	)
	collector := d.buildCollector(opts, timeout, maxBytes, &captured, &fetchErr)
	if err := d.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return fail(err)
	}

	body := string(captured.body)
	truncated := fetcher.TruncateHTMLForParse(body, maxBytes)
	original := len(body)
	if cl, err := strconv.Atoi(captured.headers.Get("Content-Length")); err == nil && cl > original {
		original = cl
	}
	status := captured.status
	result := crawler.FetchResult{
		FinalURL: captured.finalURL,
		Status:   &status,
		Headers:  captured.headers,
		Body:     truncated.HTML,
		Trace: crawler.FetchTrace{
			URL:            rawURL,
			Driver:         crawler.DriverHTTP,
			DurationMs:     time.Since(start).Milliseconds(),
			HTMLTruncated:  truncated.WasTruncated || original > len(body),
			OriginalBytes:  original,
			TruncatedBytes: truncated.TruncatedBytes,
		},
	}
	if result.FinalURL == "" {
		result.FinalURL = rawURL
	}
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	metrics.ObserveFetch(string(crawler.DriverHTTP), metrics.StatusOutcome(status), len(result.Body))
	return result, nil
}

func (d *Driver) buildCollector(
	opts crawler.FetchOptions,
	timeout time.Duration,
	maxBytes int,
	captured *capture,
	fetchErr *error,
) *colly.Collector {
	// A fresh collector per call: clones share the visited-URL store and the
	// backend client, which would serialise timeouts across fetches.
	collector := colly.NewCollector(colly.Async(false))
	collector.WithTransport(d.transport)
	collector.SetRequestTimeout(timeout)
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	// One byte past the cap lets truncation be detected.
	collector.MaxBodySize = maxBytes + 1
	collector.UserAgent = d.cfg.UserAgent
	if opts.UserAgent != "" {
		collector.UserAgent = opts.UserAgent
	}

	d.configureCollectorHooks(collector, opts, captured, fetchErr)
	return collector
}

func (d *Driver) configureCollectorHooks(
	hooks collectorHooks,
	opts crawler.FetchOptions,
	captured *capture,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(opts.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*captured = capture{
			finalURL: r.Request.URL.String(),
			status:   r.StatusCode,
			headers:  cloneHeaders(r.Headers),
			body:     append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		// With ParseHTTPErrorResponse set, error statuses still reach
		// OnResponse; only transport failures land here without a status.
		if r != nil && r.StatusCode > 0 {
			return
		}
		*fetchErr = err
	})
}

func (d *Driver) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func cloneHeaders(h *http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
