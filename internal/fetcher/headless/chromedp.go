// Package headless contains the browser driver that executes JavaScript via
// headless Chrome, plus the Disabled driver used when the capability is off.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/fetcher"
	"github.com/JakeFAU/listing-ingest/internal/metrics"
)

const defaultNavigationTimeout = 45 * time.Second

// Config controls the behavior of the headless driver.
type Config struct {
	Enabled           bool
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is the pause after load and after every "load more" click.
	Settle   time.Duration
	MaxBytes int
	// ExecPath overrides the Chrome binary; empty uses chromedp's lookup.
	ExecPath string
	Logger   *zap.Logger
}

// Driver implements crawler.Driver and crawler.ListingRenderer with chromedp.
// Every call launches its own browser and tears it down before returning.
type Driver struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger
}

// New creates a headless driver. It returns crawler.ErrHeadlessDisabled when
// the capability is switched off; callers wire Disabled instead.
func New(cfg Config) (*Driver, error) {
	if !cfg.Enabled {
		return nil, crawler.ErrHeadlessDisabled
	}
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = fetcher.DefaultMaxHTMLBytes
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{cfg: cfg, limiter: limiter, logger: logger}, nil
}

// Fetch navigates with a headless browser and returns the rendered DOM.
func (d *Driver) Fetch(ctx context.Context, rawURL string, opts crawler.FetchOptions) (crawler.FetchResult, error) {
	return d.render(ctx, rawURL, opts, nil)
}

// RenderListing renders a listing page and clicks "load more" controls whose
// label contains one of opts.ButtonTexts, at most opts.MaxClicks times.
func (d *Driver) RenderListing(ctx context.Context, rawURL string, opts crawler.ListingOptions) (crawler.FetchResult, error) {
	settle := opts.Settle
	if settle <= 0 {
		settle = d.cfg.Settle
	}
	return d.render(ctx, rawURL, opts.FetchOptions, loadMoreAction(opts.ButtonTexts, opts.MaxClicks, settle, d.logger))
}

func (d *Driver) render(
	ctx context.Context,
	rawURL string,
	opts crawler.FetchOptions,
	extra chromedp.Action,
) (crawler.FetchResult, error) {
	start := time.Now()
	fail := func(err error) (crawler.FetchResult, error) {
		classified := fetcher.ClassifyTransportError("headless render", err)
		metrics.ObserveFetch(string(crawler.DriverHeadless), string(classified.Code), 0)
		d.logger.Debug("headless render failed", zap.String("url", rawURL), zap.Error(err))
		return fetcher.FailedResult(rawURL, crawler.DriverHeadless, time.Since(start).Milliseconds(), classified), classified
	}

	if err := d.acquire(ctx); err != nil {
		return fail(err)
	}
	defer d.release()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.cfg.NavigationTimeout
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = d.cfg.UserAgent
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = d.cfg.MaxBytes
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, d.allocatorOptions()...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()
	taskCtx, cancel := context.WithTimeout(browserCtx, timeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	html, finalURL, err := d.run(taskCtx, rawURL, userAgent, opts.Headers, extra)
	if err != nil {
		return fail(err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(rawURL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	truncated := fetcher.TruncateHTMLForParse(html, maxBytes)
	metrics.ObserveFetch(string(crawler.DriverHeadless), metrics.StatusOutcome(status), len(truncated.HTML))
	return crawler.FetchResult{
		FinalURL: responseURL,
		Status:   &status,
		Headers:  headers,
		Body:     truncated.HTML,
		Trace: crawler.FetchTrace{
			URL:            rawURL,
			Driver:         crawler.DriverHeadless,
			DurationMs:     time.Since(start).Milliseconds(),
			HTMLTruncated:  truncated.WasTruncated,
			OriginalBytes:  truncated.OriginalBytes,
			TruncatedBytes: truncated.TruncatedBytes,
		},
	}, nil
}

func (d *Driver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if d.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecPath))
	}
	return opts
}

func (d *Driver) run(
	ctx context.Context,
	rawURL, userAgent string,
	headers http.Header,
	extra chromedp.Action,
) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		networkSetupAction(userAgent, headers),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(d.settle()),
	}
	if extra != nil {
		actions = append(actions, extra)
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (d *Driver) settle() time.Duration {
	if d.cfg.Settle > 0 {
		return d.cfg.Settle
	}
	return 500 * time.Millisecond
}

func networkSetupAction(userAgent string, headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (d *Driver) acquire(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	select {
	case d.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (d *Driver) release() {
	if d.limiter == nil {
		return
	}
	select {
	case <-d.limiter:
	default:
	}
}

// responseMeta records the first document response of a render.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
