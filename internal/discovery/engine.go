// Package discovery finds detail-page URLs on a customer site. One bounded
// pass per run: a closed set of strategies feeds a shared acceptance
// pipeline that sanitises, normalises, filters, identifies and deduplicates
// candidates under hard item and time ceilings.
package discovery

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/clock/system"
	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/fetcher"
	"github.com/JakeFAU/listing-ingest/internal/metrics"
)

// Candidate explosion bounds for endpoint sniffing.
const (
	PerSeedCandidateCap = 2000
	GlobalCandidateCap  = 10000
)

// Headless listing rendering bounds.
const (
	MaxLoadMoreClicks = 5
	DefaultSettle     = 1500 * time.Millisecond
)

// Stop reasons reported in Meta.StoppedBy.
const (
	StoppedByMaxItems     = "max_items"
	StoppedByMaxDuration  = "max_duration"
	StoppedByMaxPages     = "max_pages"
	StoppedByCandidateCap = "global_candidate_cap"
)

// LoadMoreTexts are the button labels clicked when rendering listings.
var LoadMoreTexts = []string{
	// en
	"load more", "show more", "more results", "see more", "view more",
	// no
	"vis flere", "last flere", "se flere", "flere biler", "vis mer",
	// sv
	"visa fler", "ladda fler", "visa mer", "fler bilar",
	// da
	"vis flere", "indlæs flere", "se flere biler",
	// de
	"mehr laden", "mehr anzeigen", "weitere laden", "weitere fahrzeuge",
	// fr
	"voir plus", "charger plus", "afficher plus",
	// es
	"ver más", "cargar más", "mostrar más",
	// nl
	"meer laden", "toon meer", "meer tonen",
}

// Result is the outcome of one discovery run.
type Result struct {
	Items []crawler.DiscoveredItem `json:"items"`
	Meta  Meta                     `json:"meta"`
}

// Meta describes how a run went.
type Meta struct {
	Strategy        crawler.DiscoveryStrategy `json:"strategy"`
	DiscoveredCount int                       `json:"discoveredCount"`
	Counters        map[string]int            `json:"counters"`
	StoppedBy       string                    `json:"stoppedBy,omitempty"`
	DurationMs      int64                     `json:"durationMs"`
}

// Engine runs discovery for site profiles.
type Engine struct {
	drivers    fetcher.Drivers
	renderer   crawler.ListingRenderer
	clock      crawler.Clock
	logger     *zap.Logger
	maxBytes   int
	settle     time.Duration
	perSeedCap int
	globalCap  int
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source used for duration ceilings.
func WithClock(c crawler.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithMaxBytes caps the HTML bytes read per fetch.
func WithMaxBytes(n int) Option {
	return func(e *Engine) { e.maxBytes = n }
}

// WithSettle overrides the pause after each "load more" click.
func WithSettle(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.settle = d
		}
	}
}

// WithCandidateCaps overrides the endpoint sniffing caps.
func WithCandidateCaps(perSeed, global int) Option {
	return func(e *Engine) {
		if perSeed > 0 {
			e.perSeedCap = perSeed
		}
		if global > 0 {
			e.globalCap = global
		}
	}
}

// New builds an Engine. renderer may be nil, in which case headless listing
// discovery always falls back to a plain fetch.
func New(drivers fetcher.Drivers, renderer crawler.ListingRenderer, opts ...Option) *Engine {
	e := &Engine{
		drivers:    drivers,
		renderer:   renderer,
		clock:      system.New(),
		logger:     zap.NewNop(),
		settle:     DefaultSettle,
		perSeedCap: PerSeedCandidateCap,
		globalCap:  GlobalCandidateCap,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Discover runs the profile's strategy. An unknown strategy yields an empty
// result rather than an error. An error is returned only when the context
// ends or when every page fetch of the run failed at the transport level.
func (e *Engine) Discover(ctx context.Context, profile crawler.SiteProfile) (Result, error) {
	r := e.newRun(profile)
	logger := e.logger.With(zap.String("strategy", string(profile.Discovery.Strategy)))

	var err error
	switch profile.Discovery.Strategy {
	case crawler.StrategySitemap:
		err = e.discoverSitemap(ctx, r)
	case crawler.StrategyHTMLLinks:
		err = e.discoverHTMLLinks(ctx, r)
	case crawler.StrategyEndpointSniff:
		err = e.discoverEndpointSniff(ctx, r)
	case crawler.StrategyHeadlessListing:
		err = e.discoverHeadlessListing(ctx, r)
	default:
		logger.Warn("unknown discovery strategy; returning no items")
	}

	res := r.finish(e.clock.Now())
	metrics.ObserveDiscovery(string(profile.Discovery.Strategy), res.Meta.StoppedBy, len(res.Items))
	logger.Info("discovery finished",
		zap.Int("items", len(res.Items)),
		zap.String("stopped_by", res.Meta.StoppedBy),
		zap.Int64("duration_ms", res.Meta.DurationMs),
		zap.Any("counters", res.Meta.Counters),
	)

	if err != nil {
		return res, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, crawler.NewError(crawler.CodeFetchTimeout, "discover", ctxErr)
	}
	if r.pagesAttempted > 0 && r.pagesResponded == 0 && r.lastFetchErr != nil {
		return res, r.lastFetchErr
	}
	return res, nil
}

// fetchPage fetches a listing, seed or sitemap page with the profile's
// driver, degrading to plain HTTP when headless is disabled.
func (e *Engine) fetchPage(ctx context.Context, r *run, url string) (crawler.FetchResult, bool) {
	kind := r.profile.Fetch.Driver
	driver, err := e.drivers.Select(kind)
	if errors.Is(err, crawler.ErrHeadlessDisabled) {
		r.counters["headlessFallbacks"]++
		kind = crawler.DriverHTTP
		driver, err = e.drivers.Select(kind)
	}
	if err != nil {
		r.recordFetchFailure(err)
		return crawler.FetchResult{}, false
	}

	res, err := driver.Fetch(ctx, url, fetcher.OptionsFor(r.profile, kind, e.maxBytes))
	if errors.Is(err, crawler.ErrHeadlessDisabled) && kind == crawler.DriverHeadless {
		r.counters["headlessFallbacks"]++
		return e.fetchPlain(ctx, r, url)
	}
	return r.accept(url, res, err, e.logger)
}

func (e *Engine) fetchPlain(ctx context.Context, r *run, url string) (crawler.FetchResult, bool) {
	driver, err := e.drivers.Select(crawler.DriverHTTP)
	if err != nil {
		r.recordFetchFailure(err)
		return crawler.FetchResult{}, false
	}
	res, err := driver.Fetch(ctx, url, fetcher.OptionsFor(r.profile, crawler.DriverHTTP, e.maxBytes))
	return r.accept(url, res, err, e.logger)
}

// applyKeepFraction keeps the first ceil(n*fraction) items.
func applyKeepFraction(items []crawler.DiscoveredItem, fraction float64) ([]crawler.DiscoveredItem, int) {
	if fraction <= 0 || fraction >= 1 || len(items) == 0 {
		return items, 0
	}
	keep := int(math.Ceil(float64(len(items)) * fraction))
	return items[:keep], len(items) - keep
}
