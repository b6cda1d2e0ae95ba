package discovery

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/fetcher"
)

func (e *Engine) discoverHeadlessListing(ctx context.Context, r *run) error {
	for _, seed := range r.profile.Discovery.SeedURLs {
		if ctx.Err() != nil || !r.canFetch() {
			return nil
		}
		res, ok := e.renderListing(ctx, r, seed)
		if !ok {
			r.counters["seedErrors"]++
			continue
		}
		r.counters["seedsFetched"]++
		if !e.harvestAnchors(r, res) {
			return nil
		}
	}
	return nil
}

// renderListing renders the seed with "load more" clicking, falling back to
// a plain fetch when headless is disabled or the render fails.
func (e *Engine) renderListing(ctx context.Context, r *run, seed string) (crawler.FetchResult, bool) {
	if e.renderer != nil {
		opts := crawler.ListingOptions{
			FetchOptions: fetcher.OptionsFor(r.profile, crawler.DriverHeadless, e.maxBytes),
			MaxClicks:    MaxLoadMoreClicks,
			Settle:       e.settle,
			ButtonTexts:  LoadMoreTexts,
		}
		res, err := e.renderer.RenderListing(ctx, seed, opts)
		switch {
		case err == nil && res.Status != nil:
			r.counters["rendered"]++
			return r.accept(seed, res, nil, e.logger)
		case errors.Is(err, crawler.ErrHeadlessDisabled):
			r.counters["headlessFallbacks"]++
		default:
			r.counters["renderFailures"]++
			e.logger.Info("listing render failed; falling back to plain fetch",
				zap.String("url", seed), zap.Error(err))
		}
	} else {
		r.counters["headlessFallbacks"]++
	}
	if !r.canFetch() {
		return crawler.FetchResult{}, false
	}
	r.counters["plainFallbacks"]++
	return e.fetchPlain(ctx, r, seed)
}
