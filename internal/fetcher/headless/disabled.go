package headless

import (
	"context"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/fetcher"
)

// Disabled stands in for the browser driver when headless rendering is
// switched off. Every call fails immediately with HEADLESS_DISABLED.
type Disabled struct{}

// Fetch always fails with crawler.ErrHeadlessDisabled.
func (Disabled) Fetch(_ context.Context, url string, _ crawler.FetchOptions) (crawler.FetchResult, error) {
	return fetcher.FailedResult(url, crawler.DriverHeadless, 0, crawler.ErrHeadlessDisabled), crawler.ErrHeadlessDisabled
}

// RenderListing always fails with crawler.ErrHeadlessDisabled.
func (Disabled) RenderListing(_ context.Context, url string, _ crawler.ListingOptions) (crawler.FetchResult, error) {
	return fetcher.FailedResult(url, crawler.DriverHeadless, 0, crawler.ErrHeadlessDisabled), crawler.ErrHeadlessDisabled
}
