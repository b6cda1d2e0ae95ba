package crawler

import (
	"context"
	"time"
)

// Driver fetches a single URL. A nil FetchResult.Status signals a
// transport-level failure; HTTP error statuses are returned without an error.
type Driver interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) (FetchResult, error)
}

// ListingRenderer renders a listing page in a browser, clicking "load more"
// controls until none remain or the click budget is spent.
type ListingRenderer interface {
	RenderListing(ctx context.Context, url string, opts ListingOptions) (FetchResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
