package crawler

import (
	"net/http"
	"time"
)

// DriverKind selects the fetch driver for a site.
type DriverKind string

// Supported fetch drivers.
const (
	DriverHTTP     DriverKind = "http"
	DriverHeadless DriverKind = "headless"
)

// Vertical selects the extraction rules applied to detail pages.
type Vertical string

// Supported verticals.
const (
	VerticalGeneric Vertical = "generic"
	VerticalVehicle Vertical = "vehicle"
)

// DiscoveredItem is a detail page found during discovery.
type DiscoveredItem struct {
	SourceItemID string `json:"sourceItemId"`
	URL          string `json:"url"`
}

// FetchOptions tunes a single driver call. Zero values fall back to the
// driver's configured defaults.
type FetchOptions struct {
	Timeout   time.Duration
	UserAgent string
	Headers   http.Header
	MaxBytes  int
}

// ListingOptions tunes a headless listing render.
type ListingOptions struct {
	FetchOptions
	MaxClicks   int
	Settle      time.Duration
	ButtonTexts []string
}

// FetchResult is what a driver returns for one URL.
type FetchResult struct {
	FinalURL string      `json:"finalUrl"`
	Status   *int        `json:"status"`
	Headers  http.Header `json:"headers"`
	Body     string      `json:"body"`
	Trace    FetchTrace  `json:"trace"`
}

// FetchTrace records timing, failure and truncation details of a fetch.
type FetchTrace struct {
	URL            string     `json:"url"`
	Driver         DriverKind `json:"driver"`
	DurationMs     int64      `json:"durationMs"`
	Error          string     `json:"error,omitempty"`
	ErrorCode      ErrorCode  `json:"errorCode,omitempty"`
	HTMLTruncated  bool       `json:"htmlTruncated"`
	OriginalBytes  int        `json:"originalBytes"`
	TruncatedBytes int        `json:"truncatedBytes"`
}

// StatusCode returns the HTTP status or 0 when the fetch never got a response.
func (r FetchResult) StatusCode() int {
	if r.Status == nil {
		return 0
	}
	return *r.Status
}

// OK reports whether the fetch produced a 2xx response.
func (r FetchResult) OK() bool {
	code := r.StatusCode()
	return code >= 200 && code < 300
}

// BaseFields are the vertical-independent listing fields. Nil means not found.
type BaseFields struct {
	Title           *string  `json:"title"`
	DescriptionText *string  `json:"descriptionText"`
	PriceAmount     *float64 `json:"priceAmount"`
	PriceCurrency   *string  `json:"priceCurrency"`
	PrimaryImageURL *string  `json:"primaryImageUrl"`
}

// ExtractResult is the outcome of running an extractor over a detail page.
type ExtractResult struct {
	BaseFields     BaseFields     `json:"baseFields"`
	AttributesJSON map[string]any `json:"attributesJson"`
	ImageURLs      []string       `json:"imageUrls"`
}

// Correlation identifies who a job runs for. CustomerID is mandatory.
type Correlation struct {
	CustomerID   string `json:"customerId"`
	DataSourceID string `json:"dataSourceId,omitempty"`
	RunID        string `json:"runId,omitempty"`
}

// DataSource is a customer's configured website.
type DataSource struct {
	ID         string
	CustomerID string
	Active     bool
	Profile    SiteProfile
}

// ListingRecord is one extracted listing persisted for a data source.
type ListingRecord struct {
	DataSourceID string
	SourceItemID string
	URL          string
	RunID        string
	Fields       ExtractResult
	ContentHash  string
	BlobURI      string
	FetchedAt    time.Time
}

// RunStatus is how a crawl attempt settled.
type RunStatus string

// Run statuses.
const (
	RunCompleted    RunStatus = "completed"
	RunRetrying     RunStatus = "retrying"
	RunDeadLettered RunStatus = "dead_lettered"
)

// RunRecord is the history row of one crawl attempt.
type RunRecord struct {
	RunID           string
	JobID           string
	DataSourceID    string
	CustomerID      string
	Attempt         int
	Status          RunStatus
	Reason          ErrorCode
	ItemsDiscovered int
	ItemsUpserted   int
	ItemsFailed     int
	ItemsRemoved    int64
	StoppedBy       string
	StartedAt       time.Time
	FinishedAt      time.Time
}
