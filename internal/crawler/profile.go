package crawler

import (
	"encoding/json"
	"fmt"
	"time"
)

// CurrentProfileVersion is the newest SiteProfile schema this build understands.
const CurrentProfileVersion = 1

// Engine defaults applied when a profile leaves a limit unset.
const (
	DefaultMaxItems    = 1000
	DefaultMaxDuration = 10 * time.Minute
	DefaultMaxPages    = 50
	DefaultConcurrency = 2
)

// DiscoveryStrategy names how detail URLs are found for a site.
type DiscoveryStrategy string

// Discovery strategies.
const (
	StrategySitemap         DiscoveryStrategy = "sitemap"
	StrategyHTMLLinks       DiscoveryStrategy = "html_links"
	StrategyEndpointSniff   DiscoveryStrategy = "endpoint_sniff"
	StrategyHeadlessListing DiscoveryStrategy = "headless_listing"
)

// IDMode selects how a source item id is derived from a detail URL.
type IDMode string

// ID derivation modes.
const (
	IDModeRegex       IDMode = "regex"
	IDModeLastSegment IDMode = "last_segment"
	IDModeHash        IDMode = "hash"
)

// SiteProfile is the per-customer crawl configuration.
type SiteProfile struct {
	Version   int             `json:"version"`
	Discovery DiscoveryConfig `json:"discovery"`
	Fetch     FetchConfig     `json:"fetch"`
	Extract   ExtractConfig   `json:"extract"`
	Limits    Limits          `json:"limits"`
}

// DiscoveryConfig configures the discovery strategy.
type DiscoveryConfig struct {
	Strategy          DiscoveryStrategy `json:"strategy"`
	SeedURLs          []string          `json:"seedUrls,omitempty"`
	SitemapURLs       []string          `json:"sitemapUrls,omitempty"`
	DetailURLPatterns []string          `json:"detailUrlPatterns,omitempty"`
	IDFromURL         IDRule            `json:"idFromUrl"`
	KeepFraction      float64           `json:"keepFraction,omitempty"`
}

// IDRule describes how to derive a source item id from a URL.
type IDRule struct {
	Mode    IDMode `json:"mode"`
	Pattern string `json:"pattern,omitempty"`
}

// FetchConfig selects and tunes the fetch driver.
type FetchConfig struct {
	Driver   DriverKind    `json:"driver"`
	HTTP     DriverOptions `json:"http"`
	Headless DriverOptions `json:"headless"`
}

// DriverOptions are per-driver profile overrides.
type DriverOptions struct {
	TimeoutMs int    `json:"timeoutMs,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// ExtractConfig selects the extraction vertical.
type ExtractConfig struct {
	Vertical Vertical `json:"vertical"`
	Strategy string   `json:"strategy,omitempty"`
}

// Limits are hard ceilings on a single run.
type Limits struct {
	Concurrency   int   `json:"concurrency,omitempty"`
	MaxItems      int   `json:"maxItems,omitempty"`
	MaxDurationMs int64 `json:"maxDurationMs,omitempty"`
	MaxPages      int   `json:"maxPages,omitempty"`
}

// ItemCeiling returns MaxItems or the engine default.
func (l Limits) ItemCeiling() int {
	if l.MaxItems > 0 {
		return l.MaxItems
	}
	return DefaultMaxItems
}

// DurationCeiling returns MaxDurationMs or the engine default.
func (l Limits) DurationCeiling() time.Duration {
	if l.MaxDurationMs > 0 {
		return time.Duration(l.MaxDurationMs) * time.Millisecond
	}
	return DefaultMaxDuration
}

// PageCeiling returns MaxPages or the engine default.
func (l Limits) PageCeiling() int {
	if l.MaxPages > 0 {
		return l.MaxPages
	}
	return DefaultMaxPages
}

// ParseSiteProfile decodes and validates a SiteProfile document.
func ParseSiteProfile(data []byte) (SiteProfile, error) {
	var p SiteProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return SiteProfile{}, NewError(CodeValidationFail, "parse site profile", err)
	}
	if p.Version == 0 {
		p.Version = CurrentProfileVersion
	}
	if err := p.Validate(); err != nil {
		return SiteProfile{}, err
	}
	return p, nil
}

// Validate checks the profile for problems that make a run impossible.
// An unrecognised discovery strategy is not an error here; the engine
// returns an empty result for it.
func (p SiteProfile) Validate() error {
	const op = "validate site profile"
	if p.Version > CurrentProfileVersion || p.Version < 0 {
		return Errorf(CodeValidationFail, op, "unsupported version %d", p.Version)
	}
	switch p.Discovery.Strategy {
	case StrategySitemap:
		if len(p.Discovery.SitemapURLs) == 0 && len(p.Discovery.SeedURLs) == 0 {
			return Errorf(CodeValidationFail, op, "sitemap strategy needs sitemapUrls or seedUrls")
		}
	case StrategyHTMLLinks, StrategyEndpointSniff, StrategyHeadlessListing:
		if len(p.Discovery.SeedURLs) == 0 {
			return Errorf(CodeValidationFail, op, "%s strategy needs seedUrls", p.Discovery.Strategy)
		}
	}
	switch p.Fetch.Driver {
	case "", DriverHTTP, DriverHeadless:
	default:
		return Errorf(CodeValidationFail, op, "unknown driver %q", p.Fetch.Driver)
	}
	if f := p.Discovery.KeepFraction; f < 0 || f > 1 {
		return Errorf(CodeValidationFail, op, "keepFraction %v outside [0,1]", f)
	}
	l := p.Limits
	if l.Concurrency < 0 || l.MaxItems < 0 || l.MaxDurationMs < 0 || l.MaxPages < 0 {
		return Errorf(CodeValidationFail, op, "limits must not be negative")
	}
	return nil
}

// String renders the profile as JSON for logs.
func (p SiteProfile) String() string {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("SiteProfile{strategy=%s}", p.Discovery.Strategy)
	}
	return string(b)
}
