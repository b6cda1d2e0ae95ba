package fetcher

import (
	"time"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
)

// Drivers bundles the available fetch drivers.
type Drivers struct {
	HTTP     crawler.Driver
	Headless crawler.Driver
}

// Select returns the driver for kind. An empty kind means plain HTTP.
func (d Drivers) Select(kind crawler.DriverKind) (crawler.Driver, error) {
	switch kind {
	case "", crawler.DriverHTTP:
		if d.HTTP == nil {
			return nil, crawler.Errorf(crawler.CodeValidationFail, "select driver", "http driver not configured")
		}
		return d.HTTP, nil
	case crawler.DriverHeadless:
		if d.Headless == nil {
			return nil, crawler.ErrHeadlessDisabled
		}
		return d.Headless, nil
	default:
		return nil, crawler.Errorf(crawler.CodeValidationFail, "select driver", "unknown driver %q", kind)
	}
}

// OptionsFor builds the per-call options a profile asks for on the given driver.
func OptionsFor(profile crawler.SiteProfile, kind crawler.DriverKind, maxBytes int) crawler.FetchOptions {
	o := profile.Fetch.HTTP
	if kind == crawler.DriverHeadless {
		o = profile.Fetch.Headless
	}
	return crawler.FetchOptions{
		Timeout:   time.Duration(o.TimeoutMs) * time.Millisecond,
		UserAgent: o.UserAgent,
		MaxBytes:  maxBytes,
	}
}
