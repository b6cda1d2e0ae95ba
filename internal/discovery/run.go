package discovery

import (
	"net/url"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/urlutil"
)

// run carries the state of one Discover call, including the shared
// acceptance pipeline every strategy feeds candidates into.
type run struct {
	profile  crawler.SiteProfile
	clock    crawler.Clock
	start    time.Time
	deadline time.Time
	maxItems int
	maxPages int
	siteHost string

	patterns  []*regexp.Regexp
	heuristic func(*url.URL) bool
	exclude   map[string]struct{}

	seenIDs  map[string]string
	seenURLs map[string]struct{}
	items    []crawler.DiscoveredItem
	counters map[string]int

	stoppedBy      string
	pagesAttempted int
	pagesResponded int
	lastFetchErr   error
	candidates     int
}

func (e *Engine) newRun(profile crawler.SiteProfile) *run {
	start := e.clock.Now()
	r := &run{
		profile:  profile,
		clock:    e.clock,
		start:    start,
		deadline: start.Add(profile.Limits.DurationCeiling()),
		maxItems: profile.Limits.ItemCeiling(),
		maxPages: profile.Limits.PageCeiling(),
		exclude:  make(map[string]struct{}),
		seenIDs:  make(map[string]string),
		seenURLs: make(map[string]struct{}),
		items:    make([]crawler.DiscoveredItem, 0),
		counters: make(map[string]int),
	}

	for _, seed := range profile.Discovery.SeedURLs {
		if normalized, ok := urlutil.NormalizeURL(seed, "", urlutil.Options{}); ok {
			r.exclude[normalized] = struct{}{}
			if r.siteHost == "" {
				r.siteHost = hostname(normalized)
			}
		}
	}
	if r.siteHost == "" {
		for _, sm := range profile.Discovery.SitemapURLs {
			if normalized, ok := urlutil.NormalizeURL(sm, "", urlutil.Options{}); ok {
				r.siteHost = hostname(normalized)
				break
			}
		}
	}

	patterns, errs := urlutil.CompilePatterns(profile.Discovery.DetailURLPatterns)
	for _, err := range errs {
		r.counters["invalidPatterns"]++
		e.logger.Warn("dropping invalid detail url pattern", zap.Error(err))
	}
	r.patterns = patterns
	r.heuristic = heuristicFor(profile.Discovery.Strategy, profile.Extract.Vertical)
	return r
}

// stopped reports whether a ceiling has been reached, recording which.
func (r *run) stopped() bool {
	if r.stoppedBy != "" {
		return true
	}
	if len(r.items) >= r.maxItems {
		r.stoppedBy = StoppedByMaxItems
		return true
	}
	if !r.clock.Now().Before(r.deadline) {
		r.stoppedBy = StoppedByMaxDuration
		return true
	}
	return false
}

// canFetch is checked before every page fetch.
func (r *run) canFetch() bool {
	if r.stopped() {
		return false
	}
	if r.pagesAttempted >= r.maxPages {
		r.stoppedBy = StoppedByMaxPages
		return false
	}
	return true
}

// offer runs one candidate through the acceptance pipeline. It returns
// false once the run must stop.
func (r *run) offer(raw, pageURL string) bool {
	if r.stopped() {
		return false
	}
	r.counters["candidatesOffered"]++

	if !urlutil.SanitizeCandidateURL(raw) {
		r.counters["rejectedSanitize"]++
		return true
	}
	normalized, ok := urlutil.NormalizeURL(raw, pageURL, urlutil.Options{})
	if !ok {
		r.counters["rejectedNormalize"]++
		return true
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		r.counters["rejectedNormalize"]++
		return true
	}
	if r.siteHost != "" && !urlutil.SameSite(parsed.Hostname(), r.siteHost) {
		r.counters["rejectedOffsite"]++
		return true
	}
	if _, isSeed := r.exclude[normalized]; isSeed {
		r.counters["rejectedSeed"]++
		return true
	}
	if !r.matches(normalized, parsed) {
		r.counters["rejectedPattern"]++
		return true
	}
	if _, dup := r.seenURLs[normalized]; dup {
		r.counters["duplicates"]++
		return true
	}

	rule := r.profile.Discovery.IDFromURL
	id, fallback := urlutil.ExtractSourceItemID(normalized, rule)
	if fallback && rule.Mode != "" {
		r.counters["idFallbacks"]++
	}
	unique := urlutil.EnsureUniqueID(id, normalized, r.seenIDs)
	if unique != id {
		r.counters["idCollisions"]++
	}

	r.seenURLs[normalized] = struct{}{}
	r.items = append(r.items, crawler.DiscoveredItem{SourceItemID: unique, URL: normalized})
	return !r.stopped()
}

func (r *run) matches(normalized string, parsed *url.URL) bool {
	if len(r.patterns) > 0 {
		for _, re := range r.patterns {
			if re.MatchString(normalized) {
				return true
			}
		}
		return false
	}
	return r.heuristic(parsed)
}

// accept books a page fetch outcome. The bool is true when the page has a
// 2xx body worth harvesting.
func (r *run) accept(url string, res crawler.FetchResult, err error, logger *zap.Logger) (crawler.FetchResult, bool) {
	if err != nil || res.Status == nil {
		if err == nil {
			err = crawler.Errorf(crawler.CodeFetchFail, "discovery fetch", "no response for %s", url)
		}
		r.recordFetchFailure(err)
		logger.Debug("discovery page fetch failed", zap.String("url", url), zap.Error(err))
		return res, false
	}
	r.pagesAttempted++
	r.pagesResponded++
	if !res.OK() {
		r.counters["pageHTTPErrors"]++
		logger.Debug("discovery page returned error status", zap.String("url", url), zap.Int("status", *res.Status))
		return res, false
	}
	r.counters["pagesFetched"]++
	return res, true
}

func (r *run) recordFetchFailure(err error) {
	r.pagesAttempted++
	r.counters["pageFetchErrors"]++
	r.lastFetchErr = err
}

func (r *run) finish(now time.Time) Result {
	items, removed := applyKeepFraction(r.items, r.profile.Discovery.KeepFraction)
	if removed > 0 {
		r.counters["postFilterRemoved"] = removed
	}
	return Result{
		Items: items,
		Meta: Meta{
			Strategy:        r.profile.Discovery.Strategy,
			DiscoveredCount: len(items),
			Counters:        r.counters,
			StoppedBy:       r.stoppedBy,
			DurationMs:      now.Sub(r.start).Milliseconds(),
		},
	}
}

func hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
