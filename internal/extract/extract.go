// Package extract turns a fetched detail page into structured listing
// fields. Every vertical starts from the generic extractor and only adds
// vertical-specific attributes.
package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/metrics"
)

// MaxImages caps ExtractResult.ImageURLs.
const MaxImages = 50

// Input is one detail page to extract.
type Input struct {
	Profile crawler.SiteProfile
	Fetch   crawler.FetchResult
}

// Extract runs the profile's vertical over the fetched page. Missing fields
// stay nil; an error is returned only for an unknown vertical or a body
// that cannot be parsed at all.
func Extract(in Input) (crawler.ExtractResult, error) {
	vertical := in.Profile.Extract.Vertical
	if vertical == "" {
		vertical = crawler.VerticalGeneric
	}

	var extra func(*page, *crawler.ExtractResult)
	switch vertical {
	case crawler.VerticalGeneric:
	case crawler.VerticalVehicle:
		extra = extractVehicle
	default:
		metrics.ObserveExtraction(string(vertical), "invalid")
		return crawler.ExtractResult{}, crawler.Errorf(crawler.CodeValidationFail, "extract", "unknown vertical %q", vertical)
	}

	p, err := newPage(in.Fetch)
	if err != nil {
		metrics.ObserveExtraction(string(vertical), "parse_fail")
		return crawler.ExtractResult{}, err
	}
	res := extractGeneric(p)
	if extra != nil {
		extra(p, &res)
	}
	metrics.ObserveExtraction(string(vertical), "ok")
	return res, nil
}

// page is a parsed detail page plus its JSON-LD objects.
type page struct {
	doc    *goquery.Document
	base   *url.URL
	ld     []map[string]any
	ldErrs int
}

func newPage(fetch crawler.FetchResult) (*page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fetch.Body))
	if err != nil {
		return nil, crawler.NewError(crawler.CodeParseFail, "extract", err)
	}
	raw := fetch.FinalURL
	if raw == "" {
		raw = fetch.Trace.URL
	}
	base, _ := url.Parse(raw)
	p := &page{doc: doc, base: base}
	p.ld, p.ldErrs = collectJSONLD(doc)
	return p, nil
}

// meta returns the first non-empty content of the given meta properties or names.
func (p *page) meta(keys ...string) string {
	for _, k := range keys {
		sel := p.doc.Find(`meta[property="` + k + `"], meta[name="` + k + `"], meta[itemprop="` + k + `"]`)
		for i := range sel.Nodes {
			if v := strings.TrimSpace(sel.Eq(i).AttrOr("content", "")); v != "" {
				return v
			}
		}
	}
	return ""
}

// resolve turns a possibly relative reference into an absolute http(s) URL.
func (p *page) resolve(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if p.base != nil {
		ref = p.base.ResolveReference(ref)
	}
	if (ref.Scheme != "http" && ref.Scheme != "https") || ref.Host == "" {
		return "", false
	}
	ref.Fragment = ""
	return ref.String(), true
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
