package discovery

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
)

func (e *Engine) discoverHTMLLinks(ctx context.Context, r *run) error {
	for _, seed := range r.profile.Discovery.SeedURLs {
		if ctx.Err() != nil || !r.canFetch() {
			return nil
		}
		res, ok := e.fetchPage(ctx, r, seed)
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

// harvestAnchors offers every a[href] of the page. It returns false once the
// run must stop.
func (e *Engine) harvestAnchors(r *run, res crawler.FetchResult) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Body))
	if err != nil {
		r.counters["parseErrors"]++
		e.logger.Debug("unparseable listing page", zap.String("url", res.FinalURL), zap.Error(err))
		return true
	}
	keepGoing := true
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		keepGoing = r.offer(href, res.FinalURL)
		return keepGoing
	})
	return keepGoing
}
