package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/urlutil"
)

type sitemapLoc struct {
	loc    string
	nested bool
}

func (e *Engine) discoverSitemap(ctx context.Context, r *run) error {
	queue := e.sitemapSources(ctx, r)
	seen := make(map[string]struct{})

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil
		}
		current := queue[0]
		queue = queue[1:]
		if _, dup := seen[current]; dup {
			continue
		}
		seen[current] = struct{}{}
		if !r.canFetch() {
			break
		}

		res, ok := e.fetchPlain(ctx, r, current)
		if !ok {
			continue
		}
		r.counters["sitemapsFetched"]++
		locs, err := parseSitemap(res.Body)
		if err != nil {
			r.counters["sitemapParseErrors"]++
			e.logger.Debug("unparseable sitemap", zap.String("url", current), zap.Error(err))
			continue
		}
		for _, l := range locs {
			if l.nested || isSitemapURL(l.loc) {
				if next, ok := urlutil.NormalizeURL(l.loc, res.FinalURL, urlutil.Options{}); ok {
					if _, dup := seen[next]; !dup {
						r.counters["nestedSitemaps"]++
						queue = append(queue, next)
					}
				}
				continue
			}
			if !r.offer(l.loc, res.FinalURL) {
				return nil
			}
		}
	}
	return nil
}

// sitemapSources returns explicit sitemap URLs, else the Sitemap:
// directives from robots.txt, else /sitemap.xml on the seed origin.
func (e *Engine) sitemapSources(ctx context.Context, r *run) []string {
	var sources []string
	for _, raw := range r.profile.Discovery.SitemapURLs {
		if u, ok := urlutil.NormalizeURL(raw, "", urlutil.Options{}); ok {
			sources = append(sources, u)
		}
	}
	if len(sources) > 0 {
		return sources
	}

	origin := ""
	for _, seed := range r.profile.Discovery.SeedURLs {
		if u, err := url.Parse(strings.TrimSpace(seed)); err == nil && u.Host != "" {
			origin = fmt.Sprintf("%s://%s", strings.ToLower(u.Scheme), strings.ToLower(u.Host))
			break
		}
	}
	if origin == "" {
		return nil
	}

	if r.canFetch() {
		if res, ok := e.fetchPlain(ctx, r, origin+"/robots.txt"); ok {
			robots, err := robotstxt.FromStatusAndBytes(res.StatusCode(), []byte(res.Body))
			if err == nil {
				for _, sm := range robots.Sitemaps {
					if u, ok := urlutil.NormalizeURL(sm, origin, urlutil.Options{}); ok {
						sources = append(sources, u)
					}
				}
			}
			r.counters["robotsSitemaps"] = len(sources)
		}
	}
	if len(sources) == 0 {
		sources = append(sources, origin+"/sitemap.xml")
	}
	return sources
}

// parseSitemap extracts <loc> entries from a urlset or sitemapindex document,
// ignoring XML namespaces.
func parseSitemap(body string) ([]sitemapLoc, error) {
	doc, err := xmlquery.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse sitemap xml: %w", err)
	}
	nodes := xmlquery.Find(doc, "//*[local-name()='loc']")
	if len(nodes) == 0 && xmlquery.FindOne(doc, "//*[local-name()='urlset' or local-name()='sitemapindex']") == nil {
		return nil, fmt.Errorf("document is not a sitemap")
	}
	locs := make([]sitemapLoc, 0, len(nodes))
	for _, n := range nodes {
		loc := strings.TrimSpace(n.InnerText())
		if loc == "" {
			continue
		}
		nested := n.Parent != nil && strings.EqualFold(n.Parent.Data, "sitemap")
		locs = append(locs, sitemapLoc{loc: loc, nested: nested})
	}
	return locs, nil
}

func isSitemapURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".xml")
}
