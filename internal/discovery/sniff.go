package discovery

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	bareURLPattern    = regexp.MustCompile(`https?://[^\s"'<>\\` + "`" + `{}|^]+`)
	escapedURLPattern = regexp.MustCompile(`https?:\\/\\/(?:[^\s"'<>\\]|\\/)+`)
)

const urlTrailingPunct = ".,;:)]}!?"

func (e *Engine) discoverEndpointSniff(ctx context.Context, r *run) error {
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

		candidates, capped := harvestCandidates(res.Body, e.perSeedCap)
		r.counters["candidatesSeen"] += len(candidates)
		if capped {
			r.counters["candidatesCapped"]++
		}
		exhausted := false
		if remaining := e.globalCap - r.candidates; len(candidates) > remaining {
			candidates = candidates[:max(remaining, 0)]
			r.counters["candidatesCapped"]++
			exhausted = true
		}
		r.candidates += len(candidates)

		for _, c := range candidates {
			if !r.offer(c, res.FinalURL) {
				return nil
			}
		}
		if exhausted {
			r.stoppedBy = StoppedByCandidateCap
			return nil
		}
	}
	return nil
}

// harvestCandidates pulls URL candidates out of a raw page in a fixed order:
// href attributes, bare absolute URLs, backslash-escaped absolute URLs, then
// URLs inside JSON-LD blocks. Duplicates are dropped and the list is capped.
func harvestCandidates(body string, limit int) ([]string, bool) {
	h := &harvest{limit: limit, seen: make(map[string]struct{})}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err == nil {
		doc.Find("[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href, _ := s.Attr("href")
			return h.add(href)
		})
	}
	for _, m := range bareURLPattern.FindAllString(body, -1) {
		if !h.add(strings.TrimRight(m, urlTrailingPunct)) {
			return h.out, true
		}
	}
	for _, m := range escapedURLPattern.FindAllString(body, -1) {
		if !h.add(strings.TrimRight(strings.ReplaceAll(m, `\/`, "/"), urlTrailingPunct)) {
			return h.out, true
		}
	}
	if doc != nil {
		doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			var v any
			if err := json.Unmarshal([]byte(s.Text()), &v); err != nil {
				return true
			}
			return walkJSONURLs(v, h.add)
		})
	}
	return h.out, h.full
}

type harvest struct {
	limit int
	seen  map[string]struct{}
	out   []string
	full  bool
}

// add records a candidate and returns false once the cap is reached.
func (h *harvest) add(raw string) bool {
	if h.full {
		return false
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}
	if _, dup := h.seen[raw]; dup {
		return true
	}
	if h.limit > 0 && len(h.out) >= h.limit {
		h.full = true
		return false
	}
	h.seen[raw] = struct{}{}
	h.out = append(h.out, raw)
	return true
}

// walkJSONURLs visits every string that looks like a URL, in a stable order.
func walkJSONURLs(v any, visit func(string) bool) bool {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "http") || strings.HasPrefix(t, "/") {
			return visit(t)
		}
	case []any:
		for _, item := range t {
			if !walkJSONURLs(item, visit) {
				return false
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !walkJSONURLs(t[k], visit) {
				return false
			}
		}
	}
	return true
}
