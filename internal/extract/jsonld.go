package extract

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// collectJSONLD decodes every ld+json block, flattening arrays and @graph.
func collectJSONLD(doc *goquery.Document) ([]map[string]any, int) {
	var (
		objects []map[string]any
		errs    int
	)
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &v); err != nil {
			errs++
			return
		}
		objects = flattenLD(v, objects)
	})
	return objects, errs
}

func flattenLD(v any, out []map[string]any) []map[string]any {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			out = flattenLD(item, out)
		}
	case map[string]any:
		out = append(out, t)
		if graph, ok := t["@graph"]; ok {
			out = flattenLD(graph, out)
		}
	}
	return out
}

// ldTypes returns the @type values of obj.
func ldTypes(obj map[string]any) []string {
	switch t := obj["@type"].(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// allTypes lists the distinct @type values on the page, sorted.
func (p *page) allTypes() []string {
	set := make(map[string]struct{})
	for _, obj := range p.ld {
		for _, t := range ldTypes(obj) {
			set[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

var itemTypes = map[string]struct{}{
	"product": {}, "vehicle": {}, "car": {}, "motorizedbicycle": {}, "individualproduct": {},
	"productmodel": {}, "offer": {}, "realestatelisting": {}, "accommodation": {},
}

// item returns the JSON-LD object describing the page's main item.
func (p *page) item() map[string]any {
	for _, obj := range p.ld {
		for _, t := range ldTypes(obj) {
			if _, ok := itemTypes[strings.ToLower(t)]; ok {
				return obj
			}
		}
	}
	return nil
}

// ldString reads a scalar JSON-LD value as text. Objects yield their
// "name" or "@value".
func ldString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case map[string]any:
		for _, k := range []string{"name", "@value", "value"} {
			if s := ldString(t[k]); s != "" {
				return s
			}
		}
	case []any:
		if len(t) > 0 {
			return ldString(t[0])
		}
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
	return ""
}

// ldImages reads an image property that may be a string, an ImageObject or a list of either.
func ldImages(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case map[string]any:
		if s := ldString(t["url"]); s != "" {
			return []string{s}
		}
		if s := ldString(t["contentUrl"]); s != "" {
			return []string{s}
		}
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, ldImages(item)...)
		}
		return out
	}
	return nil
}

// ldOffer returns the first offer of item, looking through AggregateOffer.
func ldOffer(item map[string]any) map[string]any {
	if item == nil {
		return nil
	}
	switch t := item["offers"].(type) {
	case map[string]any:
		return t
	case []any:
		for _, v := range t {
			if m, ok := v.(map[string]any); ok {
				return m
			}
		}
	}
	for _, typ := range ldTypes(item) {
		if strings.EqualFold(typ, "offer") {
			return item
		}
	}
	return nil
}
