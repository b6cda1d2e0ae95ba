package extract

import (
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/abadojack/whatlanggo"
	"github.com/microcosm-cc/bluemonday"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
)

var textPolicy = bluemonday.StrictPolicy()

func extractGeneric(p *page) crawler.ExtractResult {
	item := p.item()
	res := crawler.ExtractResult{
		AttributesJSON: make(map[string]any),
		ImageURLs:      make([]string, 0),
	}

	res.BaseFields.Title = strPtr(firstNonEmpty(
		p.meta("og:title"),
		ldString(item["name"]),
		collapseSpace(p.doc.Find("title").First().Text()),
		collapseSpace(p.doc.Find("h1").First().Text()),
	))
	res.BaseFields.DescriptionText = strPtr(sanitizeText(firstNonEmpty(
		p.meta("og:description", "description"),
		ldString(item["description"]),
	)))

	amount, currency := p.price(item)
	res.BaseFields.PriceAmount = amount
	res.BaseFields.PriceCurrency = strPtr(currency)

	images := p.images(item)
	if len(images) > 0 {
		res.BaseFields.PrimaryImageURL = strPtr(images[0])
		res.ImageURLs = images
	}

	if types := p.allTypes(); len(types) > 0 {
		res.AttributesJSON["jsonLdTypes"] = types
	}
	for key, prop := range map[string]string{"sku": "sku", "brand": "brand", "condition": "itemCondition"} {
		if v := ldString(item[prop]); v != "" {
			res.AttributesJSON[key] = v
		}
	}
	if offer := ldOffer(item); offer != nil {
		if v := ldString(offer["availability"]); v != "" {
			res.AttributesJSON["availability"] = v
		}
	}
	if lang := detectLanguage(res.BaseFields); lang != "" {
		res.AttributesJSON["language"] = lang
	}
	return res
}

// price reads amount and currency from JSON-LD offers, then microdata,
// then product price meta tags.
func (p *page) price(item map[string]any) (*float64, string) {
	var (
		amount   *float64
		currency string
	)
	if offer := ldOffer(item); offer != nil {
		raw := ldString(offer["price"])
		if raw == "" {
			raw = ldString(offer["lowPrice"])
		}
		if v, ok := ParsePrice(raw); ok {
			amount = &v
		}
		currency = ldString(offer["priceCurrency"])
	}
	if amount == nil {
		sel := p.doc.Find(`[itemprop="price"]`).First()
		raw := sel.AttrOr("content", "")
		if raw == "" {
			raw = sel.Text()
		}
		if v, ok := ParsePrice(raw); ok {
			amount = &v
		}
	}
	if currency == "" {
		sel := p.doc.Find(`[itemprop="priceCurrency"]`).First()
		currency = firstNonEmpty(sel.AttrOr("content", ""), strings.TrimSpace(sel.Text()))
	}
	if amount == nil {
		if v, ok := ParsePrice(p.meta("product:price:amount", "og:price:amount")); ok {
			amount = &v
		}
	}
	if currency == "" {
		currency = p.meta("product:price:currency", "og:price:currency")
	}
	return amount, strings.ToUpper(strings.TrimSpace(currency))
}

// images returns deduplicated absolute image URLs, primary first.
func (p *page) images(item map[string]any) []string {
	var (
		out  []string
		seen = make(map[string]struct{})
	)
	add := func(raw string) {
		if len(out) >= MaxImages {
			return
		}
		abs, ok := p.resolve(raw)
		if !ok {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}

	p.doc.Find(`meta[property="og:image"], meta[property="og:image:url"]`).Each(func(_ int, s *goquery.Selection) {
		add(s.AttrOr("content", ""))
	})
	for _, img := range ldImages(item["image"]) {
		add(img)
	}
	p.doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered("header, nav, footer").Length() > 0 {
			return
		}
		add(firstNonEmpty(s.AttrOr("src", ""), s.AttrOr("data-src", ""), s.AttrOr("data-lazy-src", "")))
	})
	return out
}

// sanitizeText strips markup and entities, leaving collapsed plain text.
func sanitizeText(s string) string {
	if s == "" {
		return ""
	}
	return collapseSpace(html.UnescapeString(textPolicy.Sanitize(s)))
}

func detectLanguage(f crawler.BaseFields) string {
	var text string
	if f.Title != nil {
		text = *f.Title
	}
	if f.DescriptionText != nil {
		text += " " + *f.DescriptionText
	}
	if strings.TrimSpace(text) == "" {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
