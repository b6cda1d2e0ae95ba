package discovery

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
)

// Path tokens that mark a URL as a likely detail page.
var (
	genericDetailTokens = []string{
		"/product/", "/products/", "/item/", "/items/", "/listing/", "/listings/",
		"/detail/", "/details/", "/p/", "/ad/", "/ads/", "/annonse/", "/annons/",
		"/produkt/", "/vare/", "/artikel/",
	}
	vehicleDetailTokens = []string{
		"/car/", "/cars/", "/bil/", "/biler/", "/bilar/", "/vehicle/", "/vehicles/",
		"/auto/", "/autos/", "/used/", "/brukt/", "/bruktbil/", "/fordon/",
		"/fahrzeug/", "/fahrzeuge/", "/occasion/", "/inventory/", "/stock/",
		"/lagerbil/", "/brugtbil/", "/brugte-biler/",
	}
	// numericSegment matches a final path segment carrying a 4+ digit id.
	numericSegment = regexp.MustCompile(`/[^/]*\d{4,}[^/]*$`)
)

// heuristicFor picks the detail-page heuristic used when a profile has no
// detail URL patterns. Sitemaps list every page type, so they accept any
// detail-like token; link-harvesting strategies use the vertical's tokens.
func heuristicFor(strategy crawler.DiscoveryStrategy, vertical crawler.Vertical) func(*url.URL) bool {
	var tokens []string
	switch {
	case strategy == crawler.StrategySitemap:
		tokens = append(append(tokens, genericDetailTokens...), vehicleDetailTokens...)
	case vertical == crawler.VerticalVehicle:
		tokens = vehicleDetailTokens
	default:
		tokens = genericDetailTokens
	}
	return func(u *url.URL) bool {
		return looksLikeDetail(u, tokens)
	}
}

func looksLikeDetail(u *url.URL, tokens []string) bool {
	if u == nil {
		return false
	}
	p := strings.ToLower(u.Path)
	if p == "" || p == "/" {
		return false
	}
	// Tokens need a following segment, so "/cars" or "/cars/" alone is a listing.
	for _, token := range tokens {
		if i := strings.Index(p, token); i >= 0 && len(p) > i+len(token) {
			return true
		}
	}
	return numericSegment.MatchString(p)
}
