package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
)

// MaxEquipment caps the vehicle equipment list.
const MaxEquipment = 30

// vehicleLabels maps attribute keys to label texts in en, no, sv, da and de.
var vehicleLabels = []struct {
	key    string
	labels []string
}{
	{"registrationNumber", []string{"registration number", "registration", "reg. no", "reg no", "reg.nr", "regnr", "registreringsnummer", "reg.nr.", "kennzeichen", "amtliches kennzeichen", "nummerplade"}},
	{"mileage", []string{"mileage", "odometer", "kilometers", "km-stand", "kilometerstand", "kilometer", "miltal", "mätarställning", "kørt", "km stand", "laufleistung", "kilometerstand"}},
	{"fuelType", []string{"fuel type", "fuel", "drivstoff", "bränsle", "drivmedel", "brændstof", "kraftstoff", "kraftstoffart"}},
	{"gearbox", []string{"gearbox", "transmission", "girkasse", "växellåda", "gearkasse", "geartype", "getriebe", "getriebeart"}},
	{"modelYear", []string{"model year", "year", "årsmodell", "modellår", "årsmodel", "modelår", "baujahr", "erstzulassung", "first registration", "1. gang registrert", "første registrering"}},
	{"vehicleType", []string{"vehicle type", "body type", "body", "karosseri", "kaross", "karosstyp", "biltype", "karosserie", "fahrzeugtyp"}},
	{"color", []string{"colour", "color", "farge", "färg", "farve", "farbe"}},
	{"make", []string{"make", "brand", "manufacturer", "merke", "märke", "mærke", "marke", "hersteller"}},
	{"model", []string{"model", "modell", "modelbetegnelse"}},
}

var (
	equipmentHeading = regexp.MustCompile(`(?i)\b(equipment|features|utstyr|utrustning|udstyr|ausstattung|extra)`)
	modelYearPattern = regexp.MustCompile(`\b(19[5-9]\d|20[0-4]\d)\b`)
	numberPattern    = regexp.MustCompile(`\d[\d\s.,\x{00a0}\x{202f}]*`)
	scandiMile       = regexp.MustCompile(`(?i)\bmil\b`)
	labelValueText   = regexp.MustCompile(`^\s*([^:]{2,40}):\s*(.+?)\s*$`)
)

func extractVehicle(p *page, res *crawler.ExtractResult) {
	pairs := labelPairs(p.doc)
	found := make(map[string]string)
	for _, pair := range pairs {
		for _, def := range vehicleLabels {
			if _, done := found[def.key]; done {
				continue
			}
			if matchesLabel(pair.label, def.labels) {
				found[def.key] = pair.value
				break
			}
		}
	}
	for key, value := range ldVehicleFields(p.item()) {
		if _, ok := found[key]; !ok && value != "" {
			found[key] = value
		}
	}

	for key, value := range found {
		res.AttributesJSON[key] = value
	}
	if raw, ok := found["mileage"]; ok {
		if km, ok := MileageKm(raw); ok {
			res.AttributesJSON["mileageKm"] = km
		}
	}
	if raw, ok := found["modelYear"]; ok {
		if year, ok := ModelYear(raw); ok {
			res.AttributesJSON["modelYearInt"] = year
		}
	}
	if equipment := vehicleEquipment(p.doc); len(equipment) > 0 {
		res.AttributesJSON["equipment"] = equipment
	}
}

type labelPair struct {
	label string
	value string
}

// labelPairs collects label/value pairs from definition lists, table rows
// and "Label: value" list items or paragraphs, in document order per kind.
func labelPairs(doc *goquery.Document) []labelPair {
	var pairs []labelPair
	add := func(label, value string) {
		label = normalizeLabel(label)
		value = collapseSpace(value)
		if label != "" && value != "" {
			pairs = append(pairs, labelPair{label: label, value: value})
		}
	}

	doc.Find("dt").Each(func(_ int, s *goquery.Selection) {
		add(s.Text(), s.NextFiltered("dd").Text())
	})
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		if th := row.Find("th").First(); th.Length() > 0 {
			add(th.Text(), row.Find("td").First().Text())
			return
		}
		if cells := row.Find("td"); cells.Length() == 2 {
			add(cells.Eq(0).Text(), cells.Eq(1).Text())
		}
	})
	doc.Find("li, p").Each(func(_ int, s *goquery.Selection) {
		if m := labelValueText.FindStringSubmatch(collapseSpace(s.Text())); m != nil {
			add(m[1], m[2])
		}
	})
	return pairs
}

func normalizeLabel(s string) string {
	s = strings.ToLower(collapseSpace(s))
	return strings.TrimSpace(strings.TrimRight(s, ":"))
}

// matchesLabel accepts an exact label or one followed by a unit suffix,
// such as "mileage (km)".
func matchesLabel(label string, candidates []string) bool {
	for _, c := range candidates {
		if label == c || strings.HasPrefix(label, c+" (") || strings.HasPrefix(label, c+" [") {
			return true
		}
	}
	return false
}

// ldVehicleFields reads schema.org Vehicle properties.
func ldVehicleFields(item map[string]any) map[string]string {
	if item == nil {
		return nil
	}
	return map[string]string{
		"registrationNumber": ldString(item["vehicleRegistration"]),
		"mileage":            ldMileage(item["mileageFromOdometer"]),
		"fuelType":           ldString(item["fuelType"]),
		"gearbox":            ldString(item["vehicleTransmission"]),
		"modelYear":          firstNonEmpty(ldString(item["vehicleModelDate"]), ldString(item["modelDate"]), ldString(item["productionDate"])),
		"vehicleType":        ldString(item["bodyType"]),
		"color":              ldString(item["color"]),
		"make":               firstNonEmpty(ldString(item["manufacturer"]), ldString(item["brand"])),
		"model":              ldString(item["model"]),
	}
}

func ldMileage(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ldString(v)
	}
	value := ldString(m["value"])
	if value == "" {
		return ""
	}
	switch strings.ToUpper(ldString(m["unitCode"])) {
	case "KMT", "":
		return value + " km"
	case "SMI":
		return value + " mi"
	default:
		return value + " " + ldString(m["unitCode"])
	}
}

// MileageKm reads an odometer value in kilometres. Scandinavian "mil"
// (10 km) is converted.
func MileageKm(raw string) (int, bool) {
	m := numberPattern.FindString(raw)
	if m == "" {
		return 0, false
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, m)
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	lower := strings.ToLower(raw)
	if !strings.Contains(lower, "km") && scandiMile.MatchString(lower) {
		n *= 10
	}
	return n, true
}

// ModelYear returns the first plausible four-digit year in raw.
func ModelYear(raw string) (int, bool) {
	m := modelYearPattern.FindString(raw)
	if m == "" {
		return 0, false
	}
	year, err := strconv.Atoi(m)
	return year, err == nil
}

// vehicleEquipment reads the list following an equipment heading, else
// short standalone list items. Navigation lists are skipped.
func vehicleEquipment(doc *goquery.Document) []string {
	var items *goquery.Selection
	doc.Find("h2, h3, h4, h5, strong, dt, summary").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !equipmentHeading.MatchString(s.Text()) {
			return true
		}
		list := s.NextAllFiltered("ul, ol").First()
		if list.Length() == 0 {
			list = s.Parent().Find("ul, ol").First()
		}
		if list.Length() > 0 {
			items = list.Find("li")
			return false
		}
		return true
	})
	if items == nil {
		items = doc.Find("li").FilterFunction(func(_ int, s *goquery.Selection) bool {
			if s.ParentsFiltered("nav, header, footer").Length() > 0 || s.Find("a, ul, ol").Length() > 0 {
				return false
			}
			text := collapseSpace(s.Text())
			return text != "" && len(text) <= 60 && !strings.Contains(text, ":")
		})
	}

	out := make([]string, 0)
	seen := make(map[string]struct{})
	items.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := collapseSpace(s.Text())
		if text == "" {
			return true
		}
		if _, dup := seen[text]; dup {
			return true
		}
		seen[text] = struct{}{}
		out = append(out, text)
		return len(out) < MaxEquipment
	})
	return out
}
