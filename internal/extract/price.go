package extract

import (
	"strconv"
	"strings"
)

// ParsePrice reads a human-formatted amount such as "1 234,50 kr",
// "$1,234.50" or "NOK 250 000,-". The last separator followed by one or two
// digits is the decimal mark; any other separator groups thousands.
func ParsePrice(raw string) (float64, bool) {
	var b strings.Builder
	started := false
scan:
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			started = true
		case !started:
		case r == ',' || r == '.':
			b.WriteRune(r)
		case r == ' ' || r == '\u00a0' || r == '\u202f' || r == '\'':
			// digit grouping
		default:
			break scan
		}
	}
	s := strings.TrimRight(b.String(), ".,")
	if s == "" {
		return 0, false
	}

	if i := strings.LastIndexAny(s, ".,"); i >= 0 {
		frac := s[i+1:]
		sep := s[i]
		decimal := (len(frac) == 1 || len(frac) == 2) ||
			(len(frac) != 3 && strings.Count(s, string(sep)) == 1)
		if decimal {
			s = strings.NewReplacer(",", "", ".", "").Replace(s[:i]) + "." + frac
		} else {
			s = strings.NewReplacer(",", "", ".", "").Replace(s)
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
