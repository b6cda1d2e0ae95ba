package urlutil

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
)

// MaxPatternLength caps customer-supplied regular expressions.
const MaxPatternLength = 512

var patternCache sync.Map // pattern -> *regexp.Regexp

// CompilePattern compiles a customer-supplied pattern. Go's regexp engine
// runs in linear time, so only the length is bounded here.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	if len(pattern) > MaxPatternLength {
		return nil, fmt.Errorf("pattern exceeds %d bytes", MaxPatternLength)
	}
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	patternCache.Store(pattern, re)
	return re, nil
}

// CompilePatterns compiles every valid pattern and reports the rest.
// Invalid patterns never abort the caller.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, []error) {
	var (
		compiled []*regexp.Regexp
		errs     []error
	)
	for _, p := range patterns {
		re, err := CompilePattern(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled, errs
}

// ExtractSourceItemID derives a stable id for rawURL. usedFallback is true
// when the configured rule yielded nothing and the URL hash was used instead.
func ExtractSourceItemID(rawURL string, rule crawler.IDRule) (id string, usedFallback bool) {
	switch rule.Mode {
	case crawler.IDModeRegex:
		if re, err := CompilePattern(rule.Pattern); err == nil {
			if m := re.FindStringSubmatch(rawURL); m != nil {
				candidate := m[0]
				if len(m) > 1 && m[1] != "" {
					candidate = m[1]
				}
				if candidate = strings.ToLower(strings.TrimSpace(candidate)); candidate != "" {
					return candidate, false
				}
			}
		}
	case crawler.IDModeLastSegment:
		if u, err := url.Parse(rawURL); err == nil {
			segments := strings.Split(u.Path, "/")
			for i := len(segments) - 1; i >= 0; i-- {
				if seg := strings.ToLower(strings.TrimSpace(segments[i])); seg != "" {
					return seg, false
				}
			}
		}
	}
	return ShortHash(rawURL), true
}

// EnsureUniqueID returns id, or id suffixed with the URL hash when id is
// already taken by a different URL. seen maps assigned ids to their URL and
// is updated in place.
func EnsureUniqueID(id, rawURL string, seen map[string]string) string {
	if owner, taken := seen[id]; !taken || owner == rawURL {
		seen[id] = rawURL
		return id
	}
	candidate := id + "-" + ShortHash(rawURL)
	for n := 2; ; n++ {
		owner, taken := seen[candidate]
		if !taken || owner == rawURL {
			seen[candidate] = rawURL
			return candidate
		}
		candidate = fmt.Sprintf("%s-%s-%d", id, ShortHash(rawURL), n)
	}
}
