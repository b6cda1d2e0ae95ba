package urlutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
)

func TestExtractSourceItemID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		url      string
		rule     crawler.IDRule
		want     string
		fallback bool
	}{
		{
			name: "capture group",
			url:  "https://dealer.example/cars/ABC123",
			rule: crawler.IDRule{Mode: crawler.IDModeRegex, Pattern: `/cars/([A-Za-z0-9]+)`},
			want: "abc123",
		},
		{
			name: "whole match without group",
			url:  "https://dealer.example/cars/77",
			rule: crawler.IDRule{Mode: crawler.IDModeRegex, Pattern: `\d+`},
			want: "77",
		},
		{
			name: "last segment",
			url:  "https://dealer.example/cars/volvo-v70-2015/",
			rule: crawler.IDRule{Mode: crawler.IDModeLastSegment},
			want: "volvo-v70-2015",
		},
		{
			name:     "regex miss falls back",
			url:      "https://dealer.example/about",
			rule:     crawler.IDRule{Mode: crawler.IDModeRegex, Pattern: `/cars/(\d+)`},
			want:     ShortHash("https://dealer.example/about"),
			fallback: true,
		},
		{
			name:     "invalid regex falls back",
			url:      "https://dealer.example/cars/1",
			rule:     crawler.IDRule{Mode: crawler.IDModeRegex, Pattern: `(`},
			want:     ShortHash("https://dealer.example/cars/1"),
			fallback: true,
		},
		{
			name:     "oversized pattern falls back",
			url:      "https://dealer.example/cars/1",
			rule:     crawler.IDRule{Mode: crawler.IDModeRegex, Pattern: strings.Repeat("a", MaxPatternLength+1)},
			want:     ShortHash("https://dealer.example/cars/1"),
			fallback: true,
		},
		{
			name:     "explicit hash",
			url:      "https://dealer.example/cars/1",
			rule:     crawler.IDRule{Mode: crawler.IDModeHash},
			want:     ShortHash("https://dealer.example/cars/1"),
			fallback: true,
		},
		{
			name:     "unknown mode",
			url:      "https://dealer.example/cars/1",
			rule:     crawler.IDRule{Mode: "magic"},
			want:     ShortHash("https://dealer.example/cars/1"),
			fallback: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			id, fallback := ExtractSourceItemID(tc.url, tc.rule)
			require.Equal(t, tc.want, id)
			require.Equal(t, tc.fallback, fallback)

			again, _ := ExtractSourceItemID(tc.url, tc.rule)
			require.Equal(t, id, again)
		})
	}
}

func TestEnsureUniqueID(t *testing.T) {
	t.Parallel()

	seen := map[string]string{}
	first := EnsureUniqueID("123", "https://a.example/cars/123", seen)
	require.Equal(t, "123", first)

	same := EnsureUniqueID("123", "https://a.example/cars/123", seen)
	require.Equal(t, "123", same)

	other := EnsureUniqueID("123", "https://a.example/bikes/123", seen)
	require.Equal(t, "123-"+ShortHash("https://a.example/bikes/123"), other)
	require.NotEqual(t, first, other)

	replay := map[string]string{}
	require.Equal(t, "123", EnsureUniqueID("123", "https://a.example/cars/123", replay))
	require.Equal(t, other, EnsureUniqueID("123", "https://a.example/bikes/123", replay))
}

func TestCompilePatterns(t *testing.T) {
	t.Parallel()

	compiled, errs := CompilePatterns([]string{`/cars/\d+`, `(`, "", `/bil/`})
	require.Len(t, compiled, 2)
	require.Len(t, errs, 2)
	require.True(t, compiled[0].MatchString("https://a.example/cars/12"))
}
