package urlutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeCandidateURL(t *testing.T) {
	t.Parallel()

	rejected := []string{
		"",
		"   ",
		"mailto:sales@dealer.example",
		"tel:+4712345678",
		"javascript:void(0)",
		"JavaScript:alert(1)",
		"data:text/html;base64,AAAA",
		"blob:https://dealer.example/1234",
		"https://dealer.example/brochure.pdf",
		"https://dealer.example/img/car.JPG",
		"/static/app.js",
		"https://dealer.example/fonts/a.woff2",
		"https://dealer.example/files/all.zip",
	}
	for _, raw := range rejected {
		if SanitizeCandidateURL(raw) {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}

	accepted := []string{
		"https://dealer.example/cars/123",
		"/cars/123",
		"cars/123?color=red",
		"https://dealer.example/sitemap.xml",
		"https://dealer.example/%zz",
	}
	for _, raw := range accepted {
		if !SanitizeCandidateURL(raw) {
			t.Fatalf("expected %q to pass", raw)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		base string
		opts Options
		want string
		ok   bool
	}{
		{name: "relative with trailing slash", raw: "/foo/", base: "https://example.com", want: "https://example.com/foo", ok: true},
		{name: "root keeps slash", raw: "https://Example.com", want: "https://example.com/", ok: true},
		{name: "fragment dropped", raw: "https://example.com/a#photos", want: "https://example.com/a", ok: true},
		{name: "query kept", raw: "https://example.com/a?id=7", want: "https://example.com/a?id=7", ok: true},
		{name: "query stripped", raw: "https://example.com/a?id=7", opts: Options{StripQuery: true}, want: "https://example.com/a", ok: true},
		{name: "host lowercased", raw: "HTTPS://DEALER.Example:443/Cars/1", want: "https://dealer.example/Cars/1", ok: true},
		{name: "escaped slashes", raw: `https:\/\/example.com\/cars\/9`, want: "https://example.com/cars/9", ok: true},
		{name: "percent slashes", raw: "https:%2F%2Fexample.com%2Fcars%2F9", want: "https://example.com/cars/9", ok: true},
		{name: "protocol relative", raw: "//example.com/x/", base: "https://example.com/list", want: "https://example.com/x", ok: true},
		{name: "other host rejected", raw: "https://other.example/cars/1", base: "https://example.com", opts: Options{SameHost: true}, ok: false},
		{name: "www variant is same host", raw: "https://www.example.com/cars/1", base: "https://example.com", opts: Options{SameHost: true}, want: "https://www.example.com/cars/1", ok: true},
		{name: "no base relative", raw: "/cars/1", ok: false},
		{name: "non http scheme", raw: "ftp://example.com/file", ok: false},
		{name: "empty", raw: "  ", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := NormalizeURL(tc.raw, tc.base, tc.opts)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.Equal(t, tc.want, got)
			}
		})
	}
}

func TestNormalizeURLIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"https://Example.com/Cars/123/?sort=price#top",
		"http://example.com:80/a//",
		"https://example.com/a%20b/c",
		`https:\/\/example.com\/x?next=%2Fy`,
		"https://example.com/søk/bil",
		"https://example.com",
	}
	for _, in := range inputs {
		for _, opts := range []Options{{}, {StripQuery: true}, {SameHost: true}} {
			once, ok := NormalizeURL(in, "https://example.com", opts)
			require.True(t, ok, in)
			twice, ok := NormalizeURL(once, "https://example.com", opts)
			require.True(t, ok, once)
			require.Equal(t, once, twice)
		}
	}
}

func TestShortHashStable(t *testing.T) {
	t.Parallel()

	a := ShortHash("https://Example.com/cars/1#x")
	b := ShortHash("https://example.com/cars/1")
	require.Len(t, a, 10)
	require.Equal(t, a, b)
}
