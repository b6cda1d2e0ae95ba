// Package urlutil holds the URL hygiene rules shared by every discovery
// strategy: candidate sanitisation, normalisation, source item id derivation
// and per-run id uniqueness.
package urlutil

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
)

// Options controls NormalizeURL.
type Options struct {
	// StripQuery drops the query string.
	StripQuery bool
	// SameHost rejects URLs whose host differs from the base URL's host.
	SameHost bool
}

var blockedSchemes = map[string]struct{}{
	"mailto":     {},
	"tel":        {},
	"javascript": {},
	"data":       {},
	"blob":       {},
}

var nonDocumentExtensions = map[string]struct{}{
	// images
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".svg": {}, ".ico": {}, ".bmp": {}, ".avif": {}, ".tif": {}, ".tiff": {},
	// scripts and styles
	".js": {}, ".mjs": {}, ".css": {}, ".map": {},
	// archives
	".zip": {}, ".gz": {}, ".tgz": {}, ".rar": {}, ".7z": {}, ".tar": {}, ".bz2": {},
	// fonts
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	// media
	".mp4": {}, ".mp3": {}, ".webm": {}, ".avi": {}, ".mov": {}, ".wav": {}, ".ogg": {},
	// documents
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {},
}

var escapedSlashes = strings.NewReplacer(`\/`, "/", `\u002F`, "/", `\u002f`, "/", "%2F", "/", "%2f", "/")

// SanitizeCandidateURL reports whether raw may point at a document.
// Inputs that cannot be parsed, or relative references, pass through so that
// NormalizeURL can decide.
func SanitizeCandidateURL(raw string) bool {
	s := strings.TrimSpace(raw)
	if s == "" {
		return false
	}
	if i := strings.IndexByte(s, ':'); i > 0 {
		if _, blocked := blockedSchemes[strings.ToLower(s[:i])]; blocked {
			return false
		}
	}
	u, err := url.Parse(s)
	if err != nil {
		return true
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if _, blocked := nonDocumentExtensions[ext]; blocked {
		return false
	}
	return true
}

// NormalizeURL resolves raw against base and canonicalises it. It returns
// false when no absolute http(s) URL can be produced or when SameHost is set
// and the hosts differ. The output is stable under repeated normalisation.
func NormalizeURL(raw, base string, opts Options) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	s = escapedSlashes.Replace(s)

	ref, err := url.Parse(s)
	if err != nil {
		return "", false
	}

	var baseURL *url.URL
	if base != "" {
		if b, err := url.Parse(base); err == nil {
			baseURL = b
			ref = b.ResolveReference(ref)
		}
	}

	ref.Scheme = strings.ToLower(ref.Scheme)
	if (ref.Scheme != "http" && ref.Scheme != "https") || ref.Host == "" {
		return "", false
	}
	ref.Host = strings.ToLower(ref.Host)
	if ref.Scheme == "http" && strings.HasSuffix(ref.Host, ":80") {
		ref.Host = strings.TrimSuffix(ref.Host, ":80")
	}
	if ref.Scheme == "https" && strings.HasSuffix(ref.Host, ":443") {
		ref.Host = strings.TrimSuffix(ref.Host, ":443")
	}

	if opts.SameHost && baseURL != nil && baseURL.Host != "" && !SameSite(ref.Hostname(), baseURL.Hostname()) {
		return "", false
	}

	ref.User = nil
	ref.Fragment = ""
	ref.RawFragment = ""
	if opts.StripQuery {
		ref.RawQuery = ""
		ref.ForceQuery = false
	}

	ref.Path = trimTrailingSlash(ref.Path)
	if ref.RawPath != "" {
		ref.RawPath = trimTrailingSlash(ref.RawPath)
	}

	return ref.String(), true
}

// SameSite compares two hostnames ignoring case and a leading "www.".
func SameSite(a, b string) bool {
	a = strings.TrimPrefix(strings.ToLower(a), "www.")
	b = strings.TrimPrefix(strings.ToLower(b), "www.")
	return a == b
}

func trimTrailingSlash(p string) string {
	if p == "" {
		return "/"
	}
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

// ShortHash returns the first 10 hex characters of the SHA-1 of the
// normalised form of raw (or raw itself when it does not normalise).
func ShortHash(raw string) string {
	key := raw
	if normalized, ok := NormalizeURL(raw, "", Options{}); ok {
		key = normalized
	}
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])[:10]
}
