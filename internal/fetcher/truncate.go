package fetcher

import "unicode/utf8"

// DefaultMaxHTMLBytes bounds the HTML handed to parsers.
const DefaultMaxHTMLBytes = 2 << 20

// Truncation describes the outcome of TruncateHTMLForParse.
type Truncation struct {
	HTML           string
	WasTruncated   bool
	OriginalBytes  int
	TruncatedBytes int
}

// TruncateHTMLForParse caps html at maxBytes bytes without splitting a UTF-8
// sequence. A non-positive maxBytes disables the cap.
func TruncateHTMLForParse(html string, maxBytes int) Truncation {
	out := Truncation{HTML: html, OriginalBytes: len(html), TruncatedBytes: len(html)}
	if maxBytes <= 0 || len(html) <= maxBytes {
		return out
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(html[cut]) {
		cut--
	}
	out.HTML = html[:cut]
	out.WasTruncated = true
	out.TruncatedBytes = cut
	return out
}
