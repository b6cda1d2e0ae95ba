// Package fetcher selects fetch drivers for a site profile and holds the
// helpers every driver shares: byte-capped HTML truncation and transport
// error classification.
package fetcher
