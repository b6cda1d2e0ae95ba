package fetcher

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
)

// ClassifyTransportError maps a transport failure to FETCH_TIMEOUT or
// FETCH_FAIL. Errors that already carry a code keep it.
func ClassifyTransportError(op string, err error) *crawler.Error {
	if err == nil {
		return nil
	}
	var coded *crawler.Error
	if errors.As(err, &coded) {
		return coded
	}
	if IsTimeout(err) {
		return crawler.NewError(crawler.CodeFetchTimeout, op, err)
	}
	return crawler.NewError(crawler.CodeFetchFail, op, err)
}

// IsTimeout reports whether err stems from a deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Client.Timeout exceeded") || strings.Contains(msg, "deadline exceeded")
}

// FailedResult builds the FetchResult returned alongside a transport error.
func FailedResult(url string, driver crawler.DriverKind, durationMs int64, err *crawler.Error) crawler.FetchResult {
	return crawler.FetchResult{
		FinalURL: url,
		Trace: crawler.FetchTrace{
			URL:        url,
			Driver:     driver,
			DurationMs: durationMs,
			Error:      err.Error(),
			ErrorCode:  err.Code,
		},
	}
}
