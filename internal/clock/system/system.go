// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock. Times are always UTC so persisted
// timestamps and run events compare without zone conversion.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
