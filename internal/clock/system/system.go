// Package system provides the wall clock used to stamp frontier entries.
package system

import "time"

// Clock returns UTC time truncated to millisecond precision, which is the
// resolution timestamps are persisted at.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
