// Package system exercises the wall clock adapter.
package system

import (
	"testing"
	"time"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

// TestClockNowMillisecondPrecision checks timestamps survive a millisecond round trip.
func TestClockNowMillisecondPrecision(t *testing.T) {
	t.Parallel()

	got := New().Now()
	if !time.UnixMilli(got.UnixMilli()).UTC().Equal(got) {
		t.Fatalf("expected %v to have millisecond precision", got)
	}
	if got.Nanosecond()%int(time.Millisecond) != 0 {
		t.Fatalf("unexpected sub-millisecond component in %v", got)
	}
}
