package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestRecorderCountsOnInjectedRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	rec, err := NewRecorder(reg)
	require.NoError(t, err)

	rec.ObserveOffer(OfferAccepted)
	rec.ObserveOffer(OfferAccepted)
	rec.ObserveOffer(OfferVisited)
	rec.ObservePoll(PollStore)
	rec.ObserveRestored(3)
	rec.ObserveCorruptDocument("queue")
	rec.ObserveBulkFailures("queue", 2)
	rec.ObserveDispatch("https://Example.com/a", "published")
	rec.ObserveRateLimitDelay("example.com", 20*time.Millisecond)

	require.InDelta(t, 2, testutil.ToFloat64(rec.offersTotal.WithLabelValues(OfferAccepted)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(rec.offersTotal.WithLabelValues(OfferVisited)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(rec.pollsTotal.WithLabelValues(PollStore)), 0)
	require.InDelta(t, 3, testutil.ToFloat64(rec.restoredTotal), 0)
	require.InDelta(t, 1, testutil.ToFloat64(rec.corruptDocumentsTotal.WithLabelValues("queue")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(rec.bulkFailuresTotal.WithLabelValues("queue")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(rec.dispatchedTotal.WithLabelValues("example.com", "published")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestRecorderRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewRecorder(reg)
	require.NoError(t, err)
	_, err = NewRecorder(reg)
	require.Error(t, err)
}

func TestNilRecorderIsSafe(t *testing.T) {
	t.Parallel()

	var rec *Recorder
	rec.ObserveOffer(OfferAccepted)
	rec.ObservePoll(PollEmpty)
	rec.ObserveRefill(10)
	rec.ObserveHTTPRequest("GET", "/healthz", 200, time.Millisecond)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
