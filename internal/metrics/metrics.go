// Package metrics exposes Prometheus collectors for the frontier service.
package metrics

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Offer results.
const (
	OfferAccepted  = "accepted"
	OfferDuplicate = "duplicate"
	OfferVisited   = "visited"
	OfferInvalid   = "invalid"
	OfferFailed    = "failed"
)

// Poll sources.
const (
	PollOverlay = "overlay"
	PollStore   = "store"
	PollEmpty   = "empty"
)

// Intake outcomes.
const (
	IntakeAcked     = "acked"
	IntakeNacked    = "nacked"
	IntakeMalformed = "malformed"
)

// Dispatch outcomes.
const (
	DispatchPublished = "published"
	DispatchFailed    = "failed"
)

// Recorder owns the frontier collectors. A nil *Recorder records nothing.
type Recorder struct {
	offersTotal                *prometheus.CounterVec
	pollsTotal                 *prometheus.CounterVec
	refillBatchSize            prometheus.Histogram
	bulkFailuresTotal          *prometheus.CounterVec
	corruptDocumentsTotal      *prometheus.CounterVec
	restoredTotal              prometheus.Counter
	migratedTotal              prometheus.Counter
	reseededTotal              prometheus.Counter
	intakeMessagesTotal        *prometheus.CounterVec
	dispatchedTotal            *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
}

// NewRecorder creates the collectors and registers them on reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		offersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_offers_total",
				Help: "URLs offered to the frontier, labeled by result.",
			},
			[]string{"result"},
		),
		pollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_polls_total",
				Help: "Poll calls, labeled by where the entry came from.",
			},
			[]string{"source"},
		),
		refillBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "frontier_refill_batch_size",
				Help:    "Entries claimed from the store per overlay refill.",
				Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
			},
		),
		bulkFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_bulk_failures_total",
				Help: "Documents that failed inside bulk requests, labeled by collection.",
			},
			[]string{"collection"},
		),
		corruptDocumentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_corrupt_documents_total",
				Help: "Stored documents that failed to decode, labeled by collection.",
			},
			[]string{"collection"},
		),
		restoredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_shutdown_restored_total",
				Help: "Overlay entries written back to the store during shutdown.",
			},
		),
		migratedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_session_migrated_total",
				Help: "Queue entries moved to a new session id.",
			},
		),
		reseededTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_reseeded_total",
				Help: "Queue entries regenerated from access records.",
			},
		),
		intakeMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_intake_messages_total",
				Help: "Link batches received from Pub/Sub, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		dispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_dispatched_total",
				Help: "Entries published to the dispatch topic, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		),
		rateLimitDelaysSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "frontier_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
	}
	if reg == nil {
		return r, nil
	}
	collectors := []prometheus.Collector{
		r.offersTotal, r.pollsTotal, r.refillBatchSize, r.bulkFailuresTotal, r.corruptDocumentsTotal,
		r.restoredTotal, r.migratedTotal, r.reseededTotal, r.intakeMessagesTotal,
		r.dispatchedTotal, r.rateLimitDelaysSeconds, r.httpRequestsTotal, r.httpRequestDurationSeconds,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler exposes the collectors of gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveOffer counts one offered URL.
func (r *Recorder) ObserveOffer(result string) {
	if r == nil {
		return
	}
	r.offersTotal.WithLabelValues(result).Inc()
}

// ObservePoll counts one Poll call.
func (r *Recorder) ObservePoll(source string) {
	if r == nil {
		return
	}
	r.pollsTotal.WithLabelValues(source).Inc()
}

// ObserveRefill records the size of a claimed batch.
func (r *Recorder) ObserveRefill(size int) {
	if r == nil {
		return
	}
	r.refillBatchSize.Observe(float64(size))
}

// ObserveBulkFailures counts failed documents of a bulk request.
func (r *Recorder) ObserveBulkFailures(collection string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.bulkFailuresTotal.WithLabelValues(collection).Add(float64(n))
}

// ObserveCorruptDocument counts one stored document that did not decode.
func (r *Recorder) ObserveCorruptDocument(collection string) {
	if r == nil {
		return
	}
	r.corruptDocumentsTotal.WithLabelValues(collection).Inc()
}

// ObserveRestored counts entries written back at shutdown.
func (r *Recorder) ObserveRestored(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.restoredTotal.Add(float64(n))
}

// ObserveMigrated counts entries moved between sessions.
func (r *Recorder) ObserveMigrated(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.migratedTotal.Add(float64(n))
}

// ObserveReseeded counts entries regenerated from access records.
func (r *Recorder) ObserveReseeded(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.reseededTotal.Add(float64(n))
}

// ObserveIntake counts one received link batch.
func (r *Recorder) ObserveIntake(outcome string) {
	if r == nil {
		return
	}
	r.intakeMessagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveDispatch counts one published entry.
func (r *Recorder) ObserveDispatch(rawURL, outcome string) {
	if r == nil {
		return
	}
	r.dispatchedTotal.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func (r *Recorder) ObserveRateLimitDelay(domain string, duration time.Duration) {
	if r == nil {
		return
	}
	r.rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (r *Recorder) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	r.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, req)
		route := "unknown"
		if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		r.ObserveHTTPRequest(req.Method, route, rec.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.statusCode = code
	s.ResponseWriter.WriteHeader(code)
}
