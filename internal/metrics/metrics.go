// Package metrics exposes Prometheus collectors for the catalog crawler.
package metrics

import (
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetch results used as the "result" label.
const (
	ResultOK      = "ok"
	ResultGone    = "gone"
	ResultStatus  = "status"
	ResultTimeout = "timeout"
	ResultError   = "error"
)

// Product outcomes used as the "outcome" label.
const (
	OutcomeProcessed   = "processed"
	OutcomeSkippedDone = "skipped_done"
	OutcomeSkippedGone = "skipped_gone"
)

var (
	fetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_fetch_requests_total",
			Help: "Fetch attempts, labeled by site and result.",
		},
		[]string{"site", "result"},
	)

	fetchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_fetch_retries_total",
			Help: "Fetch retries after a timeout, labeled by site.",
		},
		[]string{"site"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_fetch_bytes_total",
			Help: "Bytes downloaded, labeled by site.",
		},
		[]string{"site"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalog_fetch_duration_seconds",
			Help:    "Fetch attempt latency, labeled by result.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"result"},
	)

	productsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_products_total",
			Help: "Products handled by the crawl, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalog_rate_limit_delay_seconds",
			Help:    "Time spent waiting on the request pacer, labeled by site.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"site"},
	)

	cacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_cache_hits_total",
			Help: "Artifacts served from the on-disk cache, labeled by kind.",
		},
		[]string{"kind"},
	)
)

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

// ObserveFetch records one fetch attempt.
func ObserveFetch(rawURL, result string, bytesFetched int, duration time.Duration) {
	site := SanitizeSite(rawURL)
	fetchRequestsTotal.WithLabelValues(site, result).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
	fetchDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveRetry records a retry of rawURL.
func ObserveRetry(rawURL string) {
	fetchRetriesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveProduct records the outcome for one product id.
func ObserveProduct(outcome string) {
	productsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCacheHit records an artifact reused from the store. kind is "page" or "image".
func ObserveCacheHit(kind string) {
	cacheHitsTotal.WithLabelValues(kind).Inc()
}

// ObserveRateLimitDelay records time a request spent waiting for a pacing token.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(site).Observe(delay.Seconds())
}
