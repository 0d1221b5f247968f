// Package metrics provides Prometheus metrics for a correlation run,
// exposed over MetricsAddr for external monitoring of a
// long-running scan.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WindowsScannedTotal counts windows handed to the scheduler.
	WindowsScannedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wingcorrelate_windows_scanned_total",
			Help: "Total number of time windows scanned in phase one",
		},
		[]string{"wing_id"},
	)

	// WindowsSufficientTotal counts windows that satisfied minimum_matches.
	WindowsSufficientTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wingcorrelate_windows_sufficient_total",
			Help: "Total number of windows with enough contributing sources to score",
		},
		[]string{"wing_id"},
	)

	// WindowQueryLatencySeconds measures per-window fill latency.
	WindowQueryLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wingcorrelate_window_query_latency_seconds",
			Help:    "Latency of filling one time window from all configured sources",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	// MatchesEmittedTotal counts matches phase two emits, including flagged duplicates.
	MatchesEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wingcorrelate_matches_emitted_total",
			Help: "Total correlation matches emitted",
		},
		[]string{"wing_id", "score_label"},
	)

	// DuplicatesPreventedTotal counts matches flagged as duplicates of an earlier MatchSet.
	DuplicatesPreventedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wingcorrelate_duplicates_prevented_total",
			Help: "Total matches flagged as duplicates of an earlier MatchSet",
		},
		[]string{"wing_id"},
	)

	// MatchesFailedValidationTotal counts matches dropped by integrity validation.
	MatchesFailedValidationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wingcorrelate_matches_failed_validation_total",
			Help: "Total candidate matches dropped by integrity validation before emission",
		},
		[]string{"wing_id"},
	)

	// QueryCacheHitsTotal and QueryCacheMissesTotal track per-source LRU cache effectiveness.
	QueryCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wingcorrelate_query_cache_hits_total",
			Help: "Total per-source query cache hits",
		},
	)
	QueryCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wingcorrelate_query_cache_misses_total",
			Help: "Total per-source query cache misses",
		},
	)

	// MemoryUsageBytes reports the peak sampled process memory usage,
	// set once phase one finishes.
	MemoryUsageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wingcorrelate_memory_usage_bytes",
			Help: "Peak sampled process memory usage during phase one",
		},
	)

	// HealthScore mirrors the error coordinator's rolling health score.
	HealthScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wingcorrelate_health_score",
			Help: "Rolling 0-100 health score derived from recorded run errors",
		},
	)

	// ETASeconds exposes the estimator's current projected seconds
	// remaining for the run, refreshed as windows complete.
	ETASeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wingcorrelate_eta_seconds",
			Help: "Projected seconds remaining for the current run",
		},
	)

	// ErrorsTotal counts run errors by taxonomy category.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wingcorrelate_errors_total",
			Help: "Total run errors by category",
		},
		[]string{"category", "severity"},
	)
)
