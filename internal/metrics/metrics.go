package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obs_bundle_build_failed",
			Help: "Number of times the bundle has failed to build",
		},
		[]string{"error_type"},
	)

	buildCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "obs_bundle_build_count",
			Help: "Total number of times the bundle has been built",
		},
	)

	buildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "obs_bundle_build_duration_seconds",
			Help:    "Bundle build duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10},
		},
	)

	lastBuildStart = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "obs_last_bundle_build_start_timestamp",
			Help: "Unix timestamp of when the last bundle build started",
		},
	)

	lastBuildEnd = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "obs_last_bundle_build_end_timestamp",
			Help: "Unix timestamp of when the last bundle build ended",
		},
	)

	bundleSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "obs_bundle_size_bytes",
			Help: "Size of the currently served bundle archive in bytes",
		},
	)

	bundleSequence = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "obs_bundle_sequence",
			Help: "Sequence number of the currently served bundle",
		},
	)

	sourcesCached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "obs_policy_sources",
			Help: "Number of policy sources currently admitted to the cache",
		},
	)

	entriesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obs_policy_entries_dropped_total",
			Help: "Policy-source entries excluded from bundles",
		},
		[]string{"reason"},
	)
)

func BundleBuildSucceeded(startTime time.Time, sequence uint64, sizeBytes int) {
	buildCount.Inc()
	buildDuration.Observe(time.Since(startTime).Seconds())
	lastBuildStart.Set(float64(startTime.Unix()))
	lastBuildEnd.Set(float64(time.Now().Unix()))
	bundleSequence.Set(float64(sequence))
	bundleSize.Set(float64(sizeBytes))
}

func BundleBuildFailed(errorType string) {
	buildFailed.WithLabelValues(errorType).Inc()
}

func SetSourcesCached(n int) {
	sourcesCached.Set(float64(n))
}

func EntryDropped(reason string) {
	entriesDropped.WithLabelValues(reason).Inc()
}
