package cache

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lastSyncTimestamp is a Gauge that captures the timestamp of the last
	// successful cache sync
	lastSyncTimestamp *prometheus.GaugeVec
	// syncCount is a Counter vector of cache syncs
	syncCount *prometheus.CounterVec
	// syncLatency is a Histogram vector that keeps track of cache sync durations
	syncLatency *prometheus.HistogramVec
)

// EnableMetrics will enable metrics collection for cache syncs.
// Available metrics are...
//   - git_cache_last_sync_timestamp - (tags: remote)
//     A Gauge that captures the Timestamp of the last successful cache sync per remote.
//   - git_cache_sync_count - (tags: remote,success)
//     A Counter for each cache sync, incremented with each sync attempt and tagged with the result (success=true|false)
//   - git_cache_sync_latency_seconds - (tags: remote)
//     A Histogram that keeps track of the cache sync latency per remote.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	factory := promauto.With(registerer)

	lastSyncTimestamp = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "git_cache_last_sync_timestamp",
		Help:      "Timestamp of the last successful git cache sync",
	},
		[]string{
			// identity of the remote
			"remote",
		},
	)

	syncCount = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "git_cache_sync_count",
		Help:      "Count of git cache sync operations",
	},
		[]string{
			// identity of the remote
			"remote",
			// Whether the sync was successful or not
			"success",
		},
	)

	syncLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "git_cache_sync_latency_seconds",
		Help:      "Latency for git cache sync",
		Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 60, 90, 120, 150, 300},
	},
		[]string{
			// identity of the remote
			"remote",
		},
	)
}

// recordSync records a cache sync attempt by updating all the
// relevant metrics
func recordSync(remote string, success bool) {
	// if metrics not enabled return
	if lastSyncTimestamp == nil || syncCount == nil {
		return
	}
	if success {
		lastSyncTimestamp.With(prometheus.Labels{
			"remote": remote,
		}).Set(float64(time.Now().Unix()))
	}
	syncCount.With(prometheus.Labels{
		"remote":  remote,
		"success": strconv.FormatBool(success),
	}).Inc()
}

func updateSyncLatency(remote string, start time.Time) {
	// if metrics not enabled return
	if syncLatency == nil {
		return
	}
	syncLatency.WithLabelValues(remote).Observe(time.Since(start).Seconds())
}
