package deploy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lastDeployTimestamp *prometheus.GaugeVec
	deployCount         *prometheus.CounterVec
	deployLatency       *prometheus.HistogramVec
	// deployedCommit is 1 for the commit each working dir is reset to
	deployedCommit *prometheus.GaugeVec
)

// EnableMetrics will enable metrics collection for deployments.
// Available metrics are...
//   - deployment_last_sync_timestamp - (tags: path)
//     A Gauge that captures the Timestamp of the last successful sync per working dir.
//   - deployment_sync_count - (tags: path,success)
//     A Counter for each working dir sync tagged with the result (success=true|false)
//   - deployment_sync_latency_seconds - (tags: path)
//     A Histogram that keeps track of the working dir sync latency.
//   - deployment_info - (tags: path,remote,ref,commit)
//     A Gauge set to 1 for the commit currently deployed at path.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	factory := promauto.With(registerer)

	lastDeployTimestamp = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "deployment_last_sync_timestamp",
		Help:      "Timestamp of the last successful working dir sync",
	},
		[]string{"path"},
	)

	deployCount = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "deployment_sync_count",
		Help:      "Count of working dir sync operations",
	},
		[]string{
			"path",
			// Whether the sync was successful or not
			"success",
		},
	)

	deployLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "deployment_sync_latency_seconds",
		Help:      "Latency for working dir sync",
		Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 60, 90, 120, 150, 300},
	},
		[]string{"path"},
	)

	deployedCommit = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "deployment_info",
		Help:      "Commit currently deployed in the working dir",
	},
		[]string{"path", "remote", "ref", "commit"},
	)
}

func recordDeploy(path string, success bool) {
	if lastDeployTimestamp == nil || deployCount == nil {
		return
	}
	if success {
		lastDeployTimestamp.With(prometheus.Labels{
			"path": path,
		}).Set(float64(time.Now().Unix()))
	}
	deployCount.With(prometheus.Labels{
		"path":    path,
		"success": strconv.FormatBool(success),
	}).Inc()
}

func updateDeployLatency(path string, start time.Time) {
	if deployLatency == nil {
		return
	}
	deployLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
}

func recordCommit(t Target, commit string) {
	if deployedCommit == nil {
		return
	}
	deployedCommit.DeletePartialMatch(prometheus.Labels{"path": t.Path})
	deployedCommit.With(prometheus.Labels{
		"path":   t.Path,
		"remote": t.Remote,
		"ref":    t.Ref,
		"commit": commit,
	}).Set(1)
}

func forgetTarget(path string) {
	// all vectors are created together
	if deployCount == nil {
		return
	}
	labels := prometheus.Labels{"path": path}
	lastDeployTimestamp.DeletePartialMatch(labels)
	deployCount.DeletePartialMatch(labels)
	deployLatency.DeletePartialMatch(labels)
	deployedCommit.DeletePartialMatch(labels)
}
