package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flashcharge"

var snapshotCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "soc_snapshots_total",
	Help:      "SOC snapshots resolved, by data source.",
}, []string{"source"})

var snapshotCacheCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "soc_snapshot_cache_total",
	Help:      "Snapshot cache lookups, by result.",
}, []string{"result"})

var stopCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "stop_requests_total",
	Help:      "Stop requests by origin and outcome.",
}, []string{"origin", "outcome"})

var startCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "start_requests_total",
	Help:      "Start requests by outcome.",
}, []string{"outcome"})

var prepaidCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "prepaid_sessions_completed_total",
	Help:      "Prepaid sessions completed, by reason.",
}, []string{"reason"})

var energyDivergence = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "energy_estimate_divergence_ratio",
	Help:      "Relative difference between the metered register and the linear power estimate.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
})

var pushConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "push_connections_active",
	Help:      "Open push channel connections.",
})

var upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "upstream_request_seconds",
	Help:      "Charge-control system call latency.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation", "outcome"})

func ObserveSnapshot(source string) {
	if source == "" {
		return
	}
	snapshotCounter.With(prometheus.Labels{"source": source}).Inc()
}

func ObserveSnapshotCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	snapshotCacheCounter.With(prometheus.Labels{"result": result}).Inc()
}

func ObserveStart(outcome string) {
	startCounter.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func ObserveStop(origin, outcome string) {
	if origin == "" {
		origin = "unknown"
	}
	stopCounter.With(prometheus.Labels{"origin": origin, "outcome": outcome}).Inc()
}

func ObservePrepaidCompleted(reason string) {
	prepaidCompleted.With(prometheus.Labels{"reason": reason}).Inc()
}

func ObserveEnergyDivergence(ratio float64) {
	energyDivergence.Observe(ratio)
}

func SetPushConnections(count int) {
	pushConnections.Set(float64(count))
}

func ObserveUpstream(operation, outcome string, elapsed time.Duration) {
	upstreamLatency.With(prometheus.Labels{"operation": operation, "outcome": outcome}).Observe(elapsed.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
