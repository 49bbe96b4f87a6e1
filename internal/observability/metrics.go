// Package observability provides Prometheus metrics for the engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Scoring
	AddressesScored   *prometheus.CounterVec
	ScoreDistribution prometheus.Histogram
	ScoringLatency    prometheus.Histogram
	WriteConflicts    prometheus.Counter

	// Chain stats
	ChainStatsLatency *prometheus.HistogramVec
	ChainStatsErrors  *prometheus.CounterVec

	// Graph
	GraphBuilds   *prometheus.CounterVec
	GraphNodes    prometheus.Gauge
	GraphClusters prometheus.Gauge
	ClusterDrift  prometheus.Gauge

	// Watchlist
	AlertsEmitted *prometheus.CounterVec

	// Passes
	PassRunsTotal *prometheus.CounterVec
	PassDuration  prometheus.Histogram

	// Ingest
	DiscoveriesConsumed *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against reg. A nil reg uses
// the default Prometheus registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "intel_engine"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		AddressesScored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "addresses_scored_total",
			Help:      "Addresses scored, by outcome",
		}, []string{"outcome"}),
		ScoreDistribution: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "risk_score",
			Help:      "Distribution of assigned risk scores",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		ScoringLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "duration_seconds",
			Help:      "Time to fetch, score and persist one address",
			Buckets:   prometheus.DefBuckets,
		}),
		WriteConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "write_conflicts_total",
			Help:      "Optimistic concurrency conflicts on registry writes",
		}),

		ChainStatsLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chainstats",
			Name:      "fetch_duration_seconds",
			Help:      "Chain statistics fetch latency by crypto type",
			Buckets:   prometheus.DefBuckets,
		}, []string{"crypto_type"}),
		ChainStatsErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chainstats",
			Name:      "fetch_errors_total",
			Help:      "Chain statistics fetch failures by reason",
		}, []string{"reason"}),

		GraphBuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "builds_total",
			Help:      "Graph builds by mode",
		}, []string{"mode"}),
		GraphNodes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "nodes",
			Help:      "Node count of the last full-pass graph",
		}),
		GraphClusters: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "clusters",
			Help:      "Cluster count of the last full-pass graph",
		}),
		ClusterDrift: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "cluster_drift_ari",
			Help:      "Adjusted Rand Index between the last two pass clusterings",
		}),

		AlertsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchlist",
			Name:      "alerts_emitted_total",
			Help:      "Watchlist alerts emitted by severity",
		}, []string{"severity"}),

		PassRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pass",
			Name:      "runs_total",
			Help:      "Scoring passes by status",
		}, []string{"status"}),
		PassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pass",
			Name:      "duration_seconds",
			Help:      "Duration of full scoring passes",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),

		DiscoveriesConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "discoveries_total",
			Help:      "Discoveries consumed by outcome",
		}, []string{"outcome"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordScore records a successfully persisted score.
func RecordScore(score int, seconds float64) {
	DefaultMetrics.AddressesScored.WithLabelValues("ok").Inc()
	DefaultMetrics.ScoreDistribution.Observe(float64(score))
	DefaultMetrics.ScoringLatency.Observe(seconds)
}

// RecordScoreFailure records an address that could not be scored.
func RecordScoreFailure(reason string) {
	DefaultMetrics.AddressesScored.WithLabelValues(reason).Inc()
}

// RecordWriteConflict increments the registry conflict counter.
func RecordWriteConflict() {
	DefaultMetrics.WriteConflicts.Inc()
}

// RecordChainStats records one provider call.
func RecordChainStats(cryptoType string, seconds float64, errReason string) {
	DefaultMetrics.ChainStatsLatency.WithLabelValues(cryptoType).Observe(seconds)
	if errReason != "" {
		DefaultMetrics.ChainStatsErrors.WithLabelValues(errReason).Inc()
	}
}

// RecordGraphBuild records a graph build.
func RecordGraphBuild(mode string) {
	DefaultMetrics.GraphBuilds.WithLabelValues(mode).Inc()
}

// UpdateGraphSize sets the full-pass graph gauges.
func UpdateGraphSize(nodes, clusters int) {
	DefaultMetrics.GraphNodes.Set(float64(nodes))
	DefaultMetrics.GraphClusters.Set(float64(clusters))
}

// UpdateClusterDrift sets the pass-over-pass ARI gauge.
func UpdateClusterDrift(ari float64) {
	DefaultMetrics.ClusterDrift.Set(ari)
}

// RecordAlert increments the alert counter for severity.
func RecordAlert(severity string) {
	DefaultMetrics.AlertsEmitted.WithLabelValues(severity).Inc()
}

// RecordPass records a completed scoring pass.
func RecordPass(status string, durationSeconds float64) {
	DefaultMetrics.PassRunsTotal.WithLabelValues(status).Inc()
	DefaultMetrics.PassDuration.Observe(durationSeconds)
}

// RecordDiscovery records one consumed discovery message.
func RecordDiscovery(outcome string) {
	DefaultMetrics.DiscoveriesConsumed.WithLabelValues(outcome).Inc()
}
