package core

// metrics.go exposes a Prometheus registry of counters/gauges for the
// gateway's /metrics endpoint (SPEC_FULL.md §3 Metrics snapshot).
//
// Grounded on the teacher's core/system_health_logging.go HealthLogger:
// same NewRegistry + MustRegister shape, generalized from node/ledger
// health gauges to discovery/checkpoint/transport counters.

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the core reports.
type Metrics struct {
	Registry *prometheus.Registry

	DiscoveryAttemptsTotal    prometheus.Counter
	DiscoveryCacheHitRatio    prometheus.Gauge
	CheckpointSubmissionsTotal prometheus.Counter
	TransportReconnectsTotal  prometheus.Counter
}

// NewMetrics constructs and registers the core's metric set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{Registry: reg}

	m.DiscoveryAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "discovery_attempts_total",
		Help: "Total number of host discovery refresh attempts across all sources.",
	})
	m.DiscoveryCacheHitRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "discovery_cache_hit_ratio",
		Help: "Fraction of discoverAll calls served entirely from cache.",
	})
	m.CheckpointSubmissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_submissions_total",
		Help: "Total number of checkpoints submitted on-chain.",
	})
	m.TransportReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transport_reconnects_total",
		Help: "Total number of InferenceTransport reconnect attempts.",
	})

	reg.MustRegister(
		m.DiscoveryAttemptsTotal,
		m.DiscoveryCacheHitRatio,
		m.CheckpointSubmissionsTotal,
		m.TransportReconnectsTotal,
	)
	return m
}
