// Package metrics provides Prometheus metrics for the aggregator:
// request counts, per-phase latencies, tunnel traffic, and reserved
// queue depth.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ragmux"

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0, 180.0,
}

var (
	// ChatRequests counts aggregator chat requests by mode and outcome.
	ChatRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Total number of chat requests",
		},
		[]string{"mode", "status"},
	)

	// PhaseLatency tracks per-phase latency of the pipeline.
	PhaseLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_latency_seconds",
			Help:      "Latency per pipeline phase",
			Buckets:   LatencyBuckets,
		},
		[]string{"phase"},
	)

	// RetrievalLegs counts retrieval fan-out legs by status.
	RetrievalLegs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_legs_total",
			Help:      "Total retrieval fan-out legs by status",
		},
		[]string{"status"},
	)

	// TunnelPublishes counts envelopes published on the tunnel bus.
	TunnelPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_publishes_total",
			Help:      "Total tunnel envelopes published",
		},
		[]string{"endpoint_type"},
	)

	// PeerTokensMinted counts minted peer tokens.
	PeerTokensMinted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_tokens_minted_total",
			Help:      "Total peer tokens minted",
		},
	)

	// ReservedQueues tracks the number of live reserved queues.
	ReservedQueues = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reserved_queues",
			Help:      "Number of live reserved queues",
		},
	)

	// StreamTokens counts token events emitted on chat streams.
	StreamTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_tokens_total",
			Help:      "Total token events emitted on chat streams",
		},
	)
)

// RecordChat records one completed chat request.
func RecordChat(mode, status string, total time.Duration) {
	ChatRequests.WithLabelValues(mode, status).Inc()
	PhaseLatency.WithLabelValues("total").Observe(total.Seconds())
}

// RecordPhase records the latency of a single pipeline phase.
func RecordPhase(phase string, d time.Duration) {
	PhaseLatency.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordRetrievalLeg records one fan-out leg outcome.
func RecordRetrievalLeg(status string) {
	RetrievalLegs.WithLabelValues(status).Inc()
}
