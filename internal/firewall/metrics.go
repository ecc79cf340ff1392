package firewall

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPendingDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardian_firewall_pending_depth",
			Help: "Addresses waiting in the per-node pending-ban slot",
		},
		[]string{"node"},
	)

	metricPendingOverflow = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_firewall_pending_overflow_total",
			Help: "New addresses dropped because the pending-ban slot was full",
		},
		[]string{"node"},
	)

	metricBanLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guardian_firewall_ban_latency_seconds",
			Help:    "End-to-end latency from enqueue to batch submit completion",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"node"},
	)

	metricBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guardian_firewall_batch_size",
			Help:    "Addresses submitted per remote batch command",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"node"},
	)

	metricBatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_firewall_batch_failures_total",
			Help: "Remote batch commands that exited non-zero",
		},
		[]string{"node"},
	)

	metricEnsureFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_firewall_ensure_failures_total",
			Help: "Rule ensurance attempts that failed verification",
		},
		[]string{"node"},
	)
)
