package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	applied    *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	latency    prometheus.Histogram
	leaves     prometheus.Gauge
	nullifiers prometheus.Gauge
}

// newMetrics registers the pool collectors on reg. A nil reg keeps them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		applied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shieldpool",
			Name:      "transactions_applied_total",
			Help:      "Transactions applied to the pool, by kind.",
		}, []string{"kind"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shieldpool",
			Name:      "transactions_rejected_total",
			Help:      "Transactions rejected by the pool, by reason.",
		}, []string{"reason"}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shieldpool",
			Name:      "transaction_apply_seconds",
			Help:      "Time spent validating and applying a transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		leaves: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "shieldpool",
			Name:      "tree_leaves",
			Help:      "Number of commitments in the accumulator.",
		}),
		nullifiers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "shieldpool",
			Name:      "spent_nullifiers",
			Help:      "Number of spent nullifiers.",
		}),
	}
}
