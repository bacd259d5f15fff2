package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the coordinator's Prometheus collectors.
type Metrics struct {
	Handoffs       *prometheus.CounterVec
	HandoffLatency prometheus.Histogram
	Recovered      *prometheus.CounterVec
}

// NewMetrics registers the coordinator collectors on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Handoffs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_handoffs_total",
			Help: "Handoff outcomes, by terminal status.",
		}, []string{"status"}),
		HandoffLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coordinator_handoff_latency_seconds",
			Help:    "Wall-clock latency of committed handoffs.",
			Buckets: prometheus.DefBuckets,
		}),
		Recovered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_recovered_transactions_total",
			Help: "Transactions reclaimed by the recovery scan, by action.",
		}, []string{"action"}),
	}
}
