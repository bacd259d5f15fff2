package participant

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the participant's Prometheus collectors. Each server
// owns its own registry so parallel instances never collide.
type Metrics struct {
	PrepareVotes *prometheus.CounterVec
	Commits      *prometheus.CounterVec
	Aborts       prometheus.Counter
}

// NewMetrics registers the participant collectors on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PrepareVotes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "participant_prepare_votes_total",
			Help: "2PC prepare votes issued, by vote.",
		}, []string{"vote"}),
		Commits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "participant_commits_total",
			Help: "2PC commit operations applied, by operation.",
		}, []string{"operation"}),
		Aborts: factory.NewCounter(prometheus.CounterOpts{
			Name: "participant_aborts_total",
			Help: "2PC abort requests processed.",
		}),
	}
}
