// Package metrics instruments the sync core with Prometheus counters and
// histograms, in the naming convention of
// ollama-distributed/internal/metrics/metrics.go.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the sync core exports. Callers register
// it once against their own prometheus.Registerer.
type Registry struct {
	SyncRounds        *prometheus.CounterVec
	RewriteRounds     prometheus.Counter
	OpsRewritten      prometheus.Counter
	OpsDiscarded      prometheus.Counter
	OpsInvalidated    prometheus.Counter
	PiggybackedOps    prometheus.Counter
	VectorClockPrunes prometheus.Counter
	RoundDuration     prometheus.Histogram
}

// NewRegistry constructs a Registry and registers every metric against
// reg. Passing prometheus.NewRegistry() keeps tests isolated from the
// global default registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		SyncRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synccore",
			Name:      "rounds_total",
			Help:      "Sync orchestrator rounds, partitioned by outcome.",
		}, []string{"outcome"}),
		RewriteRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synccore",
			Name:      "rewrite_rounds_total",
			Help:      "Superseded-op rewrite rounds entered across all sync rounds.",
		}),
		OpsRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synccore",
			Name:      "ops_rewritten_total",
			Help:      "Local operations rewritten into LWW rewrite ops by C5.",
		}),
		OpsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synccore",
			Name:      "ops_discarded_total",
			Help:      "Local operations discarded by C5 because entity state was unavailable.",
		}),
		OpsInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synccore",
			Name:      "ops_invalidated_total",
			Help:      "Local operations invalidated by the sync-import filter (C6).",
		}),
		PiggybackedOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synccore",
			Name:      "piggybacked_ops_total",
			Help:      "Peer operations absorbed via piggyback during upload (C7).",
		}),
		VectorClockPrunes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synccore",
			Name:      "vector_clock_prunes_total",
			Help:      "Times LimitSize actually dropped at least one key.",
		}),
		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "synccore",
			Name:      "round_duration_seconds",
			Help:      "Wall-clock duration of a full orchestrator round.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		r.SyncRounds,
		r.RewriteRounds,
		r.OpsRewritten,
		r.OpsDiscarded,
		r.OpsInvalidated,
		r.PiggybackedOps,
		r.VectorClockPrunes,
		r.RoundDuration,
	)

	return r
}
