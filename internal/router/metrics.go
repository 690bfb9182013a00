package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// routeDecisions counts routing decisions.
	// Labels: tier, intent, complexity, reason (policy, forced, fallback)
	routeDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datamind",
		Subsystem: "router",
		Name:      "decisions_total",
		Help:      "Total tier routing decisions",
	}, []string{"tier", "intent", "complexity", "reason"})

	// routeCache counts decision cache lookups.
	// Labels: result (hit, miss)
	routeCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datamind",
		Subsystem: "router",
		Name:      "cache_lookups_total",
		Help:      "Route decision cache lookups by result",
	}, []string{"result"})

	routeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "datamind",
		Subsystem: "router",
		Name:      "decision_seconds",
		Help:      "Time to produce a routing decision",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
)

func recordDecision(d reasonedDecision, seconds float64) {
	routeDecisions.WithLabelValues(d.Tier.String(), string(d.Intent), string(d.Complexity), d.reason).Inc()
	routeLatency.Observe(seconds)
}

func recordCacheLookup(hit bool) {
	if hit {
		routeCache.WithLabelValues("hit").Inc()
		return
	}
	routeCache.WithLabelValues("miss").Inc()
}
