package escalation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/datamind/control-plane/pkg/models"
)

var (
	// outcomes counts finished requests.
	// Labels: status, routed_tier, final_tier
	outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datamind",
		Subsystem: "escalation",
		Name:      "outcomes_total",
		Help:      "Finished requests by outcome and tier",
	}, []string{"status", "routed_tier", "final_tier"})

	escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datamind",
		Subsystem: "escalation",
		Name:      "escalations_total",
		Help:      "Tier escalations by source and target tier",
	}, []string{"from", "to"})

	attemptsPerRequest = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "datamind",
		Subsystem: "escalation",
		Name:      "attempts_per_request",
		Help:      "Generation attempts needed per request",
		Buckets:   []float64{1, 2, 3, 4, 5, 6},
	})
)

func recordOutcome(o *models.Outcome, routed models.InferenceTier) {
	outcomes.WithLabelValues(string(o.Status), routed.String(), o.FinalTier.String()).Inc()
	attemptsPerRequest.Observe(float64(len(o.Trace)))
}

func recordEscalation(from, to models.InferenceTier) {
	escalations.WithLabelValues(from.String(), to.String()).Inc()
}
