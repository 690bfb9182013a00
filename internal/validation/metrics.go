package validation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/datamind/control-plane/pkg/models"
)

var (
	// layerResults counts layer verdicts.
	// Labels: layer (L1..L8), status
	layerResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datamind",
		Subsystem: "validation",
		Name:      "layer_results_total",
		Help:      "Validation layer verdicts by layer and status",
	}, []string{"layer", "status"})

	dispositions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datamind",
		Subsystem: "validation",
		Name:      "dispositions_total",
		Help:      "Pipeline dispositions by kind",
	}, []string{"kind"})

	pipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "datamind",
		Subsystem: "validation",
		Name:      "pipeline_seconds",
		Help:      "Wall time of one validation pipeline run",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
)

func recordLayer(r models.ValidationResult) {
	layerResults.WithLabelValues(r.Layer.String(), string(r.Status)).Inc()
}

func recordDisposition(d models.Disposition, seconds float64) {
	dispositions.WithLabelValues(string(d.Kind)).Inc()
	pipelineDuration.Observe(seconds)
}
