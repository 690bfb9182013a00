package provenance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// anchorAttempts counts ledger writes.
	// Labels: backend, result (ok, error)
	anchorAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datamind",
		Subsystem: "provenance",
		Name:      "anchor_attempts_total",
		Help:      "Anchor ledger write attempts by backend and result",
	}, []string{"backend", "result"})

	verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datamind",
		Subsystem: "provenance",
		Name:      "verifications_total",
		Help:      "Provenance record verifications by result",
	}, []string{"valid"})
)
