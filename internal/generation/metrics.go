package generation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// generationRequests counts generation calls.
	// Labels: tier, provider, status (ok, timeout, error, budget)
	generationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datamind",
		Subsystem: "generation",
		Name:      "requests_total",
		Help:      "Generation calls by tier, provider and status",
	}, []string{"tier", "provider", "status"})

	// generationTokens counts tokens by direction.
	// Labels: tier, direction (input, output)
	generationTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datamind",
		Subsystem: "generation",
		Name:      "tokens_total",
		Help:      "Tokens consumed by tier and direction",
	}, []string{"tier", "direction"})

	generationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "datamind",
		Subsystem: "generation",
		Name:      "latency_seconds",
		Help:      "Generation latency by tier",
		Buckets:   []float64{0.02, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"tier"})
)
