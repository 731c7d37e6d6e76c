package authz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts gate decisions by outcome and grant source.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions, by decision and grant source",
		},
		[]string{"decision", "source"},
	)

	DecisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "authz_decision_duration_seconds",
			Help:    "Time to resolve an authorization decision, including audit recording",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)
)
