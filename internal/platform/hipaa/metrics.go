package hipaa

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuditRecordsTotal counts entries by event type and where they ended up:
	// "stored" on the first write, "deferred" when queued for retry.
	AuditRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_total",
			Help: "Audit entries recorded, by event type and write outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// AuditRecordsDroppedTotal counts entries lost because the outbox was full.
	AuditRecordsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_records_dropped_total",
			Help: "Audit entries dropped because the retry outbox was full",
		},
	)

	// AuditOutboxDepth is the number of entries awaiting retry.
	AuditOutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_outbox_depth",
			Help: "Audit entries waiting in the retry outbox",
		},
	)

	// AuditStoreBreakerOpen is 1 while the audit store circuit breaker is open.
	AuditStoreBreakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_store_breaker_open",
			Help: "1 when the audit store circuit breaker is open, else 0",
		},
	)

	// AuditIncidentsTotal counts raised anomaly incidents by category.
	AuditIncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_incidents_total",
			Help: "Security incidents raised by anomaly detection",
		},
		[]string{"category"},
	)
)
