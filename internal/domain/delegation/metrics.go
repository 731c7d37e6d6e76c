package delegation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OperationsTotal counts delegation engine calls by operation and outcome
// (success, rejected, error).
var OperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "delegation_operations_total",
		Help: "Delegation engine operations, by operation and outcome",
	},
	[]string{"operation", "outcome"},
)

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case isRejection(err):
		return "rejected"
	default:
		return "error"
	}
}
