package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	settlementRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitstakes",
		Subsystem: "settlement",
		Name:      "runs_total",
		Help:      "Completed settlement runs by kind and outcome.",
	}, []string{"kind", "outcome"})

	settlementRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitstakes",
		Subsystem: "settlement",
		Name:      "retries_total",
		Help:      "Settlement runs started by reconciliation.",
	}, []string{"kind"})

	settlementDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "habitstakes",
		Subsystem: "settlement",
		Name:      "run_duration_seconds",
		Help:      "Duration of settlement runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	settlementStepFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitstakes",
		Subsystem: "settlement",
		Name:      "step_failures_total",
		Help:      "Per-escrow settlement steps that failed.",
	}, []string{"step"})

	settlementsHalted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "habitstakes",
		Subsystem: "settlement",
		Name:      "halted_total",
		Help:      "Settlements halted on a ledger inconsistency.",
	})

	platformRevenueCents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "habitstakes",
		Subsystem: "settlement",
		Name:      "platform_revenue_cents_total",
		Help:      "Platform fees booked, in cents.",
	})
)

func init() {
	prometheus.MustRegister(
		settlementRuns,
		settlementRetries,
		settlementDuration,
		settlementStepFailures,
		settlementsHalted,
		platformRevenueCents,
	)
}
