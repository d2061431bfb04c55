package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileStaleSettlements = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "habitstakes",
		Subsystem: "reconciliation",
		Name:      "stale_settlements",
		Help:      "Number of settlement records due for a retry in the last reconciliation run.",
	})

	reconcileStaleEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "habitstakes",
		Subsystem: "reconciliation",
		Name:      "stale_escrows",
		Help:      "Number of stale non-terminal escrows found in the last reconciliation run.",
	})

	reconcileRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitstakes",
		Subsystem: "reconciliation",
		Name:      "retried_total",
		Help:      "Settlements and escrows moved forward by reconciliation.",
	}, []string{"target"})

	reconcileEscalated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "habitstakes",
		Subsystem: "reconciliation",
		Name:      "escalated_total",
		Help:      "Settlements and escrows handed to an operator after exhausting retries.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "habitstakes",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "habitstakes",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileStaleSettlements,
		reconcileStaleEscrows,
		reconcileRetried,
		reconcileEscalated,
		reconcileDuration,
		reconcileErrors,
	)
}
