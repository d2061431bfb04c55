package payment

import "github.com/prometheus/client_golang/prometheus"

var (
	processorCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitstakes",
		Subsystem: "processor",
		Name:      "calls_total",
		Help:      "Processor calls by operation and result (ok, retryable, terminal, unknown, circuit_open).",
	}, []string{"op", "result"})

	processorLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "habitstakes",
		Subsystem: "processor",
		Name:      "call_duration_seconds",
		Help:      "Processor call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(processorCalls, processorLatency)
}
