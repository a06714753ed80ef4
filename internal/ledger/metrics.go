package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by name.
	LedgerOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paylock",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Total ledger operations by operation name.",
	}, []string{"op"})

	// LedgerOpDuration observes ledger operation latency by name.
	LedgerOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paylock",
		Subsystem: "ledger",
		Name:      "operation_duration_seconds",
		Help:      "Ledger operation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	invariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paylock",
		Subsystem: "ledger",
		Name:      "invariant_violations_total",
		Help:      "Milestone-sum invariant violations detected after mutations.",
	})
)

func init() {
	prometheus.MustRegister(LedgerOpsTotal, LedgerOpDuration, invariantViolations)
}

// observeOp increments the op counter and returns a func that records duration.
func observeOp(op string) func() {
	LedgerOpsTotal.WithLabelValues(op).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
