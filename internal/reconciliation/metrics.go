package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileStuckMilestones = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paylock",
		Subsystem: "reconciliation",
		Name:      "stuck_milestones",
		Help:      "Number of stuck release-requested milestones found in last sweep.",
	})

	reconcileCorrections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paylock",
		Subsystem: "reconciliation",
		Name:      "corrections_total",
		Help:      "State corrections applied during reconciliation, by action.",
	}, []string{"action"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paylock",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paylock",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileStuckMilestones,
		reconcileCorrections,
		reconcileDuration,
		reconcileErrors,
	)
}
