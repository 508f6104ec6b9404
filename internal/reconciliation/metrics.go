package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDriftedGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spendgate",
		Subsystem: "reconciliation",
		Name:      "drifted_groups",
		Help:      "Number of billing groups whose usage and ledger totals disagreed in the last run.",
	})

	reconcileNegativeBalances = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spendgate",
		Subsystem: "reconciliation",
		Name:      "negative_balances",
		Help:      "Number of billing groups with a negative ledger balance in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spendgate",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileDriftedGroups,
		reconcileNegativeBalances,
		reconcileDuration,
		reconcileErrors,
	)
}
