package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paycasso",
		Subsystem: "reconciliation",
		Name:      "events_total",
		Help:      "Ledger events handled by the listener, by type and result.",
	}, []string{"type", "result"})

	lockedPrincipal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycasso",
		Subsystem: "reconciliation",
		Name:      "locked_principal_usdc",
		Help:      "Principal of escrows the ledger should hold, in USDC, at the last balance check.",
	})

	ledgerBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycasso",
		Subsystem: "reconciliation",
		Name:      "ledger_balance_usdc",
		Help:      "USDC held by the settlement contract at the last balance check.",
	})

	balanceMismatch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycasso",
		Subsystem: "reconciliation",
		Name:      "balance_mismatch",
		Help:      "1 when the last balance check found a shortfall beyond the alert threshold.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paycasso",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of balance reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paycasso",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total balance reconciliation errors.",
	})
)

func init() {
	prometheus.MustRegister(
		eventsTotal,
		lockedPrincipal,
		ledgerBalance,
		balanceMismatch,
		reconcileDuration,
		reconcileErrors,
	)
}
