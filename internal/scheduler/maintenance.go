package scheduler

import (
	"context"
	"time"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/outbox"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/reconciliation"
)

const (
	SweepInterval   = 2 * time.Minute
	BalanceInterval = 10 * time.Minute
)

// SweepTask resolves stale ledger intents.
func SweepTask(s *outbox.Sweeper) Task {
	return Task{Name: "outbox_sweeper", Interval: SweepInterval, Run: func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	}}
}

// BalanceTask compares the settlement contract balance with the locked
// principal. A mismatch is reported through metrics and logs only.
func BalanceTask(r *reconciliation.BalanceReconciler) Task {
	return Task{Name: "balance_reconciler", Interval: BalanceInterval, Run: func(ctx context.Context) error {
		_, err := r.Reconcile(ctx)
		return err
	}}
}
