// Package admin provides operator endpoints for inspecting and unsticking
// financial state: pending ledger intents, balance checks and on-demand
// runs of scheduled tasks.
package admin

import (
	"context"
	"time"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/dispute"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/outbox"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/reconciliation"
)

// IntentLister lists ledger intents still pending.
type IntentLister interface {
	ListPending(ctx context.Context, before time.Time, limit int) ([]*outbox.Intent, error)
}

// IntentSweeper resolves stale intents.
type IntentSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// BalanceChecker compares the contract balance with locked principal.
type BalanceChecker interface {
	Reconcile(ctx context.Context) (*reconciliation.BalanceResult, error)
}

// TaskRunner runs a scheduled task out of band.
type TaskRunner interface {
	RunNow(ctx context.Context, name string) bool
}

// DeadlineLister reports disputes past their deadlines.
type DeadlineLister interface {
	OverdueReviews(ctx context.Context, now time.Time, limit int) ([]*dispute.Dispute, error)
	ClosedVotes(ctx context.Context, now time.Time, limit int) ([]*dispute.Dispute, error)
}

// OverdueReport lists disputes the timeout poller should be acting on.
type OverdueReport struct {
	Reviews   []*dispute.Dispute `json:"reviews"`
	Votes     []*dispute.Dispute `json:"votes"`
	CheckedAt time.Time          `json:"checkedAt"`
}
