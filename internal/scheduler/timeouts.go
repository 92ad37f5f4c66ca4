package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/dispute"
)

// Deadlines is the slice of the dispute service the timeout poller drives.
type Deadlines interface {
	OverdueReviews(ctx context.Context, now time.Time, limit int) ([]*dispute.Dispute, error)
	ClosedVotes(ctx context.Context, now time.Time, limit int) ([]*dispute.Dispute, error)
	StalledAnalyses(ctx context.Context, now time.Time, age time.Duration, limit int) ([]*dispute.Dispute, error)
	CheckDeadline(ctx context.Context, id string) (string, error)
	FinalizeVoting(ctx context.Context, id string) (string, error)
	ApplyVerdict(ctx context.Context, id string) (*dispute.Dispute, error)
}

const (
	TimeoutInterval = 5 * time.Minute
	timeoutBatch    = 100

	// analyses older than this are assumed to have lost their timer
	stalledAnalysisAge = 15 * time.Minute
)

// TimeoutPoller pushes disputes past their deadlines forward: expired
// reviews get a ledger deadline check, ended votes are finalized and
// analyses whose verdict never ran are re-run.
type TimeoutPoller struct {
	disputes Deadlines
	logger   *slog.Logger
	now      func() time.Time
}

func NewTimeoutPoller(disputes Deadlines, logger *slog.Logger) *TimeoutPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeoutPoller{
		disputes: disputes,
		logger:   logger.With("component", "timeout_poller"),
		now:      time.Now,
	}
}

// Task wraps the poller for a Runner.
func (p *TimeoutPoller) Task() Task {
	return Task{Name: "timeout_poller", Interval: TimeoutInterval, Run: func(ctx context.Context) error {
		_, err := p.Poll(ctx)
		return err
	}}
}

// PollResult counts what one pass submitted.
type PollResult struct {
	DeadlinesChecked int
	VotesFinalized   int
	VerdictsApplied  int
}

// Poll runs one pass. Failures on single disputes are logged and counted;
// the pass carries on with the rest.
func (p *TimeoutPoller) Poll(ctx context.Context) (PollResult, error) {
	var res PollResult
	now := p.now()
	var errs []error

	reviews, err := p.disputes.OverdueReviews(ctx, now, timeoutBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list overdue reviews: %w", err))
	}
	for _, d := range reviews {
		if p.submit(ctx, d, "check_deadline", p.disputes.CheckDeadline) {
			res.DeadlinesChecked++
		}
	}

	votes, err := p.disputes.ClosedVotes(ctx, now, timeoutBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list closed votes: %w", err))
	}
	for _, d := range votes {
		if p.submit(ctx, d, "finalize_voting", p.disputes.FinalizeVoting) {
			res.VotesFinalized++
		}
	}

	stalled, err := p.disputes.StalledAnalyses(ctx, now, stalledAnalysisAge, timeoutBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list stalled analyses: %w", err))
	}
	for _, d := range stalled {
		if _, err := p.disputes.ApplyVerdict(ctx, d.ID); err != nil {
			p.logger.Error("re-running verdict failed", "dispute_id", d.ID, "error", err)
			continue
		}
		res.VerdictsApplied++
	}

	if res.DeadlinesChecked+res.VotesFinalized+res.VerdictsApplied > 0 {
		p.logger.Info("timeouts processed", "deadlines", res.DeadlinesChecked,
			"finalized", res.VotesFinalized, "verdicts", res.VerdictsApplied)
	}
	return res, errors.Join(errs...)
}

func (p *TimeoutPoller) submit(ctx context.Context, d *dispute.Dispute, op string, call func(ctx context.Context, id string) (string, error)) bool {
	ref, err := call(ctx, d.ID)
	switch {
	case errors.Is(err, dispute.ErrAlreadySubmitted):
		p.logger.Debug("awaiting ledger event", "dispute_id", d.ID, "op", op, "tx_ref", ref)
		return false
	case errors.Is(err, dispute.ErrNoJobID), errors.Is(err, dispute.ErrInvalidStatus):
		p.logger.Warn("dispute not ready for deadline call", "dispute_id", d.ID, "op", op, "error", err)
		return false
	case err != nil:
		p.logger.Error("deadline call failed", "dispute_id", d.ID, "op", op, "error", err)
		return false
	}
	return true
}
