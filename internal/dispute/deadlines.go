package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/outbox"
)

// ReviewWindow is how long both parties have to answer the automated
// verdict before the ledger deadline check may escalate it.
const ReviewWindow = 72 * time.Hour

// DeadlineRecheck is how long a landed deadline call is trusted to move
// the dispute. A dispute still in the same stage after that gets the call
// again, e.g. when the ledger's clock had not reached its deadline yet.
const DeadlineRecheck = time.Hour

// ErrAlreadySubmitted is returned when a deadline call for the dispute
// already landed and its event is still being reconciled.
var ErrAlreadySubmitted = errors.New("ledger call already submitted")

// OverdueReviews returns disputes whose verdict review window closed
// before now.
func (s *Service) OverdueReviews(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	list, err := s.store.ListByStatus(ctx, []Status{StatusAIVerdictReview}, limit)
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, d := range list {
		if d.AIVerdictAt != nil && now.Sub(*d.AIVerdictAt) >= ReviewWindow {
			out = append(out, d)
		}
	}
	return out, nil
}

// ClosedVotes returns disputes in voting whose window ended before now.
func (s *Service) ClosedVotes(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	list, err := s.store.ListByStatus(ctx, []Status{StatusDAOVoting}, limit)
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, d := range list {
		if d.VotingEndsAt != nil && !now.Before(*d.VotingEndsAt) {
			out = append(out, d)
		}
	}
	return out, nil
}

// StalledAnalyses returns disputes that sat in ai_analysis longer than
// age, e.g. because the process restarted before the verdict ran.
func (s *Service) StalledAnalyses(ctx context.Context, now time.Time, age time.Duration, limit int) ([]*Dispute, error) {
	list, err := s.store.ListByStatus(ctx, []Status{StatusAIAnalysis}, limit)
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, d := range list {
		if now.Sub(d.UpdatedAt) >= age {
			out = append(out, d)
		}
	}
	return out, nil
}

// CheckDeadline asks the ledger to settle an expired review. The ledger
// resolves on the acceptances it holds or opens a vote; either outcome
// arrives as an event.
func (s *Service) CheckDeadline(ctx context.Context, id string) (string, error) {
	return s.deadlineCall(ctx, id, StatusAIVerdictReview, outbox.KindCheckDeadline, s.gateway.CheckDeadline)
}

// FinalizeVoting closes an ended vote on the ledger.
func (s *Service) FinalizeVoting(ctx context.Context, id string) (string, error) {
	return s.deadlineCall(ctx, id, StatusDAOVoting, outbox.KindFinalizeVoting, s.gateway.FinalizeVoting)
}

// deadlineCall submits an operator call once per dispute stage. A failed
// or abandoned earlier attempt is retried, a pending one is not, and a
// completed one only after DeadlineRecheck.
func (s *Service) deadlineCall(ctx context.Context, id string, want Status, kind outbox.Kind,
	call func(ctx context.Context, jobID string) (string, error)) (string, error) {

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return "", err
	}
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if d.Status != want {
		return "", fmt.Errorf("%w: %s", ErrInvalidStatus, d.Status)
	}
	if d.JobID == "" {
		return "", ErrNoJobID
	}

	key := string(kind) + ":" + d.ID
	if s.outbox != nil {
		prev, err := s.outbox.Store().FindByKey(ctx, key)
		switch {
		case err == nil && prev.Status == outbox.StatusPending:
			return prev.TxRef, ErrAlreadySubmitted
		case err == nil && prev.Status == outbox.StatusCompleted && s.now().Sub(prev.UpdatedAt) < DeadlineRecheck:
			return prev.TxRef, ErrAlreadySubmitted
		case err == nil && prev.Status == outbox.StatusCompleted:
			s.logger.Warn("deadline call landed without effect, submitting again",
				"dispute_id", d.ID, "kind", kind, "previous_tx_ref", prev.TxRef)
		case err != nil && !errors.Is(err, outbox.ErrIntentNotFound):
			return "", err
		}
	}

	ref, err := s.ledgerWrite(ctx, outbox.Intent{Kind: kind, EscrowID: d.EscrowID, DisputeID: d.ID, IdempotencyKey: key},
		func(ctx context.Context) (string, error) {
			return call(ctx, d.JobID)
		})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSettlementFailed, err)
	}
	s.logger.Info("deadline call submitted", "dispute_id", d.ID, "job_id", d.JobID, "kind", kind, "tx_ref", ref)
	return ref, nil
}
