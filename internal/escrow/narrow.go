package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/metrics"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/outbox"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/usdc"
)

// The mutations below are driven by the dispute engine and the
// reconciliation listener. All of them are idempotent so replayed ledger
// events change nothing.

// MarkDisputed sets the dispute overlay.
func (s *Service) MarkDisputed(ctx context.Context, id string) (*Escrow, error) {
	return s.mutate(ctx, id, func(e *Escrow) error {
		if e.HasActiveDispute && e.Status == StatusDisputed {
			return errNoChange
		}
		if err := s.transition(e, StatusDisputed); err != nil {
			return err
		}
		e.HasActiveDispute = true
		return nil
	})
}

// ClearDispute removes the dispute overlay. With a split the principal
// was distributed and the escrow is released; without one (a withdrawn
// dispute) the escrow returns to in_progress.
func (s *Service) ClearDispute(ctx context.Context, id string, split *Split) (*Escrow, error) {
	return s.mutate(ctx, id, func(e *Escrow) error {
		if split != nil {
			if e.Status == StatusReleased {
				if e.ClientPercentage != nil {
					return errNoChange
				}
				setSplit(e, split)
				e.HasActiveDispute = false
				return nil
			}
			switch e.Status {
			case StatusDisputed, StatusFunded, StatusInProgress, StatusCompleted:
			default:
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, StatusReleased)
			}
			setSplit(e, split)
			e.HasActiveDispute = false
			e.ReleasedAt = s.stamp()
			return s.toReleased(e)
		}

		if !e.HasActiveDispute && e.Status != StatusDisputed {
			return errNoChange
		}
		e.HasActiveDispute = false
		if e.Status != StatusDisputed {
			return nil
		}
		return s.transition(e, StatusInProgress)
	})
}

func setSplit(e *Escrow, split *Split) {
	c, f := split.ClientPct, split.FreelancerPct
	e.ClientPercentage, e.FreelancerPercentage = &c, &f
}

// AttachJobID records the on-chain job id the ledger assigned. The first
// writer wins: attaching the same id again is a no-op, a different id
// fails with ErrJobIDAlreadySet. An escrow still pending_funding (the
// ledger call landed but the local write did not) is moved to in_progress.
func (s *Service) AttachJobID(ctx context.Context, id, jobID, txRef string) (*Escrow, error) {
	if jobID == "" {
		return nil, errors.New("escrow: empty job id")
	}
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch e.OnChainJobID {
	case jobID:
	case "":
		if err := s.store.SetJobID(ctx, id, jobID); err != nil {
			return nil, err
		}
		e.OnChainJobID = jobID
		s.logger.Info("on-chain job attached", "escrow_id", id, "job_id", jobID)
	default:
		return nil, fmt.Errorf("%w: has %s, got %s", ErrJobIDAlreadySet, e.OnChainJobID, jobID)
	}

	if e.Status != StatusPendingFunding {
		return e.Clone(), nil
	}
	now := s.stamp()
	e.FundedAt, e.StartedAt = now, now
	if e.FundingTxRef == "" {
		e.FundingTxRef = txRef
	}
	if err := s.transition(e, StatusInProgress); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusPendingFunding), string(StatusInProgress)).Inc()
	s.logger.Warn("escrow funding recovered from ledger event", "escrow_id", id, "job_id", jobID)
	return e.Clone(), nil
}

// MarkReleased records that the ledger paid the principal out.
func (s *Service) MarkReleased(ctx context.Context, id, txRef string) (*Escrow, error) {
	return s.mutate(ctx, id, func(e *Escrow) error {
		if e.Status == StatusReleased {
			return errNoChange
		}
		e.ReleasedAt = s.stamp()
		if e.ReleaseTxRef == "" {
			e.ReleaseTxRef = txRef
		}
		e.HasActiveDispute = false
		return s.toReleased(e)
	})
}

// FindByIdempotencyKey locates the escrow funded with key.
func (s *Service) FindByIdempotencyKey(ctx context.Context, key string) (*Escrow, error) {
	return s.store.FindByIdempotencyKey(ctx, key)
}

// FindByFundingTx locates the escrow whose funding call produced txRef.
func (s *Service) FindByFundingTx(ctx context.Context, txRef string) (*Escrow, error) {
	return s.store.FindByFundingTx(ctx, txRef)
}

// FindByJobID locates the escrow bound to an on-chain job.
func (s *Service) FindByJobID(ctx context.Context, jobID string) (*Escrow, error) {
	return s.store.FindByJobID(ctx, jobID)
}

// FundingCandidates lists escrows awaiting a job id whose buyer address
// matches and whose amount is within eps of amount.
func (s *Service) FundingCandidates(ctx context.Context, buyerAddress string, amount, eps *big.Int) ([]*Escrow, error) {
	open, err := s.store.ListByStatus(ctx, []Status{StatusPendingFunding, StatusFunded}, 500)
	if err != nil {
		return nil, err
	}
	var out []*Escrow
	for _, e := range open {
		if e.OnChainJobID != "" || !strings.EqualFold(e.BuyerAddress, buyerAddress) {
			continue
		}
		if usdc.WithinEpsilon(e.Amount, amount, eps) {
			out = append(out, e)
		}
	}
	return out, nil
}

// CheckFundingIntent resolves a create_job intent left pending: it landed
// if the escrow carries the intent's key and has left pending_funding, or
// if the funding transaction recorded after a timeout is confirmed. A
// transaction still awaiting confirmation keeps the intent pending.
func (s *Service) CheckFundingIntent(ctx context.Context, in *outbox.Intent) (bool, string, error) {
	e, err := s.store.Get(ctx, in.EscrowID)
	if errors.Is(err, ErrEscrowNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	if e.IdempotencyKey != in.IdempotencyKey {
		return false, "", nil
	}
	if e.Status != StatusPendingFunding {
		return true, e.FundingTxRef, nil
	}
	if e.FundingTxRef == "" {
		return false, "", nil
	}
	info, err := s.gateway.VerifyTransaction(ctx, e.FundingTxRef)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return false, "", nil
	case err != nil:
		return false, "", err
	case !info.Exists:
		return false, "", nil
	case !info.Confirmed:
		return false, "", fmt.Errorf("funding tx %s not confirmed yet", e.FundingTxRef)
	}
	return true, e.FundingTxRef, nil
}

// CheckReleaseIntent resolves a release_funds intent left pending.
func (s *Service) CheckReleaseIntent(ctx context.Context, in *outbox.Intent) (bool, string, error) {
	e, err := s.store.Get(ctx, in.EscrowID)
	if errors.Is(err, ErrEscrowNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return e.Status == StatusReleased, e.ReleaseTxRef, nil
}
