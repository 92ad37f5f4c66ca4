package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/escrow"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/metrics"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/notify"
)

// The methods below apply ledger events. Each is idempotent: replaying an
// event leaves the record as the first delivery did.

// ApplyOnChainRaise folds a dispute_raised event into the escrow's
// dispute. A missing dispute is created with the raiser inferred from the
// emitting address; a dispute waiting for its counter-stake advances to
// analysis. created reports whether a record was inserted.
func (s *Service) ApplyOnChainRaise(ctx context.Context, e *escrow.Escrow, raiserAddress string) (d *Dispute, created bool, err error) {
	d, created, err = s.createFromChain(ctx, e, raiserAddress)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.verdicts.Schedule(d.ID)
		s.notify(ctx, d.PartyFor(d.Counterpart()), notify.TypeDisputeRaised, "Dispute raised on escrow",
			fmt.Sprintf("A dispute has been raised on escrow %q.", e.Title), d)
		return d, true, nil
	}
	d, err = s.MarkAnalysis(ctx, d.ID)
	return d, false, err
}

func (s *Service) createFromChain(ctx context.Context, e *escrow.Escrow, raiserAddress string) (*Dispute, bool, error) {
	unlock, err := s.locks.LockContext(ctx, escrowKey(e.ID))
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	existing, err := s.store.FindActiveByEscrow(ctx, e.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrDisputeNotFound) {
		return nil, false, err
	}

	var role Role
	switch {
	case raiserAddress != "" && strings.EqualFold(raiserAddress, e.BuyerAddress):
		role = RoleClient
	case raiserAddress != "" && strings.EqualFold(raiserAddress, e.SellerAddress):
		role = RoleFreelancer
	default:
		return nil, false, fmt.Errorf("%w: %s on escrow %s", ErrUnknownRaiser, raiserAddress, e.ID)
	}

	d := s.newDispute(e, partyFor(e, role), role)
	d.Reason, d.DesiredOutcome = ReasonOther, OutcomeMediation
	// Both stakes are locked by the contract when it accepts the raise.
	d.ClientStaked, d.FreelancerStaked = true, true
	d.Status = StatusAIAnalysis
	if err := s.store.Create(ctx, d); err != nil {
		if errors.Is(err, ErrActiveDispute) {
			existing, ferr := s.store.FindActiveByEscrow(ctx, e.ID)
			return existing, false, ferr
		}
		return nil, false, err
	}
	metrics.DisputeTransitionsTotal.WithLabelValues("none", string(d.Status)).Inc()
	s.logger.Warn("dispute created from ledger event", "dispute_id", d.ID, "escrow_id", e.ID, "role", role)
	return d, true, nil
}

// MarkAnalysis advances a dispute waiting for its counter-stake to
// analysis and schedules the automated verdict.
func (s *Service) MarkAnalysis(ctx context.Context, id string) (*Dispute, error) {
	d, err := s.mutate(ctx, id, func(d *Dispute) error {
		if d.Status != StatusPendingCounterStake {
			return errNoChange
		}
		lockCounterStake(d)
		return s.transition(d, StatusAIAnalysis)
	})
	if err != nil {
		return nil, err
	}
	if d.Status == StatusAIAnalysis {
		s.verdicts.Schedule(d.ID)
	}
	return d, nil
}

// lockCounterStake records the counter-party's stake as matching the
// raiser's, as the contract does when it accepts the raise.
func lockCounterStake(d *Dispute) {
	if d.RaiserRole == RoleClient {
		d.FreelancerStake = cloneAmount(d.ClientStake)
	} else {
		d.ClientStake = cloneAmount(d.FreelancerStake)
	}
	d.ClientStaked, d.FreelancerStaked = true, true
}

// MarkVoting moves a dispute into dao_voting with the window the ledger
// opened, stepping through the earlier stages when the event arrives
// first. A dispute already voting keeps its window.
func (s *Service) MarkVoting(ctx context.Context, id string, startsAt, endsAt time.Time) (*Dispute, error) {
	return s.mutate(ctx, id, func(d *Dispute) error {
		if d.Status == StatusDAOVoting || d.Status.IsTerminal() {
			return errNoChange
		}
		start, end := startsAt.UTC(), endsAt.UTC()
		d.VotingStartsAt, d.VotingEndsAt = &start, &end
		return s.advance(d, StatusDAOVoting)
	})
}

// AnnotateConsensus appends the ledger's vote consensus to the
// resolution notes. The final status comes with the resolution event.
func (s *Service) AnnotateConsensus(ctx context.Context, id string, freelancerPct int) (*Dispute, error) {
	note := fmt.Sprintf("Voting consensus: %d%% to the freelancer.", freelancerPct)
	return s.mutate(ctx, id, func(d *Dispute) error {
		if strings.Contains(d.ResolutionNotes, note) {
			return errNoChange
		}
		if d.ResolutionNotes != "" {
			d.ResolutionNotes += "\n"
		}
		d.ResolutionNotes += note
		d.UpdatedAt = s.now().UTC()
		return nil
	})
}

// MarkVerdictAccepted records a party's on-chain acceptance.
func (s *Service) MarkVerdictAccepted(ctx context.Context, id string, role Role) (*Dispute, error) {
	return s.mutate(ctx, id, func(d *Dispute) error {
		switch {
		case role == RoleClient && !d.ClientAcceptedVerdict:
			d.ClientAcceptedVerdict = true
		case role == RoleFreelancer && !d.FreelancerAcceptedVerdict:
			d.FreelancerAcceptedVerdict = true
		default:
			return errNoChange
		}
		d.UpdatedAt = s.now().UTC()
		return nil
	})
}

// MarkResolved finalizes a dispute from the ledger, stepping through any
// stage not yet recorded locally. split may be nil when the event carried
// no distribution (a plain release). A resolved dispute only gains the
// split if it had none.
func (s *Service) MarkResolved(ctx context.Context, id string, split *escrow.Split) (*Dispute, error) {
	var first bool
	d, err := s.mutate(ctx, id, func(d *Dispute) error {
		switch d.Status {
		case StatusCancelled:
			return errNoChange
		case StatusResolved:
			if split == nil || d.ClientPercentage != nil {
				return errNoChange
			}
			setResolution(d, split)
			d.UpdatedAt = s.now().UTC()
			return nil
		}
		if split != nil {
			setResolution(d, split)
		}
		d.ResolvedAt = s.stamp()
		first = true
		return s.advance(d, StatusResolved)
	})
	if err != nil {
		return nil, err
	}
	if first {
		s.notifyResolved(ctx, d)
	}
	return d, nil
}

// ActiveForEscrow returns the escrow's non-terminal dispute.
func (s *Service) ActiveForEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	return s.store.FindActiveByEscrow(ctx, escrowID)
}

// LatestForEscrow returns the escrow's most recent dispute.
func (s *Service) LatestForEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	return s.store.FindLatestByEscrow(ctx, escrowID)
}

func setResolution(d *Dispute, split *escrow.Split) {
	c, f := split.ClientPct, split.FreelancerPct
	d.ClientPercentage, d.FreelancerPercentage = &c, &f
	d.Resolution = ResolutionFor(c, f)
}

func partyFor(e *escrow.Escrow, r Role) string {
	if r == RoleClient {
		return e.BuyerID
	}
	return e.SellerID
}
