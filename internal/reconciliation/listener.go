package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/dispute"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/escrow"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/outbox"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/usdc"
)

// Escrows is the part of the escrow service reconciliation drives.
type Escrows interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*escrow.Escrow, error)
	FindByFundingTx(ctx context.Context, txRef string) (*escrow.Escrow, error)
	FindByJobID(ctx context.Context, jobID string) (*escrow.Escrow, error)
	FundingCandidates(ctx context.Context, buyerAddress string, amount, eps *big.Int) ([]*escrow.Escrow, error)
	AttachJobID(ctx context.Context, id, jobID, txRef string) (*escrow.Escrow, error)
	MarkDisputed(ctx context.Context, id string) (*escrow.Escrow, error)
	MarkReleased(ctx context.Context, id, txRef string) (*escrow.Escrow, error)
	ClearDispute(ctx context.Context, id string, split *escrow.Split) (*escrow.Escrow, error)
}

// Disputes is the part of the dispute service reconciliation drives.
type Disputes interface {
	ApplyOnChainRaise(ctx context.Context, e *escrow.Escrow, raiserAddress string) (*dispute.Dispute, bool, error)
	ActiveForEscrow(ctx context.Context, escrowID string) (*dispute.Dispute, error)
	LatestForEscrow(ctx context.Context, escrowID string) (*dispute.Dispute, error)
	MarkVoting(ctx context.Context, id string, startsAt, endsAt time.Time) (*dispute.Dispute, error)
	AnnotateConsensus(ctx context.Context, id string, freelancerPct int) (*dispute.Dispute, error)
	MarkVerdictAccepted(ctx context.Context, id string, role dispute.Role) (*dispute.Dispute, error)
	MarkResolved(ctx context.Context, id string, split *escrow.Split) (*dispute.Dispute, error)
}

// Event handling results, used as the metric label.
const (
	resultApplied   = "applied"
	resultDuplicate = "duplicate"
	resultUnmatched = "unmatched"
	resultAmbiguous = "ambiguous"
	resultIgnored   = "ignored"
	resultError     = "error"
)

var (
	errUnmatched = errors.New("no local record for event")
	errAmbiguous = errors.New("several local records match event")
	errIgnored   = errors.New("event does not apply")
)

// DefaultEpsilon is the amount tolerance for the legacy funding match.
var DefaultEpsilon = big.NewInt(10_000) // 0.01 USDC

// Listener applies ledger events to local state. Deliveries already
// applied are skipped; every handler is also safe to run twice.
type Listener struct {
	escrows   Escrows
	disputes  Disputes
	intents   outbox.Store
	processed ProcessedStore
	epsilon   *big.Int
	logger    *slog.Logger
	now       func() time.Time
}

var _ ledger.EventHandler = (*Listener)(nil)

// NewListener creates a listener. intents may be nil.
func NewListener(escrows Escrows, disputes Disputes, intents outbox.Store, processed ProcessedStore, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if processed == nil {
		processed = NewMemoryProcessed()
	}
	return &Listener{
		escrows:   escrows,
		disputes:  disputes,
		intents:   intents,
		processed: processed,
		epsilon:   DefaultEpsilon,
		logger:    logger.With("component", "reconciliation"),
		now:       time.Now,
	}
}

// WithEpsilon sets the amount tolerance used when matching a job to an
// escrow by buyer address and amount.
func (l *Listener) WithEpsilon(eps *big.Int) *Listener {
	if eps != nil {
		l.epsilon = eps
	}
	return l
}

// HandleEvent implements ledger.EventHandler. Events that match nothing
// are logged and counted but not returned as errors, so they are not
// redelivered forever.
func (l *Listener) HandleEvent(ctx context.Context, ev ledger.Event) error {
	key := ev.Key()
	log := l.logger.With("event", ev.Type, "job_id", ev.JobID, "tx_ref", ev.TxRef)

	seen, err := l.processed.Seen(ctx, key)
	if err != nil {
		eventsTotal.WithLabelValues(string(ev.Type), resultError).Inc()
		return err
	}
	if seen {
		eventsTotal.WithLabelValues(string(ev.Type), resultDuplicate).Inc()
		log.Debug("event already processed")
		return nil
	}

	err = l.dispatch(ctx, ev)
	switch {
	case err == nil:
		eventsTotal.WithLabelValues(string(ev.Type), resultApplied).Inc()
	case errors.Is(err, errUnmatched):
		eventsTotal.WithLabelValues(string(ev.Type), resultUnmatched).Inc()
		log.Warn("ledger event matched no local record", "error", err)
	case errors.Is(err, errAmbiguous):
		eventsTotal.WithLabelValues(string(ev.Type), resultAmbiguous).Inc()
		log.Warn("ledger event matched several local records", "error", err)
	case errors.Is(err, errIgnored):
		eventsTotal.WithLabelValues(string(ev.Type), resultIgnored).Inc()
		log.Info("ledger event ignored", "reason", err)
	default:
		eventsTotal.WithLabelValues(string(ev.Type), resultError).Inc()
		log.Error("failed to apply ledger event", "error", err)
		return err
	}

	if err := l.processed.Mark(ctx, key, string(ev.Type), ev.JobID); err != nil {
		log.Warn("failed to mark event processed", "error", err)
	}
	return nil
}

func (l *Listener) dispatch(ctx context.Context, ev ledger.Event) error {
	switch ev.Type {
	case ledger.EventJobCreated:
		return l.onJobCreated(ctx, ev)
	case ledger.EventDisputeRaised:
		return l.onDisputeRaised(ctx, ev)
	case ledger.EventFundsReleased:
		return l.onFundsReleased(ctx, ev)
	case ledger.EventVotingFinalized:
		return l.onVotingFinalized(ctx, ev)
	case ledger.EventVerdictAccepted:
		return l.onVerdictAccepted(ctx, ev)
	case ledger.EventDisputeResolved:
		return l.onDisputeResolved(ctx, ev)
	case ledger.EventEscalatedToVoting:
		return l.onEscalated(ctx, ev)
	default:
		return fmt.Errorf("%w: unknown type %q", errIgnored, ev.Type)
	}
}

func (l *Listener) onJobCreated(ctx context.Context, ev ledger.Event) error {
	if ev.JobID == "" {
		return fmt.Errorf("%w: job_created without job id", errIgnored)
	}
	e, err := l.matchFunding(ctx, ev)
	if err != nil {
		return err
	}
	_, err = l.escrows.AttachJobID(ctx, e.ID, ev.JobID, ev.TxRef)
	if errors.Is(err, escrow.ErrJobIDAlreadySet) {
		return fmt.Errorf("%w: %w", errIgnored, err)
	}
	return err
}

// matchFunding finds the escrow a created job belongs to: by idempotency
// key, then through the recorded intent, then by funding tx, then by
// buyer address and amount when exactly one escrow qualifies.
func (l *Listener) matchFunding(ctx context.Context, ev ledger.Event) (*escrow.Escrow, error) {
	if ev.IdempotencyKey != "" {
		e, err := l.escrows.FindByIdempotencyKey(ctx, ev.IdempotencyKey)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, escrow.ErrEscrowNotFound) {
			return nil, err
		}
		if l.intents != nil {
			in, ierr := l.intents.FindByKey(ctx, ev.IdempotencyKey)
			switch {
			case ierr == nil:
				return l.escrows.Get(ctx, in.EscrowID)
			case !errors.Is(ierr, outbox.ErrIntentNotFound):
				return nil, ierr
			}
		}
	}
	if ev.TxRef != "" {
		e, err := l.escrows.FindByFundingTx(ctx, ev.TxRef)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, escrow.ErrEscrowNotFound) {
			return nil, err
		}
	}
	if ev.Address == "" || ev.Amount == nil {
		return nil, errUnmatched
	}
	candidates, err := l.escrows.FundingCandidates(ctx, ev.Address, ev.Amount, l.epsilon)
	if err != nil {
		return nil, err
	}
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("%w: buyer %s amount %s", errUnmatched, ev.Address, usdc.Format(ev.Amount))
	case 1:
		l.logger.Warn("job matched by buyer and amount", "escrow_id", candidates[0].ID, "job_id", ev.JobID)
		return candidates[0], nil
	default:
		return nil, fmt.Errorf("%w: %d escrows for buyer %s amount %s", errAmbiguous, len(candidates), ev.Address, usdc.Format(ev.Amount))
	}
}

func (l *Listener) escrowForJob(ctx context.Context, jobID string) (*escrow.Escrow, error) {
	e, err := l.escrows.FindByJobID(ctx, jobID)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		return nil, fmt.Errorf("%w: job %s", errUnmatched, jobID)
	}
	return e, err
}

func (l *Listener) onDisputeRaised(ctx context.Context, ev ledger.Event) error {
	e, err := l.escrowForJob(ctx, ev.JobID)
	if err != nil {
		return err
	}
	d, created, err := l.disputes.ApplyOnChainRaise(ctx, e, ev.Address)
	if err != nil {
		if errors.Is(err, dispute.ErrUnknownRaiser) {
			return fmt.Errorf("%w: %w", errIgnored, err)
		}
		return err
	}
	if _, err := l.escrows.MarkDisputed(ctx, e.ID); err != nil {
		if !errors.Is(err, escrow.ErrInvalidTransition) {
			return err
		}
		l.logger.Warn("escrow could not be marked disputed", "escrow_id", e.ID, "status", e.Status, "dispute_id", d.ID)
	}
	l.logger.Info("on-chain dispute applied", "escrow_id", e.ID, "dispute_id", d.ID, "created", created, "status", d.Status)
	return nil
}

func (l *Listener) onFundsReleased(ctx context.Context, ev ledger.Event) error {
	e, err := l.escrowForJob(ctx, ev.JobID)
	if err != nil {
		return err
	}
	if _, err := l.escrows.MarkReleased(ctx, e.ID, ev.TxRef); err != nil {
		if errors.Is(err, escrow.ErrInvalidTransition) {
			return fmt.Errorf("%w: %w", errIgnored, err)
		}
		return err
	}
	d, err := l.disputes.ActiveForEscrow(ctx, e.ID)
	if errors.Is(err, dispute.ErrDisputeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = l.disputes.MarkResolved(ctx, d.ID, nil)
	return err
}

func (l *Listener) onVotingFinalized(ctx context.Context, ev ledger.Event) error {
	d, err := l.latestDispute(ctx, ev.JobID)
	if err != nil {
		return err
	}
	_, err = l.disputes.AnnotateConsensus(ctx, d.ID, ev.Percent)
	return err
}

func (l *Listener) onVerdictAccepted(ctx context.Context, ev ledger.Event) error {
	e, err := l.escrowForJob(ctx, ev.JobID)
	if err != nil {
		return err
	}
	var role dispute.Role
	switch {
	case ev.Address != "" && strings.EqualFold(ev.Address, e.BuyerAddress):
		role = dispute.RoleClient
	case ev.Address != "" && strings.EqualFold(ev.Address, e.SellerAddress):
		role = dispute.RoleFreelancer
	default:
		return fmt.Errorf("%w: acceptor %s is not a party", errIgnored, ev.Address)
	}
	d, err := l.disputes.LatestForEscrow(ctx, e.ID)
	if errors.Is(err, dispute.ErrDisputeNotFound) {
		return fmt.Errorf("%w: escrow %s has no dispute", errUnmatched, e.ID)
	}
	if err != nil {
		return err
	}
	_, err = l.disputes.MarkVerdictAccepted(ctx, d.ID, role)
	return err
}

func (l *Listener) onDisputeResolved(ctx context.Context, ev ledger.Event) error {
	if ev.ClientPct+ev.FreelancerPct != 100 {
		return fmt.Errorf("%w: split %d/%d", errIgnored, ev.ClientPct, ev.FreelancerPct)
	}
	e, err := l.escrowForJob(ctx, ev.JobID)
	if err != nil {
		return err
	}
	split := &escrow.Split{ClientPct: ev.ClientPct, FreelancerPct: ev.FreelancerPct}

	d, err := l.disputes.LatestForEscrow(ctx, e.ID)
	switch {
	case err == nil:
		if _, err := l.disputes.MarkResolved(ctx, d.ID, split); err != nil {
			return err
		}
	case errors.Is(err, dispute.ErrDisputeNotFound):
		l.logger.Warn("resolution for escrow without dispute", "escrow_id", e.ID)
	default:
		return err
	}
	if _, err := l.escrows.ClearDispute(ctx, e.ID, split); err != nil {
		if errors.Is(err, escrow.ErrInvalidTransition) {
			return fmt.Errorf("%w: %w", errIgnored, err)
		}
		return err
	}
	return nil
}

func (l *Listener) onEscalated(ctx context.Context, ev ledger.Event) error {
	e, err := l.escrowForJob(ctx, ev.JobID)
	if err != nil {
		return err
	}
	d, err := l.disputes.ActiveForEscrow(ctx, e.ID)
	if errors.Is(err, dispute.ErrDisputeNotFound) {
		return fmt.Errorf("%w: escrow %s has no active dispute", errUnmatched, e.ID)
	}
	if err != nil {
		return err
	}
	now := l.now().UTC()
	ends := ev.VotingEndsAt
	if ends.IsZero() {
		ends = now.Add(dispute.VotingDuration(d.AmountInDispute))
	}
	if _, err := l.disputes.MarkVoting(ctx, d.ID, now, ends); err != nil {
		if errors.Is(err, dispute.ErrInvalidTransition) {
			return fmt.Errorf("%w: %w", errIgnored, err)
		}
		return err
	}
	return nil
}

func (l *Listener) latestDispute(ctx context.Context, jobID string) (*dispute.Dispute, error) {
	e, err := l.escrowForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	d, err := l.disputes.LatestForEscrow(ctx, e.ID)
	if errors.Is(err, dispute.ErrDisputeNotFound) {
		return nil, fmt.Errorf("%w: escrow %s has no dispute", errUnmatched, e.ID)
	}
	return d, err
}
