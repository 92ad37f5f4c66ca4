package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/escrow"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/idgen"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/metrics"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/notify"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/outbox"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/parties"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/retry"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/syncutil"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/traces"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/usdc"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/validation"
)

// Escrows is the slice of the escrow service the dispute engine drives.
// The engine may call it while holding a dispute lock; the escrow
// service never calls back.
type Escrows interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
	MarkDisputed(ctx context.Context, id string) (*escrow.Escrow, error)
	ClearDispute(ctx context.Context, id string, split *escrow.Split) (*escrow.Escrow, error)
}

// Scheduler queues the automated verdict for a dispute.
type Scheduler interface {
	Schedule(disputeID string)
}

type noScheduler struct{}

func (noScheduler) Schedule(string) {}

var errNoChange = errors.New("no change")

// Service implements the dispute flow.
type Service struct {
	store    Store
	escrows  Escrows
	parties  parties.Directory
	gateway  ledger.Gateway
	outbox   *outbox.Recorder
	notifier notify.Sink
	verdicts Scheduler
	analyzer Analyzer
	locks    *syncutil.ContextShardedMutex
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a dispute service.
func NewService(store Store, escrows Escrows, dir parties.Directory, gateway ledger.Gateway, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		escrows:  escrows,
		parties:  dir,
		gateway:  gateway,
		notifier: notify.Nop,
		verdicts: noScheduler{},
		analyzer: EvidenceAnalyzer{},
		locks:    syncutil.NewContextShardedMutex(),
		logger:   logger.With("component", "dispute"),
		now:      time.Now,
	}
}

// WithOutbox records an intent before every ledger write.
func (s *Service) WithOutbox(r *outbox.Recorder) *Service {
	s.outbox = r
	return s
}

// WithNotifier sets the notification sink.
func (s *Service) WithNotifier(n notify.Sink) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithVerdictScheduler sets what runs the automated verdict.
func (s *Service) WithVerdictScheduler(v Scheduler) *Service {
	if v != nil {
		s.verdicts = v
	}
	return s
}

// WithAnalyzer replaces the default evidence-count analyzer.
func (s *Service) WithAnalyzer(a Analyzer) *Service {
	if a != nil {
		s.analyzer = a
	}
	return s
}

// Store exposes the underlying store for read-only collaborators.
func (s *Service) Store() Store { return s.store }

// Raise opens a dispute on an escrow the actor is party to.
func (s *Service) Raise(ctx context.Context, actor string, req RaiseRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Raise", traces.EscrowID(req.EscrowID))
	var err error
	defer func() { traces.End(span, err) }()

	if err = validation.Validate(
		validation.Required("escrowId", req.EscrowID),
		validation.OneOf("reason", string(req.Reason),
			string(ReasonNotAsAgreed), string(ReasonPaymentWithheld), string(ReasonTermsViolated), string(ReasonQuality), string(ReasonOther)),
		validation.OneOf("desiredOutcome", string(req.DesiredOutcome),
			string(OutcomeFullRefund), string(OutcomePartialRefund), string(OutcomeContinueWork), string(OutcomeMediation)),
		validation.MaxLength("description", req.Description, 5000),
	); err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, escrowKey(req.EscrowID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.escrows.Get(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	role, ok := roleOnEscrow(e, actor)
	if !ok {
		err = ErrUnauthorized
		return nil, err
	}
	switch e.Status {
	case escrow.StatusFunded, escrow.StatusInProgress:
	default:
		if e.HasActiveDispute || e.Status == escrow.StatusDisputed {
			err = ErrActiveDispute
		} else {
			err = fmt.Errorf("%w: %s", ErrNotDisputable, e.Status)
		}
		return nil, err
	}
	if _, ferr := s.store.FindActiveByEscrow(ctx, e.ID); ferr == nil {
		err = ErrActiveDispute
		return nil, err
	} else if !errors.Is(ferr, ErrDisputeNotFound) {
		err = ferr
		return nil, err
	}

	d := s.newDispute(e, actor, role)
	d.Reason, d.DesiredOutcome = req.Reason, req.DesiredOutcome
	d.Status = StatusPendingCounterStake
	if role == RoleClient {
		d.ClientStaked = true
		d.ClientClaim = req.Description
	} else {
		d.FreelancerStaked = true
		d.FreelancerResponse = req.Description
	}
	if err = s.store.Create(ctx, d); err != nil {
		return nil, err
	}

	if _, err = s.escrows.MarkDisputed(ctx, e.ID); err != nil {
		s.compensate(ctx, d, "escrow could not be marked disputed")
		return nil, fmt.Errorf("failed to mark escrow disputed: %w", err)
	}
	metrics.DisputeTransitionsTotal.WithLabelValues("none", string(d.Status)).Inc()
	s.logger.Info("dispute raised", "dispute_id", d.ID, "escrow_id", e.ID, "role", role,
		"stake", usdc.Format(d.ClientStake), "total_staked", usdc.Format(d.TotalStaked))

	s.notify(ctx, d.PartyFor(d.Counterpart()), notify.TypeDisputeRaised, "Dispute raised on escrow",
		fmt.Sprintf("A dispute has been raised on escrow %q. Please review and counter-stake to proceed.", e.Title), d)

	// The local record is authoritative until the ledger event arrives,
	// so a failed on-chain raise is logged and not rolled back.
	if d.JobID != "" {
		if wallet, werr := s.walletOf(ctx, actor); werr != nil {
			s.logger.Warn("dispute raised without on-chain call", "dispute_id", d.ID, "error", werr)
		} else if _, lerr := s.ledgerWrite(ctx, outbox.Intent{Kind: outbox.KindRaiseDispute, EscrowID: e.ID, DisputeID: d.ID},
			func(ctx context.Context) (string, error) {
				return s.gateway.RaiseDispute(ctx, wallet, d.JobID)
			}); lerr != nil {
			s.logger.Error("on-chain raiseDispute failed", "dispute_id", d.ID, "job_id", d.JobID, "error", lerr)
		}
	}
	return d.Clone(), nil
}

func (s *Service) newDispute(e *escrow.Escrow, raisedBy string, role Role) *Dispute {
	now := s.now().UTC()
	stake := StakeFor(e.Amount)
	return &Dispute{
		ID:              idgen.WithPrefix("dsp_"),
		EscrowID:        e.ID,
		JobID:           e.OnChainJobID,
		ClientID:        e.BuyerID,
		FreelancerID:    e.SellerID,
		RaisedBy:        raisedBy,
		RaiserRole:      role,
		ClientStake:     stake,
		FreelancerStake: cloneAmount(stake),
		TotalStaked:     usdc.Sum(e.Amount, stake, stake),
		AmountInDispute: cloneAmount(e.Amount),
		RequiredVotes:   RequiredVotes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// compensate cancels a dispute whose escrow side could not be written.
func (s *Service) compensate(ctx context.Context, d *Dispute, reason string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	now := s.now().UTC()
	d.Status, d.CancelledAt, d.WithdrawReason, d.UpdatedAt = StatusCancelled, &now, reason, now
	if err := s.store.Update(cctx, d); err != nil {
		s.logger.Error("CRITICAL: orphaned dispute", "dispute_id", d.ID, "escrow_id", d.EscrowID, "error", err)
	}
}

// CounterStake is the counterpart matching the raiser's stake.
func (s *Service) CounterStake(ctx context.Context, actor, id, response string) (*Dispute, error) {
	d, err := s.mutate(ctx, id, func(d *Dispute) error {
		role, ok := d.RoleOf(actor)
		if !ok || role != d.Counterpart() {
			return ErrUnauthorized
		}
		if d.Status != StatusPendingCounterStake {
			return ErrInvalidStatus
		}
		// Copy, never recompute: the stake was fixed when the dispute opened.
		if role == RoleClient {
			d.ClientStake = cloneAmount(d.FreelancerStake)
			d.ClientStaked = true
			d.ClientClaim = response
		} else {
			d.FreelancerStake = cloneAmount(d.ClientStake)
			d.FreelancerStaked = true
			d.FreelancerResponse = response
		}
		d.VotingStartsAt, d.VotingEndsAt = nil, nil
		return s.transition(d, StatusAIAnalysis)
	})
	if err != nil {
		return nil, err
	}
	s.verdicts.Schedule(d.ID)
	s.notify(ctx, d.RaisedBy, notify.TypeDisputeCounterStaked, "Counter-stake received",
		"The other party has counter-staked. AI analysis will begin shortly.", d)
	return d, nil
}

// SubmitEvidence appends an exhibit. It never changes the dispute stage.
func (s *Service) SubmitEvidence(ctx context.Context, actor, id string, req EvidenceRequest) (*Evidence, error) {
	if err := validation.Validate(
		validation.OneOf("type", string(req.Type),
			string(EvidenceDocument), string(EvidenceScreenshot), string(EvidenceChatLog), string(EvidenceContract), string(EvidenceOther)),
		validation.MaxLength("description", req.Description, 5000),
		validation.MaxLength("fileRef", req.FileRef, 2048),
	); err != nil {
		return nil, err
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role, ok := d.RoleOf(actor)
	if !ok {
		return nil, ErrUnauthorized
	}
	if d.Status.IsTerminal() {
		return nil, ErrInvalidStatus
	}
	ev := &Evidence{
		ID:          idgen.WithPrefix("evd_"),
		DisputeID:   d.ID,
		SubmittedBy: actor,
		Role:        role,
		Type:        req.Type,
		Description: req.Description,
		FileRef:     req.FileRef,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.AddEvidence(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ApplyVerdict runs the analyzer on a dispute in ai_analysis and moves it
// to ai_verdict_review. Disputes in any other stage are left alone.
func (s *Service) ApplyVerdict(ctx context.Context, id string) (*Dispute, error) {
	return s.mutate(ctx, id, func(d *Dispute) error {
		if d.Status != StatusAIAnalysis {
			return errNoChange
		}
		evidence, err := s.store.ListEvidence(ctx, d.ID)
		if err != nil {
			return err
		}
		v, err := s.analyzer.Analyze(ctx, d, evidence)
		if err != nil {
			return fmt.Errorf("analyze dispute: %w", err)
		}
		if v.ClientPct+v.FreelancerPct != 100 {
			return fmt.Errorf("%w: analyzer returned %d/%d", ErrInvalidSplit, v.ClientPct, v.FreelancerPct)
		}
		c, f := v.ClientPct, v.FreelancerPct
		d.AIClientPercentage, d.AIFreelancerPercentage = &c, &f
		d.AIReasoning = v.Reasoning
		d.AIVerdictAt = s.stamp()
		return s.transition(d, StatusAIVerdictReview)
	})
}

// AcceptVerdict records the actor's acceptance and forwards it to the
// ledger. The dispute resolves when the ledger reports both acceptances.
func (s *Service) AcceptVerdict(ctx context.Context, actor, id string) (*Dispute, error) {
	return s.verdictAction(ctx, actor, id, outbox.KindAcceptVerdict, s.gateway.AcceptVerdict, func(d *Dispute, r Role) {
		if r == RoleClient {
			d.ClientAcceptedVerdict = true
		} else {
			d.FreelancerAcceptedVerdict = true
		}
	})
}

// RejectVerdict rejects the automated verdict on the ledger and asks it to
// open a vote sized by the disputed amount. The dispute moves to
// dao_voting when the escalation event is reconciled.
func (s *Service) RejectVerdict(ctx context.Context, actor, id string) (*Dispute, error) {
	d, err := s.verdictAction(ctx, actor, id, outbox.KindRejectVerdict, s.gateway.RejectVerdict, nil)
	if err != nil {
		return nil, err
	}

	duration := VotingDuration(d.AmountInDispute)
	seconds := int64(duration / time.Second)
	_, err = s.ledgerWrite(ctx, outbox.Intent{Kind: outbox.KindEscalate, EscrowID: d.EscrowID, DisputeID: d.ID},
		func(ctx context.Context) (string, error) {
			return s.gateway.EscalateToVoting(ctx, d.JobID, seconds)
		})
	if err != nil {
		// The rejection stands on the ledger; the review deadline check
		// forces the escalation on a later tick.
		s.logger.Error("escalation to voting failed", "dispute_id", d.ID, "job_id", d.JobID,
			"duration_seconds", seconds, "error", err)
		return d, nil
	}
	s.logger.Info("voting requested", "dispute_id", d.ID, "job_id", d.JobID, "duration_seconds", seconds)
	return d, nil
}

// verdictAction performs a ledger call for one party of a dispute under
// review. record, when set, is applied and persisted after the call.
func (s *Service) verdictAction(ctx context.Context, actor, id string, kind outbox.Kind,
	call func(ctx context.Context, w ledger.Wallet, jobID string) (string, error), record func(d *Dispute, r Role)) (*Dispute, error) {

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role, ok := d.RoleOf(actor)
	if !ok {
		return nil, ErrUnauthorized
	}
	if d.Status != StatusAIVerdictReview {
		return nil, ErrInvalidStatus
	}
	if d.JobID == "" {
		return nil, ErrNoJobID
	}
	wallet, err := s.walletOf(ctx, actor)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledgerWrite(ctx, outbox.Intent{Kind: kind, EscrowID: d.EscrowID, DisputeID: d.ID},
		func(ctx context.Context) (string, error) {
			return call(ctx, wallet, d.JobID)
		}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSettlementFailed, err)
	}
	if record == nil {
		return d, nil
	}
	record(d, role)
	d.UpdatedAt = s.now().UTC()
	if err := s.persistAfterLedger(ctx, d, string(kind)); err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// Vote casts an arbitration vote. Parties to the dispute cannot vote and
// each voter votes once.
func (s *Service) Vote(ctx context.Context, voter, id string, req VoteRequest) (*Vote, error) {
	rules := []validation.Rule{
		validation.OneOf("choice", string(req.Choice), string(ChoiceClient), string(ChoiceFreelancer)),
		validation.MaxLength("reasoning", req.Reasoning, 5000),
	}
	if req.SuggestedSplit != nil {
		rules = append(rules, validation.Percent("suggestedSplit", *req.SuggestedSplit))
	}
	if err := validation.Validate(rules...); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "dispute.Vote", traces.DisputeID(id))
	var err error
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusDAOVoting {
		err = ErrInvalidStatus
		return nil, err
	}
	if d.VotingEndsAt != nil && s.now().After(*d.VotingEndsAt) {
		err = ErrVotingClosed
		return nil, err
	}
	if _, isParty := d.RoleOf(voter); isParty {
		err = ErrPartyCannotVote
		return nil, err
	}
	voted, err := s.store.HasVoted(ctx, id, voter)
	if err != nil {
		return nil, err
	}
	if voted {
		err = ErrAlreadyVoted
		return nil, err
	}

	v := &Vote{
		ID:             idgen.WithPrefix("vot_"),
		DisputeID:      id,
		VoterID:        voter,
		Choice:         req.Choice,
		Reasoning:      req.Reasoning,
		SuggestedSplit: req.SuggestedSplit,
		CreatedAt:      s.now().UTC(),
	}
	if d.JobID != "" {
		wallet, werr := s.walletOf(ctx, voter)
		if werr != nil {
			err = werr
			return nil, err
		}
		v.TxRef, err = s.ledgerWrite(ctx, outbox.Intent{Kind: outbox.KindCastVote, EscrowID: d.EscrowID, DisputeID: d.ID},
			func(ctx context.Context) (string, error) {
				return s.gateway.CastVote(ctx, wallet, d.JobID, v.LedgerPercent())
			})
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrSettlementFailed, err)
			return nil, err
		}
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	err = retry.Do(pctx, retry.Persist, func(ctx context.Context) error {
		rerr := s.store.RecordVote(ctx, v)
		if errors.Is(rerr, ErrAlreadyVoted) {
			return retry.Permanent(rerr)
		}
		return rerr
	})
	if err != nil {
		if !errors.Is(err, ErrAlreadyVoted) {
			s.logger.Error("CRITICAL: vote cast on ledger but not recorded", "dispute_id", id, "voter", voter, "tx_ref", v.TxRef, "error", err)
		}
		return nil, err
	}
	s.logger.Info("vote recorded", "dispute_id", id, "choice", v.Choice, "tx_ref", v.TxRef)
	return v, nil
}

// Resolve closes a dispute administratively with an explicit split once
// it holds a verdict or is in voting. The escrow's dispute flag is
// cleared; moving funds stays with the ledger.
func (s *Service) Resolve(ctx context.Context, id string, req ResolveRequest) (*Dispute, error) {
	if err := validation.Validate(
		validation.Percent("clientPercentage", req.ClientPct),
		validation.Percent("freelancerPercentage", req.FreelancerPct),
	); err != nil {
		return nil, err
	}
	if req.ClientPct+req.FreelancerPct != 100 {
		return nil, ErrInvalidSplit
	}
	if req.Resolution == "" {
		req.Resolution = ResolutionFor(req.ClientPct, req.FreelancerPct)
	}
	if err := validation.Validate(validation.OneOf("resolution", string(req.Resolution),
		string(ResolutionFullClientRefund), string(ResolutionFullFreelancerPayment), string(ResolutionPartialSplit))); err != nil {
		return nil, err
	}

	d, err := s.mutate(ctx, id, func(d *Dispute) error {
		if !CanTransition(d.Status, StatusResolved) {
			return ErrInvalidStatus
		}
		c, f := req.ClientPct, req.FreelancerPct
		d.Resolution = req.Resolution
		d.ClientPercentage, d.FreelancerPercentage = &c, &f
		d.ResolutionNotes = req.Notes
		d.ResolvedAt = s.stamp()
		return s.transition(d, StatusResolved)
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.escrows.ClearDispute(ctx, d.EscrowID, nil); err != nil {
		s.logger.Error("failed to clear escrow dispute flag", "dispute_id", d.ID, "escrow_id", d.EscrowID, "error", err)
	}
	s.notifyResolved(ctx, d)
	return d, nil
}

// Withdraw lets the raiser drop a dispute before it resolves and before
// any vote has closed.
func (s *Service) Withdraw(ctx context.Context, actor, id, reason string) (*Dispute, error) {
	d, err := s.mutate(ctx, id, func(d *Dispute) error {
		if actor != d.RaisedBy {
			return ErrUnauthorized
		}
		if d.Status.IsTerminal() {
			return ErrInvalidStatus
		}
		if d.VotingEndsAt != nil && s.now().After(*d.VotingEndsAt) {
			return ErrVotingClosed
		}
		d.CancelledAt = s.stamp()
		d.WithdrawReason = validation.SanitizeString(reason, 1000)
		return s.transition(d, StatusCancelled)
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.escrows.ClearDispute(ctx, d.EscrowID, nil); err != nil {
		s.logger.Error("failed to clear escrow dispute flag", "dispute_id", d.ID, "escrow_id", d.EscrowID, "error", err)
	}
	return d, nil
}

// Get returns a dispute by id.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// GetWithDetails returns the dispute with its evidence and votes.
func (s *Service) GetWithDetails(ctx context.Context, id string) (*Details, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	evidence, err := s.store.ListEvidence(ctx, id)
	if err != nil {
		return nil, err
	}
	votes, err := s.store.ListVotes(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Details{Dispute: d, Evidence: evidence, Votes: votes}, nil
}

// List returns a page of the party's disputes and the total count.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Dispute, int, error) {
	f.Page = f.Page.Normalize()
	return s.store.List(ctx, f)
}

// ListByStatus returns disputes in any of statuses, least recently
// updated first.
func (s *Service) ListByStatus(ctx context.Context, limit int, statuses ...Status) ([]*Dispute, error) {
	return s.store.ListByStatus(ctx, statuses, limit)
}

// Stats counts the party's active and resolved disputes.
func (s *Service) Stats(ctx context.Context, party string) (Stats, error) {
	return s.store.Stats(ctx, party)
}

// VotingStatus reports tallies, the average suggested split and the time
// left on the vote.
func (s *Service) VotingStatus(ctx context.Context, id string) (*VotingStatus, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	votes, err := s.store.ListVotes(ctx, id)
	if err != nil {
		return nil, err
	}
	vs := &VotingStatus{
		DisputeID:          d.ID,
		Status:             d.Status,
		VotesForClient:     d.VotesForClient,
		VotesForFreelancer: d.VotesForFreelancer,
		TotalVotes:         d.TotalVotes,
		RequiredVotes:      d.RequiredVotes,
		QuorumReached:      d.TotalVotes >= d.RequiredVotes,
		VotingEndsAt:       d.VotingEndsAt,
	}
	sum, n := 0, 0
	for _, v := range votes {
		if v.SuggestedSplit != nil {
			sum += *v.SuggestedSplit
			n++
		}
	}
	if n > 0 {
		avg := float64(sum) / float64(n)
		vs.AverageSuggestedSplit = &avg
	}
	if d.Status == StatusDAOVoting && d.VotingEndsAt != nil {
		left := d.VotingEndsAt.Sub(s.now())
		if left > 0 {
			vs.SecondsLeft = int64(left / time.Second)
			vs.Open = true
		}
	}
	return vs, nil
}

// mutate runs fn on a fresh copy under the dispute lock and persists the
// result. fn returning errNoChange skips the write.
func (s *Service) mutate(ctx context.Context, id string, fn func(d *Dispute) error) (*Dispute, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := d.Status
	if err := fn(d); err != nil {
		if errors.Is(err, errNoChange) {
			return d, nil
		}
		return nil, err
	}
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	if from != d.Status {
		metrics.DisputeTransitionsTotal.WithLabelValues(string(from), string(d.Status)).Inc()
		s.logger.Info("dispute transition", "dispute_id", d.ID, "from", from, "to", d.Status)
	}
	return d.Clone(), nil
}

func (s *Service) transition(d *Dispute, to Status) error {
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
	}
	d.Status = to
	d.UpdatedAt = s.now().UTC()
	return nil
}

// advance moves d forward through the intermediate stages until to is
// one edge away, then takes it. Ledger events may overtake local
// processing; every recorded step is still an edge of the flow.
func (s *Service) advance(d *Dispute, to Status) error {
	for !CanTransition(d.Status, to) {
		next, ok := forward[d.Status]
		if !ok {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
		}
		if d.Status == StatusPendingCounterStake {
			lockCounterStake(d)
		}
		if err := s.transition(d, next); err != nil {
			return err
		}
	}
	return s.transition(d, to)
}

func (s *Service) ledgerWrite(ctx context.Context, in outbox.Intent, call func(ctx context.Context) (string, error)) (string, error) {
	if s.outbox == nil {
		return call(ctx)
	}
	return s.outbox.Run(ctx, in, call)
}

func (s *Service) persistAfterLedger(ctx context.Context, d *Dispute, what string) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	err := retry.Do(pctx, retry.Persist, func(ctx context.Context) error {
		return s.store.Update(ctx, d)
	})
	if err != nil {
		s.logger.Error("CRITICAL: ledger call succeeded but dispute update failed",
			"dispute_id", d.ID, "action", what, "error", err)
		return fmt.Errorf("failed to update dispute after ledger call: %w", err)
	}
	return nil
}

func (s *Service) walletOf(ctx context.Context, partyID string) (ledger.Wallet, error) {
	p, err := s.parties.Get(ctx, partyID)
	if err != nil {
		if errors.Is(err, parties.ErrPartyNotFound) {
			return ledger.Wallet{}, fmt.Errorf("%w: %s", ErrNoCustodyWallet, partyID)
		}
		return ledger.Wallet{}, err
	}
	if p.Wallet == nil {
		return ledger.Wallet{}, fmt.Errorf("%w: %s", ErrNoCustodyWallet, partyID)
	}
	return *p.Wallet, nil
}

func (s *Service) stamp() *time.Time {
	t := s.now().UTC()
	return &t
}

func (s *Service) notify(ctx context.Context, userID string, typ notify.Type, title, msg string, d *Dispute) {
	notify.Send(ctx, s.notifier, s.logger, notify.Notification{
		UserID:  userID,
		Type:    typ,
		Title:   title,
		Message: msg,
		Context: map[string]string{"escrowId": d.EscrowID, "disputeId": d.ID},
	})
}

func (s *Service) notifyResolved(ctx context.Context, d *Dispute) {
	msg := "The dispute has been resolved."
	if c, f, ok := d.ResolvedSplit(); ok {
		msg = fmt.Sprintf("The dispute has been resolved: %d%% to the client, %d%% to the freelancer.", c, f)
	}
	for _, party := range []string{d.ClientID, d.FreelancerID} {
		s.notify(ctx, party, notify.TypeDisputeResolved, "Dispute resolved", msg, d)
	}
}

func roleOnEscrow(e *escrow.Escrow, actor string) (Role, bool) {
	r, ok := e.RoleOf(actor)
	if !ok {
		return "", false
	}
	if r == escrow.RoleBuyer {
		return RoleClient, true
	}
	return RoleFreelancer, true
}

func escrowKey(escrowID string) string { return "escrow:" + escrowID }

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
