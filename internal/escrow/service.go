package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

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
)

// DefaultFeeBps is the ledger fee per side.
const DefaultFeeBps = 500

// errNoChange lets a mutation report that the record is already in the
// requested state.
var errNoChange = errors.New("no change")

// Service implements the escrow lifecycle. Every mutation holds the
// escrow's lock for its full duration, including any ledger call, and
// never takes a second lock.
type Service struct {
	store     Store
	parties   parties.Directory
	gateway   ledger.Gateway
	outbox    *outbox.Recorder
	notifier  notify.Sink
	locks     *syncutil.ContextShardedMutex
	feeBps    int64
	minAmount *big.Int
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates an escrow service. The minimum escrow defaults to
// 10 USDC.
func NewService(store Store, dir parties.Directory, gateway ledger.Gateway, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		parties:   dir,
		gateway:   gateway,
		notifier:  notify.Nop,
		locks:     syncutil.NewContextShardedMutex(),
		feeBps:    DefaultFeeBps,
		minAmount: usdc.FromWhole(10),
		logger:    logger.With("component", "escrow"),
		now:       time.Now,
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

// WithEconomics sets the ledger fee and the minimum escrow amount.
func (s *Service) WithEconomics(feeBps int64, minAmount *big.Int) *Service {
	s.feeBps = feeBps
	if minAmount != nil {
		s.minAmount = new(big.Int).Set(minAmount)
	}
	return s
}

// Store exposes the underlying store for read-only collaborators.
func (s *Service) Store() Store { return s.store }

// Create opens an escrow paid by buyerID.
func (s *Service) Create(ctx context.Context, buyerID string, req CreateRequest) (*Escrow, error) {
	amount, ok := usdc.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount.Cmp(s.minAmount) < 0 {
		return nil, fmt.Errorf("%w: minimum is %s USDC", ErrAmountTooSmall, usdc.Format(s.minAmount))
	}

	buyer, err := s.parties.Get(ctx, buyerID)
	if errors.Is(err, parties.ErrPartyNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	seller, err := s.parties.Resolve(ctx, req.CounterpartyRef)
	if errors.Is(err, parties.ErrPartyNotFound) {
		return nil, ErrCounterpartyNotFound
	}
	if err != nil {
		return nil, err
	}
	if seller.ID == buyer.ID {
		return nil, ErrSelfEscrow
	}

	network := strings.ToLower(strings.TrimSpace(req.Network))
	if network == "" {
		network = DefaultNetwork
	}
	now := s.now().UTC()
	e := &Escrow{
		ID:            idgen.WithPrefix("esc_"),
		Number:        idgen.ReferenceNumber("ESC", now),
		BuyerID:       buyer.ID,
		SellerID:      seller.ID,
		BuyerAddress:  buyer.LedgerAddress(),
		SellerAddress: seller.LedgerAddress(),
		Amount:        amount,
		Currency:      DefaultCurrency,
		Network:       network,
		Title:         strings.TrimSpace(req.Title),
		Terms:         req.Terms,
		Status:        StatusDraft,
		FeeBps:        s.feeBps,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.transition(e, StatusPendingAcceptance); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusDraft), string(StatusPendingAcceptance)).Inc()

	s.logger.Info("escrow created", "escrow_id", e.ID, "number", e.Number, "amount", usdc.Format(amount))
	return e.Clone(), nil
}

// Accept is the seller agreeing to the terms.
func (s *Service) Accept(ctx context.Context, actor, id string) (*Escrow, error) {
	e, err := s.mutate(ctx, id, func(e *Escrow) error {
		if actor != e.SellerID {
			return ErrUnauthorized
		}
		if e.Status != StatusPendingAcceptance {
			return ErrInvalidStatus
		}
		e.AcceptedAt = s.stamp()
		return s.transition(e, StatusPendingFunding)
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, e.BuyerID, notify.TypeEscrowAccepted, "Escrow accepted",
		fmt.Sprintf("%s accepted by the freelancer and ready to fund", e.Number), e)
	return e, nil
}

// Reject is the seller declining the terms.
func (s *Service) Reject(ctx context.Context, actor, id, reason string) (*Escrow, error) {
	return s.mutate(ctx, id, func(e *Escrow) error {
		if actor != e.SellerID {
			return ErrUnauthorized
		}
		if e.Status != StatusPendingAcceptance {
			return ErrInvalidStatus
		}
		e.RejectedAt = s.stamp()
		e.RejectionReason = reason
		return s.transition(e, StatusRejected)
	})
}

// Cancel withdraws an escrow that was never funded.
func (s *Service) Cancel(ctx context.Context, actor, id string) (*Escrow, error) {
	return s.mutate(ctx, id, func(e *Escrow) error {
		if _, ok := e.RoleOf(actor); !ok {
			return ErrUnauthorized
		}
		switch e.Status {
		case StatusDraft, StatusPendingAcceptance, StatusPendingFunding:
		default:
			return ErrInvalidStatus
		}
		e.CancelledAt = s.stamp()
		return s.transition(e, StatusCancelled)
	})
}

// Complete marks the work delivered. Either party may call it.
func (s *Service) Complete(ctx context.Context, actor, id string) (*Escrow, error) {
	return s.mutate(ctx, id, func(e *Escrow) error {
		if _, ok := e.RoleOf(actor); !ok {
			return ErrUnauthorized
		}
		if e.HasActiveDispute {
			return ErrActiveDispute
		}
		if e.Status != StatusFunded && e.Status != StatusInProgress {
			return ErrInvalidStatus
		}
		e.CompletedAt = s.stamp()
		return s.transition(e, StatusCompleted)
	})
}

// Fund creates the settlement job from the buyer's custody wallet.
func (s *Service) Fund(ctx context.Context, actor, id string) (*Escrow, error) {
	return s.fundLocked(ctx, id, "", func(e *Escrow) error {
		if actor != e.BuyerID {
			return ErrUnauthorized
		}
		return nil
	})
}

// FundFromDeposit funds an escrow after an external deposit to the
// buyer's custody wallet has been matched to it.
func (s *Service) FundFromDeposit(ctx context.Context, id, depositRef string) (*Escrow, error) {
	return s.fundLocked(ctx, id, depositRef, func(e *Escrow) error {
		used, err := s.store.DepositConsumed(ctx, depositRef)
		if err != nil {
			return err
		}
		// an unresolved attempt from this same deposit may be retried
		if used && e.DepositTxRef != depositRef {
			return ErrDepositConsumed
		}
		return nil
	})
}

func (s *Service) fundLocked(ctx context.Context, id, depositRef string, check func(e *Escrow) error) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.EscrowID(id))
	var err error
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err = check(e); err != nil {
		return nil, err
	}
	if e.Status != StatusPendingFunding {
		err = ErrInvalidStatus
		return nil, err
	}
	if err = s.checkFundingAttempt(ctx, e); err != nil {
		return nil, err
	}

	buyer, err := s.parties.Get(ctx, e.BuyerID)
	if err != nil {
		return nil, err
	}
	if buyer.Wallet == nil {
		err = fmt.Errorf("%w: buyer %s", ErrNoCustodyWallet, e.BuyerID)
		return nil, err
	}
	var sellerWallet *ledger.Wallet
	if seller, serr := s.parties.Get(ctx, e.SellerID); serr == nil {
		sellerWallet = seller.Wallet
	} else {
		s.logger.Warn("seller lookup failed, funding without seller approval", "escrow_id", id, "error", serr)
	}

	key := idgen.IdempotencyKey()
	var receipt ledger.JobReceipt
	_, err = s.ledgerWrite(ctx, outbox.Intent{Kind: outbox.KindCreateJob, EscrowID: id, IdempotencyKey: key},
		func(ctx context.Context) (string, error) {
			var cerr error
			receipt, cerr = s.gateway.CreateSettlementJob(ctx, ledger.JobRequest{
				BuyerWallet:    *buyer.Wallet,
				SellerWallet:   sellerWallet,
				Counterparty:   e.SellerAddress,
				Amount:         e.Amount,
				IdempotencyKey: key,
			})
			return receipt.TxRef, cerr
		})
	if errors.Is(err, ledger.ErrTimeout) {
		// The job may exist on the ledger. Keep the key so the job-created
		// event can be matched and no second job is created meanwhile.
		e.IdempotencyKey = key
		e.DepositTxRef = depositRef
		var callErr *ledger.CallError
		if errors.As(err, &callErr) && callErr.TxRef != "" {
			e.FundingTxRef = callErr.TxRef
		}
		if perr := s.persistAfterLedger(ctx, e, "funding_unresolved"); perr != nil {
			s.logger.Error("failed to record unresolved funding attempt", "escrow_id", id, "error", perr)
		}
		s.logger.Warn("funding timed out, outcome unknown", "escrow_id", id, "idempotency_key", key, "error", err)
		err = fmt.Errorf("%w: %w", ErrSettlementFailed, err)
		return nil, err
	}
	if err != nil {
		s.logger.Warn("funding failed, escrow left untouched", "escrow_id", id, "error", err)
		err = fmt.Errorf("%w: %w", ErrSettlementFailed, err)
		return nil, err
	}

	from := e.Status
	now := s.stamp()
	e.FundedAt, e.StartedAt = now, now
	e.IdempotencyKey = key
	e.FundingTxRef = receipt.TxRef
	e.DepositTxRef = depositRef
	if e.OnChainJobID == "" {
		e.OnChainJobID = receipt.JobID
	}
	if err = s.transition(e, StatusInProgress); err != nil {
		return nil, err
	}
	if err = s.persistAfterLedger(ctx, e, "funded"); err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(from), string(e.Status)).Inc()

	s.logger.Info("escrow funded", "escrow_id", id, "job_id", e.OnChainJobID, "tx_ref", e.FundingTxRef, "deposit_ref", depositRef)
	s.notify(ctx, e.SellerID, notify.TypeEscrowFunded, "Escrow funded",
		fmt.Sprintf("%s is funded with %s USDC; work can start", e.Number, usdc.Format(e.Amount)), e)
	return e.Clone(), nil
}

// ReleaseFullPayment pays the whole principal to the seller.
func (s *Service) ReleaseFullPayment(ctx context.Context, actor, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id))
	var err error
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != e.BuyerID {
		err = ErrUnauthorized
		return nil, err
	}
	if e.HasActiveDispute || e.Status == StatusDisputed {
		err = ErrActiveDispute
		return nil, err
	}
	switch e.Status {
	case StatusFunded, StatusInProgress, StatusCompleted:
	default:
		err = ErrInvalidStatus
		return nil, err
	}
	if e.OnChainJobID == "" {
		err = ErrNoJobID
		return nil, err
	}
	buyer, err := s.parties.Get(ctx, e.BuyerID)
	if err != nil {
		return nil, err
	}
	if buyer.Wallet == nil {
		err = fmt.Errorf("%w: buyer %s", ErrNoCustodyWallet, e.BuyerID)
		return nil, err
	}

	txRef, err := s.ledgerWrite(ctx, outbox.Intent{Kind: outbox.KindReleaseFunds, EscrowID: id},
		func(ctx context.Context) (string, error) {
			return s.gateway.ReleaseFunds(ctx, *buyer.Wallet, e.OnChainJobID)
		})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSettlementFailed, err)
		return nil, err
	}

	from := e.Status
	e.ReleasedAt = s.stamp()
	e.ReleaseTxRef = txRef
	if err = s.toReleased(e); err != nil {
		return nil, err
	}
	if err = s.persistAfterLedger(ctx, e, "released"); err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(from), string(e.Status)).Inc()

	s.notify(ctx, e.SellerID, notify.TypeEscrowReleased, "Payment released",
		fmt.Sprintf("%s USDC for %s was released to you", usdc.Format(e.Amount), e.Number), e)
	return e.Clone(), nil
}

// Get returns an escrow by id.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetForParty returns an escrow only if actor is one of its parties.
func (s *Service) GetForParty(ctx context.Context, actor, id string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := e.RoleOf(actor); !ok {
		return nil, ErrUnauthorized
	}
	return e, nil
}

// List returns a page of the party's escrows and the total count.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Escrow, int, error) {
	f.Page = f.Page.Normalize()
	return s.store.List(ctx, f)
}

// ListByStatus returns escrows in any of statuses.
func (s *Service) ListByStatus(ctx context.Context, limit int, statuses ...Status) ([]*Escrow, error) {
	return s.store.ListByStatus(ctx, statuses, limit)
}

// LockedPrincipal sums the principal of escrows the ledger should hold.
func (s *Service) LockedPrincipal(ctx context.Context) (*big.Int, error) {
	return s.store.SumAmount(ctx, ActiveStatuses)
}

// mutate runs fn on a fresh copy under the escrow lock and persists the
// result. fn returning errNoChange skips the write.
func (s *Service) mutate(ctx context.Context, id string, fn func(e *Escrow) error) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := e.Status
	if err := fn(e); err != nil {
		if errors.Is(err, errNoChange) {
			return e, nil
		}
		return nil, err
	}
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	if from != e.Status {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(from), string(e.Status)).Inc()
	}
	return e.Clone(), nil
}

func (s *Service) transition(e *Escrow, to Status) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = s.now().UTC()
	return nil
}

// toReleased moves e to released. Work never marked complete passes
// through completed first.
func (s *Service) toReleased(e *Escrow) error {
	if e.Status == StatusFunded || e.Status == StatusInProgress {
		if e.CompletedAt == nil {
			e.CompletedAt = s.stamp()
		}
		if err := s.transition(e, StatusCompleted); err != nil {
			return err
		}
	}
	return s.transition(e, StatusReleased)
}

// checkFundingAttempt refuses a new settlement job while an earlier
// create_job for the escrow is pending or landed without its event having
// been applied yet. Failed and abandoned attempts allow a fresh one.
func (s *Service) checkFundingAttempt(ctx context.Context, e *Escrow) error {
	if e.IdempotencyKey == "" || s.outbox == nil {
		return nil
	}
	in, err := s.outbox.Store().FindByKey(ctx, e.IdempotencyKey)
	switch {
	case errors.Is(err, outbox.ErrIntentNotFound):
		return nil
	case err != nil:
		return err
	}
	switch in.Status {
	case outbox.StatusPending, outbox.StatusCompleted:
		return fmt.Errorf("%w: intent %s is %s", ErrFundingInFlight, in.ID, in.Status)
	}
	return nil
}

// ledgerWrite runs call behind an outbox intent when one is configured.
func (s *Service) ledgerWrite(ctx context.Context, in outbox.Intent, call func(ctx context.Context) (string, error)) (string, error) {
	if s.outbox == nil {
		return call(ctx)
	}
	return s.outbox.Run(ctx, in, call)
}

// persistAfterLedger writes a record whose ledger side already happened.
// The write is retried on a context detached from the caller.
func (s *Service) persistAfterLedger(ctx context.Context, e *Escrow, what string) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	err := retry.Do(pctx, retry.Persist, func(ctx context.Context) error {
		return s.store.Update(ctx, e)
	})
	if err != nil {
		// The listener repairs the record from the ledger event keyed by
		// the intent's idempotency key.
		s.logger.Error("CRITICAL: ledger call succeeded but escrow update failed",
			"escrow_id", e.ID, "state", what, "job_id", e.OnChainJobID, "error", err)
		return fmt.Errorf("failed to update escrow after ledger call (reconciled from ledger events): %w", err)
	}
	return nil
}

func (s *Service) stamp() *time.Time {
	t := s.now().UTC()
	return &t
}

func (s *Service) notify(ctx context.Context, userID string, typ notify.Type, title, msg string, e *Escrow) {
	notify.Send(ctx, s.notifier, s.logger, notify.Notification{
		UserID:  userID,
		Type:    typ,
		Title:   title,
		Message: msg,
		Context: map[string]string{"escrowId": e.ID, "escrowNumber": e.Number},
	})
}
