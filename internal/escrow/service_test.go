package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/notify"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/outbox"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/pagination"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/parties"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/usdc"
)

const (
	buyerAddr  = "0x1111111111111111111111111111111111111111"
	sellerAddr = "0x2222222222222222222222222222222222222222"
)

type fixture struct {
	svc     *Service
	store   *MemoryStore
	ledger  *ledger.Simulated
	notes   *notify.Memory
	intents *outbox.MemoryStore
	dir     *parties.MemoryDirectory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := parties.NewMemoryDirectory(
		&parties.Party{ID: "usr_buyer", Email: "buyer@example.com", Wallet: &ledger.Wallet{ID: "w_buyer", Address: buyerAddr}},
		&parties.Party{ID: "usr_seller", Email: "seller@example.com", Wallet: &ledger.Wallet{ID: "w_seller", Address: sellerAddr}},
		&parties.Party{ID: "usr_nowallet", Email: "nowallet@example.com", Address: "0x3333333333333333333333333333333333333333"},
	)
	store := NewMemoryStore()
	sim := ledger.NewSimulated(nil)
	notes := &notify.Memory{}
	intents := outbox.NewMemoryStore()
	svc := NewService(store, dir, sim, nil).
		WithNotifier(notes).
		WithOutbox(outbox.NewRecorder(intents, nil))
	return &fixture{svc: svc, store: store, ledger: sim, notes: notes, intents: intents, dir: dir}
}

func (f *fixture) create(t *testing.T, amount string) *Escrow {
	t.Helper()
	e, err := f.svc.Create(context.Background(), "usr_buyer", CreateRequest{
		CounterpartyRef: "seller@example.com",
		Amount:          amount,
		Title:           "Logo design",
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) funded(t *testing.T, amount string) *Escrow {
	t.Helper()
	ctx := context.Background()
	e := f.create(t, amount)
	_, err := f.svc.Accept(ctx, "usr_seller", e.ID)
	require.NoError(t, err)
	e, err = f.svc.Fund(ctx, "usr_buyer", e.ID)
	require.NoError(t, err)
	return e
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "1000")

	assert.Equal(t, StatusPendingAcceptance, e.Status)
	assert.Equal(t, "usr_buyer", e.BuyerID)
	assert.Equal(t, "usr_seller", e.SellerID)
	assert.Equal(t, buyerAddr, e.BuyerAddress)
	assert.Equal(t, sellerAddr, e.SellerAddress)
	assert.Equal(t, "1000.000000", usdc.Format(e.Amount))
	assert.Equal(t, DefaultNetwork, e.Network)
	assert.Equal(t, int64(DefaultFeeBps), e.FeeBps)
	assert.Regexp(t, `^ESC-\d{4}-\d{6}$`, e.Number)
	assert.Regexp(t, `^esc_`, e.ID)
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"unknown counterparty", CreateRequest{CounterpartyRef: "nobody@example.com", Amount: "100", Title: "x"}, ErrCounterpartyNotFound},
		{"self", CreateRequest{CounterpartyRef: "usr_buyer", Amount: "100", Title: "x"}, ErrSelfEscrow},
		{"below minimum", CreateRequest{CounterpartyRef: "usr_seller", Amount: "9.99", Title: "x"}, ErrAmountTooSmall},
		{"bad amount", CreateRequest{CounterpartyRef: "usr_seller", Amount: "ten", Title: "x"}, ErrInvalidAmount},
		{"zero", CreateRequest{CounterpartyRef: "usr_seller", Amount: "0", Title: "x"}, ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, "usr_buyer", tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreate_ResolvesCounterpartyByAddress(t *testing.T) {
	f := newFixture(t)
	e, err := f.svc.Create(context.Background(), "usr_buyer", CreateRequest{
		CounterpartyRef: "0x3333333333333333333333333333333333333333",
		Amount:          "50",
		Title:           "Copy edit",
	})
	require.NoError(t, err)
	assert.Equal(t, "usr_nowallet", e.SellerID)
}

func TestAcceptFund_SetsJobIDOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, "1000")

	accepted, err := f.svc.Accept(ctx, "usr_seller", e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingFunding, accepted.Status)
	assert.NotNil(t, accepted.AcceptedAt)
	require.Len(t, f.notes.For("usr_buyer"), 1)
	assert.Equal(t, notify.TypeEscrowAccepted, f.notes.For("usr_buyer")[0].Type)

	funded, err := f.svc.Fund(ctx, "usr_buyer", e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, funded.Status)
	assert.NotEmpty(t, funded.OnChainJobID)
	assert.NotEmpty(t, funded.IdempotencyKey)
	assert.NotEmpty(t, funded.FundingTxRef)
	assert.NotNil(t, funded.FundedAt)
	assert.NotNil(t, funded.StartedAt)
	assert.Equal(t, notify.TypeEscrowFunded, f.notes.For("usr_seller")[0].Type)

	// The listener seeing the same job attaches nothing new.
	again, err := f.svc.AttachJobID(ctx, e.ID, funded.OnChainJobID, funded.FundingTxRef)
	require.NoError(t, err)
	assert.Equal(t, funded.OnChainJobID, again.OnChainJobID)
	assert.Equal(t, StatusInProgress, again.Status)

	_, err = f.svc.AttachJobID(ctx, e.ID, "999", "")
	assert.ErrorIs(t, err, ErrJobIDAlreadySet)

	stored, err := f.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, funded.OnChainJobID, stored.OnChainJobID)

	in, err := f.intents.FindByKey(ctx, funded.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusCompleted, in.Status)
	assert.Equal(t, funded.FundingTxRef, in.TxRef)
}

func TestFund_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, "100")

	_, err := f.svc.Fund(ctx, "usr_buyer", e.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus, "cannot fund before acceptance")

	_, err = f.svc.Accept(ctx, "usr_buyer", e.ID)
	assert.ErrorIs(t, err, ErrUnauthorized, "buyer cannot accept")
	_, err = f.svc.Accept(ctx, "usr_seller", e.ID)
	require.NoError(t, err)

	_, err = f.svc.Fund(ctx, "usr_seller", e.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, f.ledger.CallCount("createJob"))
}

func TestFund_LedgerFailureLeavesEscrowUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, "100")
	_, err := f.svc.Accept(ctx, "usr_seller", e.ID)
	require.NoError(t, err)

	f.ledger.FailNext("createJob", ledger.ErrReverted)
	_, err = f.svc.Fund(ctx, "usr_buyer", e.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSettlementFailed)
	assert.ErrorIs(t, err, ledger.ErrReverted)

	stored, err := f.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingFunding, stored.Status)
	assert.Empty(t, stored.OnChainJobID)
	assert.Empty(t, stored.IdempotencyKey)

	// A retry succeeds.
	funded, err := f.svc.Fund(ctx, "usr_buyer", e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, funded.Status)
}

func TestFund_NoCustodyWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, err := f.svc.Create(ctx, "usr_nowallet", CreateRequest{CounterpartyRef: "usr_seller", Amount: "100", Title: "x"})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, "usr_seller", e.ID)
	require.NoError(t, err)

	_, err = f.svc.Fund(ctx, "usr_nowallet", e.ID)
	assert.ErrorIs(t, err, ErrNoCustodyWallet)
	assert.Zero(t, f.ledger.CallCount("createJob"))
}

func TestFundFromDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "100")
	b := f.create(t, "100")
	for _, e := range []*Escrow{a, b} {
		_, err := f.svc.Accept(ctx, "usr_seller", e.ID)
		require.NoError(t, err)
	}

	funded, err := f.svc.FundFromDeposit(ctx, a.ID, "0xdeposit1")
	require.NoError(t, err)
	assert.Equal(t, "0xdeposit1", funded.DepositTxRef)
	assert.Equal(t, StatusInProgress, funded.Status)

	_, err = f.svc.FundFromDeposit(ctx, b.ID, "0xdeposit1")
	assert.ErrorIs(t, err, ErrDepositConsumed)
}

func TestRelease_ActiveDisputeMakesNoLedgerCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.funded(t, "1000")

	_, err := f.svc.MarkDisputed(ctx, e.ID)
	require.NoError(t, err)

	_, err = f.svc.ReleaseFullPayment(ctx, "usr_buyer", e.ID)
	assert.ErrorIs(t, err, ErrActiveDispute)
	assert.Zero(t, f.ledger.CallCount("releaseFunds"))
}

func TestRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.funded(t, "250")

	_, err := f.svc.ReleaseFullPayment(ctx, "usr_seller", e.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	released, err := f.svc.ReleaseFullPayment(ctx, "usr_buyer", e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)
	assert.NotEmpty(t, released.ReleaseTxRef)
	assert.NotNil(t, released.ReleasedAt)
	assert.Equal(t, 1, f.ledger.CallCount("releaseFunds"))

	var types []notify.Type
	for _, n := range f.notes.For("usr_seller") {
		types = append(types, n.Type)
	}
	assert.Contains(t, types, notify.TypeEscrowReleased)

	// Replayed funds_released changes nothing.
	again, err := f.svc.MarkReleased(ctx, e.ID, "0xother")
	require.NoError(t, err)
	assert.Equal(t, released.ReleaseTxRef, again.ReleaseTxRef)
}

func TestCompleteAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.funded(t, "100")
	_, err := f.svc.Cancel(ctx, "usr_buyer", e.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus, "funded escrows cannot be cancelled")

	done, err := f.svc.Complete(ctx, "usr_seller", e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	_, err = f.svc.Complete(ctx, "usr_outsider", e.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	other := f.create(t, "100")
	cancelled, err := f.svc.Cancel(ctx, "usr_seller", other.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.True(t, cancelled.Status.IsTerminal())
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "100")

	rejected, err := f.svc.Reject(context.Background(), "usr_seller", e.ID, "scope too large")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "scope too large", rejected.RejectionReason)
}

func TestDisputeOverlay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.funded(t, "100")

	d, err := f.svc.MarkDisputed(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, d.Status)
	assert.True(t, d.HasActiveDispute)

	_, err = f.svc.Complete(ctx, "usr_buyer", e.ID)
	assert.ErrorIs(t, err, ErrActiveDispute)

	d, err = f.svc.MarkDisputed(ctx, e.ID)
	require.NoError(t, err, "idempotent")
	assert.Equal(t, StatusDisputed, d.Status)

	cleared, err := f.svc.ClearDispute(ctx, e.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, cleared.Status)
	assert.False(t, cleared.HasActiveDispute)

	_, err = f.svc.MarkDisputed(ctx, e.ID)
	require.NoError(t, err)
	resolved, err := f.svc.ClearDispute(ctx, e.ID, &Split{ClientPct: 30, FreelancerPct: 70})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, resolved.Status)
	require.NotNil(t, resolved.ClientPercentage)
	assert.Equal(t, 30, *resolved.ClientPercentage)
	assert.Equal(t, 70, *resolved.FreelancerPercentage)

	again, err := f.svc.ClearDispute(ctx, e.ID, &Split{ClientPct: 50, FreelancerPct: 50})
	require.NoError(t, err)
	assert.Equal(t, 30, *again.ClientPercentage, "first split wins")
}

func TestAttachJobID_RecoversPendingFunding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, "100")
	_, err := f.svc.Accept(ctx, "usr_seller", e.ID)
	require.NoError(t, err)

	got, err := f.svc.AttachJobID(ctx, e.ID, "42", "0xfund")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, "42", got.OnChainJobID)
	assert.Equal(t, "0xfund", got.FundingTxRef)

	byJob, err := f.svc.FindByJobID(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, e.ID, byJob.ID)
}

func TestFundingCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "100")
	_, err := f.svc.Accept(ctx, "usr_seller", a.ID)
	require.NoError(t, err)
	_ = f.create(t, "100") // still pending acceptance

	eps := usdc.MustParse("0.01")
	got, err := f.svc.FundingCandidates(ctx, buyerAddr, usdc.MustParse("100.005"), eps)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	got, err = f.svc.FundingCandidates(ctx, buyerAddr, usdc.MustParse("101"), eps)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTransitionsFollowGraph(t *testing.T) {
	all := []Status{StatusDraft, StatusPendingAcceptance, StatusPendingFunding, StatusFunded, StatusInProgress,
		StatusCompleted, StatusDisputed, StatusReleased, StatusRejected, StatusCancelled}
	edges := map[[2]Status]bool{
		{StatusDraft, StatusPendingAcceptance}:          true,
		{StatusDraft, StatusCancelled}:                  true,
		{StatusPendingAcceptance, StatusPendingFunding}: true,
		{StatusPendingAcceptance, StatusRejected}:       true,
		{StatusPendingAcceptance, StatusCancelled}:      true,
		{StatusPendingFunding, StatusFunded}:            true,
		{StatusPendingFunding, StatusInProgress}:        true,
		{StatusPendingFunding, StatusCancelled}:         true,
		{StatusFunded, StatusInProgress}:                true,
		{StatusFunded, StatusCompleted}:                 true,
		{StatusFunded, StatusDisputed}:                  true,
		{StatusInProgress, StatusCompleted}:             true,
		{StatusInProgress, StatusDisputed}:              true,
		{StatusCompleted, StatusReleased}:               true,
		{StatusDisputed, StatusReleased}:                true,
		{StatusDisputed, StatusInProgress}:              true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, edges[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	for _, s := range []Status{StatusReleased, StatusRejected, StatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, Status("bogus").Valid())
}

func TestRelease_PassesThroughCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.funded(t, "100")
	require.Equal(t, StatusInProgress, e.Status)

	released, err := f.svc.ReleaseFullPayment(ctx, "usr_buyer", e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)
	assert.NotNil(t, released.CompletedAt)

	// a ledger-side release of in-progress work records completion too
	other := f.funded(t, "100")
	got, err := f.svc.MarkReleased(ctx, other.ID, "0xpaid")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestMarkDisputed_OnlyWhileWorkIsOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.funded(t, "100")
	_, err := f.svc.Complete(ctx, "usr_seller", e.ID)
	require.NoError(t, err)

	_, err = f.svc.MarkDisputed(ctx, e.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// timingOutLedger lets createJob reach the ledger but reports a timeout
// for the first n calls.
type timingOutLedger struct {
	*ledger.Simulated
	n int
}

func (l *timingOutLedger) CreateSettlementJob(ctx context.Context, req ledger.JobRequest) (ledger.JobReceipt, error) {
	receipt, err := l.Simulated.CreateSettlementJob(ctx, req)
	if err != nil || l.n == 0 {
		return receipt, err
	}
	l.n--
	return ledger.JobReceipt{}, &ledger.CallError{Op: "createJob", TxRef: receipt.TxRef, Err: ledger.ErrTimeout}
}

func TestFund_TimeoutDoesNotCreateSecondJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gw := &timingOutLedger{Simulated: f.ledger, n: 1}
	f.svc.gateway = gw

	e := f.create(t, "100")
	_, err := f.svc.Accept(ctx, "usr_seller", e.ID)
	require.NoError(t, err)

	_, err = f.svc.Fund(ctx, "usr_buyer", e.ID)
	assert.ErrorIs(t, err, ErrSettlementFailed)
	assert.ErrorIs(t, err, ledger.ErrTimeout)

	stored, err := f.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingFunding, stored.Status)
	require.NotEmpty(t, stored.IdempotencyKey)
	assert.NotEmpty(t, stored.FundingTxRef)

	in, err := f.intents.FindByKey(ctx, stored.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, in.Status)

	_, err = f.svc.Fund(ctx, "usr_buyer", e.ID)
	assert.ErrorIs(t, err, ErrFundingInFlight)
	_, err = f.svc.FundFromDeposit(ctx, e.ID, "0xdeposit")
	assert.ErrorIs(t, err, ErrFundingInFlight)
	assert.Equal(t, 1, f.ledger.CallCount("createJob"))

	// the sweeper sees the confirmed funding tx and completes the intent
	landed, ref, err := f.svc.CheckFundingIntent(ctx, in)
	require.NoError(t, err)
	assert.True(t, landed)
	assert.Equal(t, stored.FundingTxRef, ref)
	require.NoError(t, f.intents.Finish(ctx, in.ID, outbox.StatusCompleted, ref, ""))

	_, err = f.svc.Fund(ctx, "usr_buyer", e.ID)
	assert.ErrorIs(t, err, ErrFundingInFlight)

	// the job-created event carries the same key and finishes funding
	byKey, err := f.svc.FindByIdempotencyKey(ctx, stored.IdempotencyKey)
	require.NoError(t, err)
	got, err := f.svc.AttachJobID(ctx, byKey.ID, "1", stored.FundingTxRef)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, 1, f.ledger.CallCount("createJob"))
}

func TestFund_RetryAfterAbandonedTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, "100")
	_, err := f.svc.Accept(ctx, "usr_seller", e.ID)
	require.NoError(t, err)

	// the call never reached the ledger
	f.ledger.FailNext("createJob", ledger.ErrTimeout)
	_, err = f.svc.FundFromDeposit(ctx, e.ID, "0xdeposit")
	assert.ErrorIs(t, err, ledger.ErrTimeout)

	stored, err := f.store.Get(ctx, e.ID)
	require.NoError(t, err)
	in, err := f.intents.FindByKey(ctx, stored.IdempotencyKey)
	require.NoError(t, err)

	landed, _, err := f.svc.CheckFundingIntent(ctx, in)
	require.NoError(t, err)
	assert.False(t, landed)
	require.NoError(t, f.intents.Finish(ctx, in.ID, outbox.StatusAbandoned, "", "stale pending intent"))

	funded, err := f.svc.FundFromDeposit(ctx, e.ID, "0xdeposit")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, funded.Status)
	assert.NotEqual(t, stored.IdempotencyKey, funded.IdempotencyKey)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	for i := 0; i < 3; i++ {
		f.create(t, "100")
	}
	_, err := f.svc.Create(ctx, "usr_seller", CreateRequest{CounterpartyRef: "usr_buyer", Amount: "100", Title: "reverse"})
	require.NoError(t, err)

	all, total, err := f.svc.List(ctx, ListFilter{Party: "usr_buyer"})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, all, 4)
	assert.True(t, all[0].CreatedAt.After(all[1].CreatedAt), "newest first")

	asBuyer, total, err := f.svc.List(ctx, ListFilter{Party: "usr_buyer", Role: RoleBuyer})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, asBuyer, 3)

	page, total, err := f.svc.List(ctx, ListFilter{Party: "usr_buyer", Page: pagination.Params{Page: 2, Limit: 3}})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, page, 1)
}

func TestLockedPrincipal(t *testing.T) {
	f := newFixture(t)
	f.funded(t, "100")
	f.funded(t, "250.5")
	f.create(t, "1000")

	sum, err := f.svc.LockedPrincipal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "350.500000", usdc.Format(sum))
}

func TestCheckIntents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.funded(t, "100")

	ok, ref, err := f.svc.CheckFundingIntent(ctx, &outbox.Intent{EscrowID: e.ID, IdempotencyKey: e.IdempotencyKey})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, e.FundingTxRef, ref)

	ok, _, err = f.svc.CheckFundingIntent(ctx, &outbox.Intent{EscrowID: e.ID, IdempotencyKey: "other"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = f.svc.CheckReleaseIntent(ctx, &outbox.Intent{EscrowID: e.ID})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = f.svc.CheckFundingIntent(ctx, &outbox.Intent{EscrowID: "esc_missing"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMutationHonoursCancelledContext(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "100")

	unlock, err := f.svc.locks.LockContext(context.Background(), e.ID)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.svc.Accept(ctx, "usr_seller", e.ID)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
