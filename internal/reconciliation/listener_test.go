package reconciliation

import (
	"context"
	"fmt"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/dispute"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/escrow"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/outbox"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/parties"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/usdc"
)

const (
	buyerAddr  = "0x1111111111111111111111111111111111111111"
	sellerAddr = "0x2222222222222222222222222222222222222222"
)

type fixture struct {
	listener *Listener
	escrows  *escrow.Service
	disputes *dispute.Service
	ledger   *ledger.Simulated
	intents  *outbox.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	people := []*parties.Party{
		{ID: "usr_buyer", Email: "buyer@example.com", Wallet: &ledger.Wallet{ID: "w_buyer", Address: buyerAddr}},
		{ID: "usr_seller", Email: "seller@example.com", Wallet: &ledger.Wallet{ID: "w_seller", Address: sellerAddr}},
	}
	for i := 1; i <= 5; i++ {
		people = append(people, &parties.Party{
			ID:     fmt.Sprintf("usr_voter%d", i),
			Wallet: &ledger.Wallet{ID: fmt.Sprintf("w_voter%d", i), Address: fmt.Sprintf("0x%040d", i)},
		})
	}
	dir := parties.NewMemoryDirectory(people...)
	sim := ledger.NewSimulated(nil)
	intents := outbox.NewMemoryStore()
	rec := outbox.NewRecorder(intents, nil)
	escrows := escrow.NewService(escrow.NewMemoryStore(), dir, sim, nil).WithOutbox(rec)
	disputes := dispute.NewService(dispute.NewMemoryStore(), escrows, dir, sim, nil).WithOutbox(rec)
	l := NewListener(escrows, disputes, intents, NewMemoryProcessed(), nil)
	sim.Attach(l)
	return &fixture{listener: l, escrows: escrows, disputes: disputes, ledger: sim, intents: intents}
}

func (f *fixture) pending(t *testing.T, amount string) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	e, err := f.escrows.Create(ctx, "usr_buyer", escrow.CreateRequest{CounterpartyRef: "usr_seller", Amount: amount, Title: "API integration"})
	require.NoError(t, err)
	e, err = f.escrows.Accept(ctx, "usr_seller", e.ID)
	require.NoError(t, err)
	return e
}

func (f *fixture) funded(t *testing.T, amount string) *escrow.Escrow {
	t.Helper()
	e, err := f.escrows.Fund(context.Background(), "usr_buyer", f.pending(t, amount).ID)
	require.NoError(t, err)
	return e
}

// drain delivers queued ledger events and returns a fresh copy of the escrow.
func (f *fixture) drain(t *testing.T, escrowID string) *escrow.Escrow {
	t.Helper()
	f.ledger.Drain(context.Background())
	e, err := f.escrows.Get(context.Background(), escrowID)
	require.NoError(t, err)
	return e
}

func counter(typ ledger.EventType, result string) float64 {
	return promtest.ToFloat64(eventsTotal.WithLabelValues(string(typ), result))
}

func TestJobCreated_SetsJobIDOnce(t *testing.T) {
	f := newFixture(t)
	e := f.funded(t, "1000")
	jobID := e.OnChainJobID

	e = f.drain(t, e.ID)
	assert.Equal(t, jobID, e.OnChainJobID)
	assert.Equal(t, escrow.StatusInProgress, e.Status)

	before := counter(ledger.EventJobCreated, resultDuplicate)
	f.ledger.Emit(ledger.Event{Type: ledger.EventJobCreated, JobID: jobID, TxRef: e.FundingTxRef, IdempotencyKey: e.IdempotencyKey})
	e = f.drain(t, e.ID)
	assert.Equal(t, jobID, e.OnChainJobID)
	assert.Equal(t, before+1, counter(ledger.EventJobCreated, resultDuplicate))

	// A different job for the same key is never attached.
	f.ledger.Emit(ledger.Event{Type: ledger.EventJobCreated, JobID: "999", TxRef: "0xother", IdempotencyKey: e.IdempotencyKey})
	e = f.drain(t, e.ID)
	assert.Equal(t, jobID, e.OnChainJobID)
}

func TestJobCreated_RecoversThroughIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.pending(t, "250")
	require.NoError(t, f.intents.Create(ctx, &outbox.Intent{
		ID: "lin_1", Kind: outbox.KindCreateJob, EscrowID: e.ID, IdempotencyKey: "key-1",
		Status: outbox.StatusPending, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	f.ledger.Emit(ledger.Event{Type: ledger.EventJobCreated, JobID: "41", TxRef: "0xfeed", IdempotencyKey: "key-1"})
	e = f.drain(t, e.ID)
	assert.Equal(t, "41", e.OnChainJobID)
	assert.Equal(t, escrow.StatusInProgress, e.Status)
	assert.Equal(t, "0xfeed", e.FundingTxRef)
}

func TestJobCreated_LegacyMatch(t *testing.T) {
	f := newFixture(t)
	e := f.pending(t, "1000")

	f.ledger.Emit(ledger.Event{Type: ledger.EventJobCreated, JobID: "42", TxRef: "0xbeef", Address: buyerAddr, Amount: usdc.MustParse("1000.005")})
	e = f.drain(t, e.ID)
	assert.Equal(t, "42", e.OnChainJobID)
}

func TestJobCreated_AmbiguousIsNotGuessed(t *testing.T) {
	f := newFixture(t)
	a := f.pending(t, "300")
	b := f.pending(t, "300")
	before := counter(ledger.EventJobCreated, resultAmbiguous)

	f.ledger.Emit(ledger.Event{Type: ledger.EventJobCreated, JobID: "43", TxRef: "0xcafe", Address: buyerAddr, Amount: usdc.MustParse("300")})
	assert.Empty(t, f.drain(t, a.ID).OnChainJobID)
	assert.Empty(t, f.drain(t, b.ID).OnChainJobID)
	assert.Equal(t, before+1, counter(ledger.EventJobCreated, resultAmbiguous))
}

func TestDisputeRaised_CreatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.funded(t, "700")
	f.drain(t, e.ID)

	raise := ledger.Event{Type: ledger.EventDisputeRaised, JobID: e.OnChainJobID, TxRef: "0xraise", Address: buyerAddr}
	f.ledger.Emit(raise)
	e = f.drain(t, e.ID)
	assert.Equal(t, escrow.StatusDisputed, e.Status)
	assert.True(t, e.HasActiveDispute)

	d, err := f.disputes.ActiveForEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusAIAnalysis, d.Status)
	assert.Equal(t, dispute.RoleClient, d.RaiserRole)

	// The same raise seen again, and the same raise under another log
	// position, leave one dispute behind.
	f.ledger.Emit(raise)
	raise.LogIndex = 3
	f.ledger.Emit(raise)
	f.drain(t, e.ID)

	_, total, err := f.disputes.List(ctx, dispute.ListFilter{Party: "usr_buyer"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestAutomatedVerdictAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.funded(t, "1000")
	f.drain(t, e.ID)

	d, err := f.disputes.Raise(ctx, "usr_seller", dispute.RaiseRequest{
		EscrowID: e.ID, Reason: dispute.ReasonPaymentWithheld, Description: "Delivered, not paid.", DesiredOutcome: dispute.OutcomeMediation,
	})
	require.NoError(t, err)
	f.drain(t, e.ID)
	d, err = f.disputes.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, dispute.StatusAIAnalysis, d.Status)
	assert.True(t, d.ClientStaked && d.FreelancerStaked)

	_, err = f.disputes.ApplyVerdict(ctx, d.ID)
	require.NoError(t, err)
	f.ledger.SetVerdict(e.OnChainJobID, 70)
	_, err = f.disputes.AcceptVerdict(ctx, "usr_buyer", d.ID)
	require.NoError(t, err)
	_, err = f.disputes.AcceptVerdict(ctx, "usr_seller", d.ID)
	require.NoError(t, err)

	e = f.drain(t, e.ID)
	assert.Equal(t, escrow.StatusReleased, e.Status)
	assert.False(t, e.HasActiveDispute)
	require.NotNil(t, e.FreelancerPercentage)
	assert.Equal(t, 70, *e.FreelancerPercentage)

	d, err = f.disputes.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusResolved, d.Status)
	assert.Equal(t, 30, *d.ClientPercentage)
	assert.Equal(t, dispute.ResolutionPartialSplit, d.Resolution)
}

func TestVotingPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.funded(t, "3000")
	f.drain(t, e.ID)

	d, err := f.disputes.Raise(ctx, "usr_buyer", dispute.RaiseRequest{
		EscrowID: e.ID, Reason: dispute.ReasonQuality, Description: "Unusable build.", DesiredOutcome: dispute.OutcomeFullRefund,
	})
	require.NoError(t, err)
	f.drain(t, e.ID)
	_, err = f.disputes.ApplyVerdict(ctx, d.ID)
	require.NoError(t, err)
	_, err = f.disputes.RejectVerdict(ctx, "usr_seller", d.ID)
	require.NoError(t, err)

	f.drain(t, e.ID)
	d, err = f.disputes.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, dispute.StatusDAOVoting, d.Status)
	require.NotNil(t, d.VotingEndsAt)
	assert.WithinDuration(t, time.Now().Add(10*24*time.Hour), *d.VotingEndsAt, time.Minute)

	for i, pct := range []int{20, 40, 60} {
		split := pct
		_, err := f.disputes.Vote(ctx, fmt.Sprintf("usr_voter%d", i+1), d.ID, dispute.VoteRequest{Choice: dispute.ChoiceFreelancer, SuggestedSplit: &split})
		require.NoError(t, err)
	}
	_, err = f.ledger.FinalizeVoting(ctx, e.OnChainJobID)
	require.NoError(t, err)

	e = f.drain(t, e.ID)
	assert.Equal(t, escrow.StatusReleased, e.Status)
	d, err = f.disputes.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusResolved, d.Status)
	assert.Equal(t, 40, *d.FreelancerPercentage)
	assert.Contains(t, d.ResolutionNotes, "Voting consensus: 40% to the freelancer.")
}

func TestFundsReleased(t *testing.T) {
	f := newFixture(t)
	e := f.funded(t, "120")
	f.drain(t, e.ID)

	f.ledger.Emit(ledger.Event{Type: ledger.EventFundsReleased, JobID: e.OnChainJobID, TxRef: "0xpaid", Address: sellerAddr})
	e = f.drain(t, e.ID)
	assert.Equal(t, escrow.StatusReleased, e.Status)
	assert.Equal(t, "0xpaid", e.ReleaseTxRef)
	assert.NotNil(t, e.ReleasedAt)
}

func TestUnknownJobIsCountedNotReturned(t *testing.T) {
	f := newFixture(t)
	before := counter(ledger.EventDisputeRaised, resultUnmatched)
	err := f.listener.HandleEvent(context.Background(), ledger.Event{Type: ledger.EventDisputeRaised, JobID: "404", TxRef: "0xnope"})
	assert.NoError(t, err)
	assert.Equal(t, before+1, counter(ledger.EventDisputeRaised, resultUnmatched))
}

func TestVerdictAccepted_RecordsSide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.funded(t, "100")
	f.drain(t, e.ID)
	f.ledger.Emit(ledger.Event{Type: ledger.EventDisputeRaised, JobID: e.OnChainJobID, TxRef: "0xr", Address: sellerAddr})
	f.drain(t, e.ID)
	d, err := f.disputes.ActiveForEscrow(ctx, e.ID)
	require.NoError(t, err)

	f.ledger.Emit(ledger.Event{Type: ledger.EventVerdictAccepted, JobID: e.OnChainJobID, TxRef: "0xa", Address: buyerAddr})
	f.drain(t, e.ID)
	d, err = f.disputes.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, d.ClientAcceptedVerdict)
	assert.False(t, d.FreelancerAcceptedVerdict)
}
