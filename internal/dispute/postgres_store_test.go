package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/escrow"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/pagination"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/testutil"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/usdc"
)

func seedEscrow(t *testing.T, ctx context.Context, store escrow.Store, id string) *escrow.Escrow {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	e := &escrow.Escrow{
		ID:           id,
		Number:       "ESC-2026-" + id[len(id)-6:],
		BuyerID:      "usr_buyer",
		SellerID:     "usr_seller",
		BuyerAddress: buyerAddr,
		Amount:       usdc.MustParse("1000"),
		Currency:     escrow.DefaultCurrency,
		Network:      escrow.DefaultNetwork,
		Title:        "Record " + id,
		Status:       escrow.StatusFunded,
		FeeBps:       escrow.DefaultFeeBps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.Create(ctx, e))
	return e
}

func newDisputeRecord(id string, e *escrow.Escrow, status Status) *Dispute {
	now := time.Now().UTC().Truncate(time.Microsecond)
	stake := StakeFor(e.Amount)
	return &Dispute{
		ID:              id,
		EscrowID:        e.ID,
		ClientID:        e.BuyerID,
		FreelancerID:    e.SellerID,
		RaisedBy:        e.BuyerID,
		RaiserRole:      RoleClient,
		Reason:          ReasonQuality,
		DesiredOutcome:  OutcomeFullRefund,
		Status:          status,
		ClientStake:     stake,
		FreelancerStake: cloneAmount(stake),
		ClientStaked:    true,
		TotalStaked:     usdc.Sum(e.Amount, stake, stake),
		AmountInDispute: cloneAmount(e.Amount),
		RequiredVotes:   RequiredVotes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	escrows := escrow.NewPostgresStore(db)
	store := NewPostgresStore(db)
	ctx := context.Background()

	e := seedEscrow(t, ctx, escrows, "esc_000001")
	d := newDisputeRecord("dsp_000001", e, StatusPendingCounterStake)
	require.NoError(t, store.Create(ctx, d))

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "50.000000", usdc.Format(got.ClientStake))
	assert.Equal(t, "1100.000000", usdc.Format(got.TotalStaked))
	assert.Equal(t, StatusPendingCounterStake, got.Status)
	assert.True(t, got.ClientStaked)

	_, err = store.Get(ctx, "dsp_missing")
	assert.ErrorIs(t, err, ErrDisputeNotFound)

	t.Run("one active dispute per escrow", func(t *testing.T) {
		dup := newDisputeRecord("dsp_000002", e, StatusPendingCounterStake)
		assert.ErrorIs(t, store.Create(ctx, dup), ErrActiveDispute)

		active, err := store.FindActiveByEscrow(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, d.ID, active.ID)
	})

	t.Run("update keeps tallies", func(t *testing.T) {
		require.NoError(t, store.RecordVote(ctx, &Vote{ID: "vot_1", DisputeID: d.ID, VoterID: "usr_voter1", Choice: ChoiceClient, CreatedAt: time.Now()}))
		assert.ErrorIs(t, store.RecordVote(ctx, &Vote{ID: "vot_2", DisputeID: d.ID, VoterID: "usr_voter1", Choice: ChoiceFreelancer, CreatedAt: time.Now()}), ErrAlreadyVoted)

		stale := got.Clone()
		stale.Status = StatusAIAnalysis
		stale.FreelancerStaked = true
		require.NoError(t, store.Update(ctx, stale))

		after, err := store.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusAIAnalysis, after.Status)
		assert.Equal(t, 1, after.TotalVotes)
		assert.Equal(t, 1, after.VotesForClient)

		voted, err := store.HasVoted(ctx, d.ID, "usr_voter1")
		require.NoError(t, err)
		assert.True(t, voted)
		votes, err := store.ListVotes(ctx, d.ID)
		require.NoError(t, err)
		assert.Len(t, votes, 1)
	})

	t.Run("evidence", func(t *testing.T) {
		require.NoError(t, store.AddEvidence(ctx, &Evidence{ID: "evd_1", DisputeID: d.ID, SubmittedBy: "usr_buyer", Role: RoleClient, Type: EvidenceContract, CreatedAt: time.Now()}))
		assert.ErrorIs(t, store.AddEvidence(ctx, &Evidence{ID: "evd_2", DisputeID: "dsp_missing", Role: RoleClient, Type: EvidenceOther, CreatedAt: time.Now()}), ErrDisputeNotFound)

		ev, err := store.ListEvidence(ctx, d.ID)
		require.NoError(t, err)
		require.Len(t, ev, 1)
		assert.Equal(t, EvidenceContract, ev[0].Type)
	})

	t.Run("list and stats", func(t *testing.T) {
		other := seedEscrow(t, ctx, escrows, "esc_000002")
		done := newDisputeRecord("dsp_000003", other, StatusResolved)
		require.NoError(t, store.Create(ctx, done))

		list, total, err := store.List(ctx, ListFilter{Party: "usr_seller", Page: pagination.Params{Page: 1, Limit: 10}})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, list, 2)

		_, total, err = store.List(ctx, ListFilter{Party: "usr_seller", Status: StatusResolved, Page: pagination.Params{Page: 1, Limit: 10}})
		require.NoError(t, err)
		assert.Equal(t, 1, total)

		st, err := store.Stats(ctx, "usr_buyer")
		require.NoError(t, err)
		assert.Equal(t, Stats{Active: 1, Resolved: 1}, st)

		latest, err := store.FindLatestByEscrow(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, done.ID, latest.ID)

		analysing, err := store.ListByStatus(ctx, []Status{StatusAIAnalysis}, 10)
		require.NoError(t, err)
		require.Len(t, analysing, 1)
		assert.Equal(t, d.ID, analysing[0].ID)
	})
}
