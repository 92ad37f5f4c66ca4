package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/pagination"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/testutil"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/usdc"
)

func newRecord(id, buyer string, amount string, status Status) *Escrow {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Escrow{
		ID:           id,
		Number:       "ESC-2026-" + id[len(id)-6:],
		BuyerID:      buyer,
		SellerID:     "usr_seller",
		BuyerAddress: buyerAddr,
		Amount:       usdc.MustParse(amount),
		Currency:     DefaultCurrency,
		Network:      DefaultNetwork,
		Title:        "Record " + id,
		Status:       status,
		FeeBps:       DefaultFeeBps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	e := newRecord("esc_000001", "usr_buyer", "1000.5", StatusPendingFunding)
	require.NoError(t, store.Create(ctx, e))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000.500000", usdc.Format(got.Amount))
	assert.Equal(t, StatusPendingFunding, got.Status)
	assert.Empty(t, got.OnChainJobID)

	_, err = store.Get(ctx, "esc_missing")
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	t.Run("job id set once", func(t *testing.T) {
		require.NoError(t, store.SetJobID(ctx, e.ID, "7"))
		assert.ErrorIs(t, store.SetJobID(ctx, e.ID, "8"), ErrJobIDAlreadySet)
		assert.ErrorIs(t, store.SetJobID(ctx, "esc_missing", "9"), ErrEscrowNotFound)

		stale := got.Clone()
		stale.OnChainJobID = "99"
		stale.Status = StatusInProgress
		stale.IdempotencyKey = "key-1"
		stale.FundingTxRef = "0xFUND"
		now := time.Now().UTC()
		stale.FundedAt = &now
		require.NoError(t, store.Update(ctx, stale))

		after, err := store.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, "7", after.OnChainJobID)
		assert.Equal(t, StatusInProgress, after.Status)
		require.NotNil(t, after.FundedAt)

		byJob, err := store.FindByJobID(ctx, "7")
		require.NoError(t, err)
		assert.Equal(t, e.ID, byJob.ID)
		byKey, err := store.FindByIdempotencyKey(ctx, "key-1")
		require.NoError(t, err)
		assert.Equal(t, e.ID, byKey.ID)
		byTx, err := store.FindByFundingTx(ctx, "0xfund")
		require.NoError(t, err)
		assert.Equal(t, e.ID, byTx.ID)
	})

	t.Run("list and sums", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, newRecord("esc_000002", "usr_buyer", "10", StatusPendingAcceptance)))
		other := newRecord("esc_000003", "usr_other", "20", StatusCompleted)
		other.DepositTxRef = "0xdep"
		require.NoError(t, store.Create(ctx, other))

		list, total, err := store.List(ctx, ListFilter{Party: "usr_buyer", Role: RoleBuyer, Page: pagination.Params{Page: 1, Limit: 10}})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, list, 2)

		list, total, err = store.List(ctx, ListFilter{Party: "usr_seller", Status: StatusCompleted, Page: pagination.Params{Page: 1, Limit: 10}})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, "esc_000003", list[0].ID)

		active, err := store.ListByStatus(ctx, ActiveStatuses, 10)
		require.NoError(t, err)
		assert.Len(t, active, 2)

		sum, err := store.SumAmount(ctx, ActiveStatuses)
		require.NoError(t, err)
		assert.Equal(t, "1020.500000", usdc.Format(sum))

		used, err := store.DepositConsumed(ctx, "0xdep")
		require.NoError(t, err)
		assert.True(t, used)
		used, err = store.DepositConsumed(ctx, "0xnope")
		require.NoError(t, err)
		assert.False(t, used)
	})
}
