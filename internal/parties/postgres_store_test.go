package parties

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/testutil"
)

func TestPostgresDirectory(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	d := NewPostgresDirectory(db)
	ctx := context.Background()

	require.NoError(t, d.Upsert(ctx, &Party{
		ID: "usr_pg", Email: "pg@example.com", Address: "0x3333333333333333333333333333333333333333",
		Wallet: &ledger.Wallet{ID: "wal_pg", Address: "0x4444444444444444444444444444444444444444"},
	}))

	p, err := d.Resolve(ctx, "PG@example.com")
	require.NoError(t, err)
	assert.Equal(t, "usr_pg", p.ID)
	require.NotNil(t, p.Wallet)
	assert.Equal(t, "wal_pg", p.Wallet.ID)

	p, err = d.Resolve(ctx, "0x4444444444444444444444444444444444444444")
	require.NoError(t, err)
	assert.Equal(t, "usr_pg", p.ID)

	_, err = d.Get(ctx, "usr_none")
	assert.ErrorIs(t, err, ErrPartyNotFound)
}
