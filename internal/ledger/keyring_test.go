package ledger

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHexKey(t *testing.T) (string, string) {
	t.Helper()
	pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(pk)), strings.ToLower(crypto.PubkeyToAddress(pk.PublicKey).Hex())
}

func TestKeyring(t *testing.T) {
	k1, a1 := newHexKey(t)
	k2, a2 := newHexKey(t)

	ring, err := NewKeyring(k1, "0x"+k2)
	require.NoError(t, err)
	assert.True(t, ring.Has(a1))
	assert.True(t, ring.Has(strings.ToUpper(a2)))

	_, err = ring.Key("0x0000000000000000000000000000000000000001")
	assert.ErrorIs(t, err, ErrUnknownWallet)

	_, err = NewKeyring("zz")
	assert.Error(t, err)
}
