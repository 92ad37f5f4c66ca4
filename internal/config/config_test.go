package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/usdc"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			_ = os.Setenv(key, old)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

func TestLoad_SimulatedDefaults(t *testing.T) {
	setEnv(t, "RPC_URL", "")
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")
	setEnv(t, "DEPOSIT_POLL_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.SimulatedLedger())
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.DepositPollEvery)
	assert.Equal(t, 5*time.Minute, cfg.TimeoutPollEvery)
	assert.Equal(t, int64(DefaultFeeBps), cfg.LedgerFeeBps)
}

func TestLoad_ProductionRequiresRPC(t *testing.T) {
	setEnv(t, "RPC_URL", "")
	setEnv(t, "ENV", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RPC_URL is required")
}

func TestValidate(t *testing.T) {
	chain := func() Config {
		return Config{
			RPCURL:             "https://sepolia.base.org",
			OperatorPrivateKey: "0x" + testKey,
			SettlementContract: "0x1234567890123456789012345678901234567890",
			USDCContract:       DefaultUSDCContract,
			LedgerFeeBps:       500,
			LedgerMinFee:       "0.50",
			AmountEpsilon:      "0.01",
			LedgerCallTimeout:  time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid chain config", func(c *Config) {}, ""},
		{"short operator key", func(c *Config) { c.OperatorPrivateKey = "abc" }, "OPERATOR_PRIVATE_KEY"},
		{"missing contract", func(c *Config) { c.SettlementContract = "" }, "SETTLEMENT_CONTRACT"},
		{"bad custody key", func(c *Config) { c.CustodyKeys = []string{"zz"} }, "CUSTODY_KEYS"},
		{"fee too high", func(c *Config) { c.LedgerFeeBps = 20_000 }, "LEDGER_FEE_BPS"},
		{"bad min fee", func(c *Config) { c.LedgerMinFee = "-1" }, "LEDGER_MIN_FEE"},
		{"bad epsilon", func(c *Config) { c.AmountEpsilon = "x" }, "AMOUNT_EPSILON"},
		{"zero timeout", func(c *Config) { c.LedgerCallTimeout = 0 }, "LEDGER_CALL_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := chain()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMinimumEscrow(t *testing.T) {
	c := Config{LedgerFeeBps: 500, LedgerMinFee: "0.50"}
	assert.Equal(t, "10.000000", usdc.Format(c.MinimumEscrow()))

	c = Config{LedgerFeeBps: 300, LedgerMinFee: "1"}
	// 1 / 0.03 = 33.333333.., rounded up to the next micro-unit
	assert.Equal(t, "33.333334", usdc.Format(c.MinimumEscrow()))
}

func TestEpsilon(t *testing.T) {
	c := Config{AmountEpsilon: "0.01"}
	assert.Equal(t, int64(10_000), c.Epsilon().Int64())
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Nil(t, splitList(""))
}
