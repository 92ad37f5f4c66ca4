// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/usdc"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port         string
	Env          string // "development", "staging", "production"
	LogLevel     string
	LogFormat    string
	InstanceID   string
	RateLimitRPM int
	CORSOrigins  []string

	// Storage
	DatabaseURL      string // in-memory stores when empty
	DBMaxOpenConns   int
	RedisURL         string // scheduler leases in redis when set
	OTLPEndpoint     string
	NotifyURL        string
	NotifySecret     string
	OutboxGrace      time.Duration
	WatcherStart     uint64
	EventPollEvery   time.Duration
	DepositPollEvery time.Duration
	TimeoutPollEvery time.Duration

	// Ledger. Without RPCURL the simulated ledger is used.
	RPCURL             string
	ChainID            int64
	OperatorPrivateKey string
	USDCContract       string
	SettlementContract string
	CustodyKeys        []string
	LedgerCallTimeout  time.Duration

	// Escrow economics
	LedgerFeeBps  int64
	LedgerMinFee  string
	AmountEpsilon string

	// Dispute timing
	VerdictDelay time.Duration
}

// Base Sepolia defaults
const (
	DefaultChainID      = 84532
	DefaultUSDCContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultFeeBps       = 500
	DefaultMinFee       = "0.50"
	DefaultEpsilon      = "0.01"
	DefaultRateLimit    = 120
)

// Load reads configuration from environment variables, loading .env first
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", ""),
		InstanceID:         getEnv("INSTANCE_ID", hostname()),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:        splitList(os.Getenv("CORS_ORIGINS")),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:     int(getEnvInt64("DB_MAX_OPEN_CONNS", 25)),
		RedisURL:           os.Getenv("REDIS_URL"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		NotifyURL:          os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifySecret:       os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		OutboxGrace:        getEnvDuration("OUTBOX_GRACE", 10*time.Minute),
		WatcherStart:       uint64(getEnvInt64("WATCHER_START_BLOCK", 0)), //nolint:gosec // block numbers are non-negative
		EventPollEvery:     getEnvDuration("EVENT_POLL_INTERVAL", 15*time.Second),
		DepositPollEvery:   getEnvDuration("DEPOSIT_POLL_INTERVAL", time.Minute),
		TimeoutPollEvery:   getEnvDuration("TIMEOUT_POLL_INTERVAL", 5*time.Minute),
		RPCURL:             os.Getenv("RPC_URL"),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		OperatorPrivateKey: os.Getenv("OPERATOR_PRIVATE_KEY"),
		USDCContract:       getEnv("USDC_CONTRACT", DefaultUSDCContract),
		SettlementContract: os.Getenv("SETTLEMENT_CONTRACT"),
		CustodyKeys:        splitList(os.Getenv("CUSTODY_KEYS")),
		LedgerCallTimeout:  getEnvDuration("LEDGER_CALL_TIMEOUT", 30*time.Second),
		LedgerFeeBps:       getEnvInt64("LEDGER_FEE_BPS", DefaultFeeBps),
		LedgerMinFee:       getEnv("LEDGER_MIN_FEE", DefaultMinFee),
		AmountEpsilon:      getEnv("AMOUNT_EPSILON", DefaultEpsilon),
		VerdictDelay:       getEnvDuration("VERDICT_DELAY", 2*time.Minute),
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		if cfg.IsProduction() {
			cfg.LogFormat = "json"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SimulatedLedger() {
		if c.IsProduction() {
			return fmt.Errorf("RPC_URL is required in production")
		}
	} else {
		if !validHexKey(c.OperatorPrivateKey) {
			return fmt.Errorf("OPERATOR_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if !validAddress(c.SettlementContract) {
			return fmt.Errorf("SETTLEMENT_CONTRACT must be a 0x-prefixed 20-byte address")
		}
		if !validAddress(c.USDCContract) {
			return fmt.Errorf("USDC_CONTRACT must be a 0x-prefixed 20-byte address")
		}
		for i, k := range c.CustodyKeys {
			if !validHexKey(k) {
				return fmt.Errorf("CUSTODY_KEYS entry %d is not a 64 hex character key", i)
			}
		}
	}

	if c.LedgerFeeBps < 0 || c.LedgerFeeBps > usdc.BasisPoints {
		return fmt.Errorf("LEDGER_FEE_BPS must be between 0 and %d", usdc.BasisPoints)
	}
	if _, ok := usdc.Parse(c.LedgerMinFee); !ok {
		return fmt.Errorf("LEDGER_MIN_FEE %q is not a valid amount", c.LedgerMinFee)
	}
	if _, ok := usdc.Parse(c.AmountEpsilon); !ok {
		return fmt.Errorf("AMOUNT_EPSILON %q is not a valid amount", c.AmountEpsilon)
	}
	if c.LedgerCallTimeout <= 0 {
		return fmt.Errorf("LEDGER_CALL_TIMEOUT must be positive")
	}
	return nil
}

// SimulatedLedger reports whether no chain RPC is configured.
func (c *Config) SimulatedLedger() bool {
	return c.RPCURL == ""
}

// MinimumEscrow is the smallest principal whose fee reaches the ledger
// minimum fee.
func (c *Config) MinimumEscrow() *big.Int {
	minFee, _ := usdc.Parse(c.LedgerMinFee)
	if c.LedgerFeeBps == 0 {
		return minFee
	}
	// ceil(minFee * 10000 / bps)
	n := new(big.Int).Mul(minFee, big.NewInt(usdc.BasisPoints))
	d := big.NewInt(c.LedgerFeeBps)
	n.Add(n, new(big.Int).Sub(d, big.NewInt(1)))
	return n.Quo(n, d)
}

// Epsilon returns the amount tolerance used for heuristic matching.
func (c *Config) Epsilon() *big.Int {
	eps, _ := usdc.Parse(c.AmountEpsilon)
	return eps
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "paycasso-local"
	}
	return h
}

func validHexKey(key string) bool {
	key = strings.TrimPrefix(key, "0x")
	if len(key) != 64 {
		return false
	}
	_, ok := new(big.Int).SetString(key, 16)
	return ok
}

func validAddress(addr string) bool {
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return false
	}
	_, ok := new(big.Int).SetString(addr[2:], 16)
	return ok
}
