// Package reconciliation maps ledger events onto local escrow and dispute
// records and compares the ledger's holdings against the escrows it
// should be holding.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/usdc"
)

// PrincipalSource returns the principal the ledger should be holding.
type PrincipalSource interface {
	LockedPrincipal(ctx context.Context) (*big.Int, error)
}

// BalanceReader returns an address's on-chain balances.
type BalanceReader interface {
	GetBalances(ctx context.Context, address string) (ledger.Balances, error)
}

// BalanceResult holds the outcome of a balance check.
type BalanceResult struct {
	Match           bool      `json:"match"`
	LedgerBalance   string    `json:"ledgerBalance"`
	LockedPrincipal string    `json:"lockedPrincipal"`
	Diff            string    `json:"diff"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// BalanceReconciler compares the settlement contract's USDC balance
// against the principal of escrows in flight. The contract also holds
// fees and stakes, so only a shortfall counts as a mismatch.
type BalanceReconciler struct {
	principal      PrincipalSource
	chain          BalanceReader
	address        string
	alertThreshold *big.Int // in USDC micro-units; default $1
	logger         *slog.Logger
}

// NewBalanceReconciler creates a reconciler for the contract at address.
func NewBalanceReconciler(principal PrincipalSource, chain BalanceReader, address string, logger *slog.Logger) *BalanceReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BalanceReconciler{
		principal:      principal,
		chain:          chain,
		address:        address,
		alertThreshold: usdc.MustParse("1.000000"),
		logger:         logger.With("component", "balance_reconciler"),
	}
}

// SetAlertThreshold sets the shortfall above which a mismatch is flagged.
func (r *BalanceReconciler) SetAlertThreshold(amount string) {
	if t, ok := usdc.Parse(amount); ok {
		r.alertThreshold = t
	}
}

// Reconcile runs one check and exports the result as gauges.
func (r *BalanceReconciler) Reconcile(ctx context.Context) (*BalanceResult, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	locked, err := r.principal.LockedPrincipal(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to sum locked principal: %w", err)
	}
	bal, err := r.chain.GetBalances(ctx, r.address)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to get ledger balance: %w", err)
	}
	held := bal.Token
	if held == nil {
		held = new(big.Int)
	}

	diff := new(big.Int).Sub(held, locked)
	shortfall := new(big.Int).Neg(diff)
	res := &BalanceResult{
		Match:           shortfall.Cmp(r.alertThreshold) <= 0,
		LedgerBalance:   usdc.Format(held),
		LockedPrincipal: usdc.Format(locked),
		Diff:            usdc.Format(diff),
		CheckedAt:       start.UTC(),
	}

	lockedPrincipal.Set(toFloat(locked))
	ledgerBalance.Set(toFloat(held))
	if res.Match {
		balanceMismatch.Set(0)
	} else {
		balanceMismatch.Set(1)
		r.logger.Error("ledger balance below locked principal",
			"address", r.address, "ledger_balance", res.LedgerBalance, "locked_principal", res.LockedPrincipal, "diff", res.Diff)
	}
	return res, nil
}

func toFloat(amount *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), big.NewFloat(1e6)).Float64()
	return f
}
