package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/escrow"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/parties"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/usdc"
)

// FundingEscrows is the slice of the escrow service the deposit poller
// drives.
type FundingEscrows interface {
	ListByStatus(ctx context.Context, limit int, statuses ...escrow.Status) ([]*escrow.Escrow, error)
	FundFromDeposit(ctx context.Context, id, depositRef string) (*escrow.Escrow, error)
}

// DepositReader lists inbound transfers to an address.
type DepositReader interface {
	QueryDeposits(ctx context.Context, address string) ([]ledger.Deposit, error)
}

const (
	DepositInterval = time.Minute
	depositBatch    = 200
)

// DepositPoller funds escrows waiting on a deposit into the buyer's
// custody wallet. A deposit matches when its value is within epsilon of
// the principal and no escrow consumed it before.
type DepositPoller struct {
	escrows FundingEscrows
	parties parties.Directory
	chain   DepositReader
	epsilon *big.Int
	logger  *slog.Logger
}

func NewDepositPoller(escrows FundingEscrows, dir parties.Directory, chain DepositReader, logger *slog.Logger) *DepositPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &DepositPoller{
		escrows: escrows,
		parties: dir,
		chain:   chain,
		epsilon: big.NewInt(10_000), // 0.01 USDC
		logger:  logger.With("component", "deposit_poller"),
	}
}

// WithEpsilon overrides the matching tolerance in micro-units.
func (p *DepositPoller) WithEpsilon(eps *big.Int) *DepositPoller {
	if eps != nil && eps.Sign() > 0 {
		p.epsilon = eps
	}
	return p
}

// Task wraps the poller for a Runner.
func (p *DepositPoller) Task() Task {
	return Task{Name: "deposit_poller", Interval: DepositInterval, Run: func(ctx context.Context) error {
		_, err := p.Poll(ctx)
		return err
	}}
}

// Poll runs one pass and returns how many escrows were funded.
func (p *DepositPoller) Poll(ctx context.Context) (int, error) {
	pending, err := p.escrows.ListByStatus(ctx, depositBatch, escrow.StatusPendingFunding)
	if err != nil {
		return 0, fmt.Errorf("list pending escrows: %w", err)
	}

	deposits := make(map[string][]ledger.Deposit)
	used := make(map[string]bool)
	funded, failed := 0, 0
	for _, e := range pending {
		if ctx.Err() != nil {
			return funded, ctx.Err()
		}
		addr, ok := p.custodyAddress(ctx, e)
		if !ok {
			continue
		}
		list, seen := deposits[addr]
		if !seen {
			list, err = p.chain.QueryDeposits(ctx, addr)
			if err != nil {
				p.logger.Warn("deposit query failed", "escrow_id", e.ID, "address", addr, "error", err)
				failed++
				continue
			}
			deposits[addr] = list
		}

		ok, err := p.fund(ctx, e, list, used)
		switch {
		case err != nil:
			p.logger.Error("funding from deposit failed", "escrow_id", e.ID, "error", err)
			failed++
		case ok:
			funded++
		}
	}
	if failed > 0 {
		return funded, fmt.Errorf("deposit poll: %d of %d escrows failed", failed, len(pending))
	}
	return funded, nil
}

func (p *DepositPoller) custodyAddress(ctx context.Context, e *escrow.Escrow) (string, bool) {
	buyer, err := p.parties.Get(ctx, e.BuyerID)
	if err != nil {
		p.logger.Warn("buyer lookup failed", "escrow_id", e.ID, "buyer_id", e.BuyerID, "error", err)
		return "", false
	}
	if buyer.Wallet == nil || buyer.Wallet.Address == "" {
		return "", false
	}
	return strings.ToLower(buyer.Wallet.Address), true
}

// fund tries matching deposits in order until one is accepted.
func (p *DepositPoller) fund(ctx context.Context, e *escrow.Escrow, list []ledger.Deposit, used map[string]bool) (bool, error) {
	for _, d := range list {
		if used[d.TxRef] || !usdc.WithinEpsilon(d.Value, e.Amount, p.epsilon) {
			continue
		}
		if !d.Timestamp.IsZero() && d.Timestamp.Before(e.CreatedAt) {
			continue
		}
		_, err := p.escrows.FundFromDeposit(ctx, e.ID, d.TxRef)
		switch {
		case errors.Is(err, escrow.ErrDepositConsumed):
			used[d.TxRef] = true
			continue
		case errors.Is(err, escrow.ErrInvalidStatus):
			// funded by the buyer in the meantime
			return false, nil
		case errors.Is(err, escrow.ErrFundingInFlight):
			p.logger.Debug("funding attempt unresolved, skipping", "escrow_id", e.ID)
			return false, nil
		case err != nil:
			return false, err
		}
		used[d.TxRef] = true
		p.logger.Info("escrow funded from deposit", "escrow_id", e.ID, "deposit_ref", d.TxRef,
			"value", usdc.Format(d.Value))
		return true, nil
	}
	return false, nil
}
