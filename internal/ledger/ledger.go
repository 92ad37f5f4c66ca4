// Package ledger is the gateway to the external settlement contract.
//
// The gateway owns no state of its own. Every method is a remote call that
// can fail or time out; success means the transaction was accepted, not
// that the ledger has reached finality. Ledger-side effects come back
// asynchronously as Events.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrTimeout       = errors.New("ledger: call timed out")
	ErrUnavailable   = errors.New("ledger: gateway unavailable")
	ErrReverted      = errors.New("ledger: transaction reverted")
	ErrUnknownWallet = errors.New("ledger: no signing key for wallet")
	ErrNotFound      = errors.New("ledger: transaction not found")
	ErrInvalidJob    = errors.New("ledger: invalid job id")
)

// CallError wraps a failed gateway call with the operation and, when one
// was broadcast, the transaction reference.
type CallError struct {
	Op    string
	TxRef string
	Err   error
}

func (e *CallError) Error() string {
	if e.TxRef != "" {
		return fmt.Sprintf("ledger: %s failed (tx: %s): %v", e.Op, e.TxRef, e.Err)
	}
	return fmt.Sprintf("ledger: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Wallet is a custody wallet able to sign ledger transactions.
type Wallet struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// JobRequest creates a settlement job with dual approval: the buyer
// approves principal plus both fee shares, the seller (when a wallet is
// known) pre-approves its fee share.
type JobRequest struct {
	BuyerWallet    Wallet
	SellerWallet   *Wallet
	Counterparty   string // seller settlement address
	Amount         *big.Int
	IdempotencyKey string
}

// JobReceipt is returned once the create-job transaction was accepted.
// JobID is empty when the receipt did not carry the job-created log; the
// reconciliation listener fills it in later.
type JobReceipt struct {
	TxRef string
	JobID string
}

// Deposit is an inbound token transfer seen by the indexer.
type Deposit struct {
	TxRef       string
	From        string
	To          string
	Value       *big.Int
	BlockNumber uint64
	Timestamp   time.Time
}

// TxInfo describes a transaction looked up by reference.
type TxInfo struct {
	Exists        bool
	Confirmed     bool
	Confirmations uint64
	From          string
	To            string
	Value         *big.Int
	BlockNumber   uint64
}

// Balances of one address.
type Balances struct {
	Address string
	Token   *big.Int // USDC micro-units
	Native  *big.Int // wei
}

// Gateway is the set of ledger operations the escrow and dispute flows use.
type Gateway interface {
	CreateSettlementJob(ctx context.Context, req JobRequest) (JobReceipt, error)
	RaiseDispute(ctx context.Context, wallet Wallet, jobID string) (string, error)
	CastVote(ctx context.Context, wallet Wallet, jobID string, percent int) (string, error)
	ReleaseFunds(ctx context.Context, wallet Wallet, jobID string) (string, error)
	AcceptVerdict(ctx context.Context, wallet Wallet, jobID string) (string, error)
	RejectVerdict(ctx context.Context, wallet Wallet, jobID string) (string, error)
	EscalateToVoting(ctx context.Context, jobID string, durationSeconds int64) (string, error)
	CheckDeadline(ctx context.Context, jobID string) (string, error)
	FinalizeVoting(ctx context.Context, jobID string) (string, error)
	VerifyTransaction(ctx context.Context, txRef string) (TxInfo, error)
	GetBalances(ctx context.Context, address string) (Balances, error)
	QueryDeposits(ctx context.Context, address string) ([]Deposit, error)
}

func parseJobID(jobID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(jobID, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJob, jobID)
	}
	return id, nil
}
