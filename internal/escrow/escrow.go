// Package escrow holds funds between a buyer (client) and a seller
// (freelancer) and keeps the local record in step with the settlement
// ledger.
//
// Flow:
//  1. Buyer creates an escrow naming the seller -> pending_acceptance
//  2. Seller accepts (or rejects) -> pending_funding
//  3. Buyer funds: the ledger job is created, then the record moves to
//     in_progress with the job's idempotency key and tx ref
//  4. Either party completes; the buyer releases the full payment
//  5. A dispute overlays disputed until it resolves
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/pagination"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/usdc"
)

var (
	ErrEscrowNotFound       = errors.New("escrow not found")
	ErrUnauthorized         = errors.New("not authorized for this escrow operation")
	ErrInvalidStatus        = errors.New("invalid escrow status for this operation")
	ErrInvalidTransition    = errors.New("invalid escrow status transition")
	ErrActiveDispute        = errors.New("escrow has an active dispute")
	ErrSettlementFailed     = errors.New("settlement ledger call failed")
	ErrJobIDAlreadySet      = errors.New("escrow already has an on-chain job id")
	ErrCounterpartyNotFound = errors.New("counterparty not found")
	ErrSelfEscrow           = errors.New("buyer and seller must be different parties")
	ErrAmountTooSmall       = errors.New("amount is below the minimum escrow")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrNoCustodyWallet      = errors.New("party has no custody wallet")
	ErrNoJobID              = errors.New("escrow has no on-chain job yet")
	ErrDepositConsumed      = errors.New("deposit already used to fund an escrow")
	ErrFundingInFlight      = errors.New("an earlier funding attempt is still unresolved")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusPendingAcceptance Status = "pending_acceptance"
	StatusPendingFunding    Status = "pending_funding"
	StatusFunded            Status = "funded"
	StatusInProgress        Status = "in_progress"
	StatusCompleted         Status = "completed"
	StatusDisputed          Status = "disputed"
	StatusReleased          Status = "released"
	StatusRejected          Status = "rejected"
	StatusCancelled         Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusDraft:             {StatusPendingAcceptance, StatusCancelled},
	StatusPendingAcceptance: {StatusPendingFunding, StatusRejected, StatusCancelled},
	StatusPendingFunding:    {StatusFunded, StatusInProgress, StatusCancelled},
	StatusFunded:            {StatusInProgress, StatusCompleted, StatusDisputed},
	StatusInProgress:        {StatusCompleted, StatusDisputed},
	StatusCompleted:         {StatusReleased},
	StatusDisputed:          {StatusReleased, StatusInProgress},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states with no outgoing edges.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingAcceptance, StatusPendingFunding, StatusFunded, StatusInProgress,
		StatusCompleted, StatusDisputed, StatusReleased, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// ActiveStatuses hold principal on the ledger.
var ActiveStatuses = []Status{StatusFunded, StatusInProgress, StatusCompleted, StatusDisputed}

// Role of a party on an escrow.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

const (
	DefaultCurrency = "USDC"
	DefaultNetwork  = "base"
)

// Split is a final distribution of the principal, in percent.
type Split struct {
	ClientPct     int `json:"clientPercentage"`
	FreelancerPct int `json:"freelancerPercentage"`
}

// Escrow is one escrow record. Amount is in USDC micro-units and is
// rendered as a decimal string on the wire.
type Escrow struct {
	ID                   string     `json:"id"`
	Number               string     `json:"number"`
	BuyerID              string     `json:"buyerId"`
	SellerID             string     `json:"sellerId"`
	BuyerAddress         string     `json:"buyerAddress,omitempty"`
	SellerAddress        string     `json:"sellerAddress,omitempty"`
	Amount               *big.Int   `json:"-"`
	Currency             string     `json:"currency"`
	Network              string     `json:"network"`
	Title                string     `json:"title"`
	Terms                string     `json:"terms,omitempty"`
	OnChainJobID         string     `json:"onChainJobId,omitempty"`
	IdempotencyKey       string     `json:"idempotencyKey,omitempty"`
	FundingTxRef         string     `json:"fundingTxRef,omitempty"`
	DepositTxRef         string     `json:"depositTxRef,omitempty"`
	ReleaseTxRef         string     `json:"releaseTxRef,omitempty"`
	Status               Status     `json:"status"`
	HasActiveDispute     bool       `json:"hasActiveDispute"`
	FeeBps               int64      `json:"feeBps"`
	ClientPercentage     *int       `json:"clientPercentage,omitempty"`
	FreelancerPercentage *int       `json:"freelancerPercentage,omitempty"`
	RejectionReason      string     `json:"rejectionReason,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	AcceptedAt           *time.Time `json:"acceptedAt,omitempty"`
	FundedAt             *time.Time `json:"fundedAt,omitempty"`
	StartedAt            *time.Time `json:"startedAt,omitempty"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
	ReleasedAt           *time.Time `json:"releasedAt,omitempty"`
	CancelledAt          *time.Time `json:"cancelledAt,omitempty"`
	RejectedAt           *time.Time `json:"rejectedAt,omitempty"`
}

func (e *Escrow) MarshalJSON() ([]byte, error) {
	type alias Escrow
	return json.Marshal(struct {
		*alias
		Amount string `json:"amount"`
	}{(*alias)(e), usdc.Format(e.Amount)})
}

// RoleOf returns the role partyID plays on the escrow.
func (e *Escrow) RoleOf(partyID string) (Role, bool) {
	switch partyID {
	case "":
		return "", false
	case e.BuyerID:
		return RoleBuyer, true
	case e.SellerID:
		return RoleSeller, true
	}
	return "", false
}

// Counterparty returns the other party's id.
func (e *Escrow) Counterparty(partyID string) string {
	if partyID == e.BuyerID {
		return e.SellerID
	}
	return e.BuyerID
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	if e.Amount != nil {
		cp.Amount = new(big.Int).Set(e.Amount)
	}
	cp.ClientPercentage = cloneInt(e.ClientPercentage)
	cp.FreelancerPercentage = cloneInt(e.FreelancerPercentage)
	for _, p := range []**time.Time{&cp.AcceptedAt, &cp.FundedAt, &cp.StartedAt, &cp.CompletedAt, &cp.ReleasedAt, &cp.CancelledAt, &cp.RejectedAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &cp
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	CounterpartyRef string `json:"counterparty" binding:"required"` // id, email or address
	Amount          string `json:"amount" binding:"required"`
	Title           string `json:"title" binding:"required"`
	Terms           string `json:"terms"`
	Network         string `json:"network"`
}

// ListFilter selects escrows for a party.
type ListFilter struct {
	Party  string
	Role   Role // empty for either side
	Status Status
	Page   pagination.Params
}

// Store persists escrows. Get returns copies. Neither Update nor SetJobID
// ever overwrite an on-chain job id once set.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error

	// SetJobID sets the on-chain job id if it is still empty and returns
	// ErrJobIDAlreadySet otherwise.
	SetJobID(ctx context.Context, id, jobID string) error

	FindByIdempotencyKey(ctx context.Context, key string) (*Escrow, error)
	FindByFundingTx(ctx context.Context, txRef string) (*Escrow, error)
	FindByJobID(ctx context.Context, jobID string) (*Escrow, error)
	List(ctx context.Context, f ListFilter) ([]*Escrow, int, error)
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Escrow, error)
	DepositConsumed(ctx context.Context, txRef string) (bool, error)
	SumAmount(ctx context.Context, statuses []Status) (*big.Int, error)
}
