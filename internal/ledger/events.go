package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// EventType identifies a ledger-emitted event.
type EventType string

const (
	EventJobCreated        EventType = "job_created"
	EventDisputeRaised     EventType = "dispute_raised"
	EventFundsReleased     EventType = "funds_released"
	EventVotingFinalized   EventType = "voting_finalized"
	EventVerdictAccepted   EventType = "verdict_accepted"
	EventDisputeResolved   EventType = "dispute_resolved"
	EventEscalatedToVoting EventType = "escalated_to_voting"
)

// Event is one decoded ledger event. Fields not meaningful for a given
// type are zero.
type Event struct {
	Type        EventType
	JobID       string
	TxRef       string
	BlockNumber uint64
	LogIndex    uint

	// Address is the party that emitted the action: the client on
	// job_created, the raiser on dispute_raised, the accepting party on
	// verdict_accepted, the payee on funds_released.
	Address        string
	Counterparty   string
	Amount         *big.Int
	IdempotencyKey string

	Percent       int // consensus freelancer share on voting_finalized
	ClientPct     int
	FreelancerPct int
	VotingEndsAt  time.Time
}

// Key identifies a delivery of the event so redelivery can be detected.
func (e Event) Key() string {
	return fmt.Sprintf("%s:%d:%s", e.TxRef, e.LogIndex, e.Type)
}

// EventHandler consumes ledger events. Implementations must tolerate
// redelivery of the same event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
