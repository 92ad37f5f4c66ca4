// Package dispute resolves disagreements on funded escrows.
//
// A dispute moves through a tiered process:
//  1. A party raises it, staking 5% of the principal -> pending_counter_stake
//  2. The counterpart matches the stake -> ai_analysis
//  3. The automated analysis suggests a split -> ai_verdict_review
//  4. Both parties accept on the ledger -> resolved, or either rejects and
//     the ledger opens a vote -> dao_voting -> resolved
//
// Ledger-driven transitions (resolved, dao_voting) are applied by the
// reconciliation listener, never by the user-facing call that asked for them.
package dispute

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
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrUnauthorized      = errors.New("not authorized for this dispute operation")
	ErrInvalidStatus     = errors.New("invalid dispute status for this operation")
	ErrInvalidTransition = errors.New("invalid dispute status transition")
	ErrActiveDispute     = errors.New("escrow already has an active dispute")
	ErrNotDisputable     = errors.New("escrow cannot be disputed in its current status")
	ErrAlreadyVoted      = errors.New("voter has already voted on this dispute")
	ErrPartyCannotVote   = errors.New("dispute parties cannot vote")
	ErrVotingClosed      = errors.New("voting window has closed")
	ErrInvalidSplit      = errors.New("percentages must sum to 100")
	ErrNoCustodyWallet   = errors.New("party has no custody wallet")
	ErrNoJobID           = errors.New("escrow has no on-chain job")
	ErrSettlementFailed  = errors.New("settlement ledger call failed")
	ErrUnknownRaiser     = errors.New("raiser address matches neither party")
)

// Status represents the stage of a dispute.
type Status string

const (
	StatusPendingCounterStake Status = "pending_counter_stake"
	StatusAIAnalysis          Status = "ai_analysis"
	StatusAIVerdictReview     Status = "ai_verdict_review"
	StatusDAOVoting           Status = "dao_voting"
	StatusResolved            Status = "resolved"
	StatusCancelled           Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPendingCounterStake: {StatusAIAnalysis, StatusCancelled},
	StatusAIAnalysis:          {StatusAIVerdictReview, StatusCancelled},
	StatusAIVerdictReview:     {StatusDAOVoting, StatusResolved, StatusCancelled},
	StatusDAOVoting:           {StatusResolved, StatusCancelled},
}

// forward is the next stage on the way to a verdict.
var forward = map[Status]Status{
	StatusPendingCounterStake: StatusAIAnalysis,
	StatusAIAnalysis:          StatusAIVerdictReview,
}

// CanTransition reports whether from -> to is an edge of the dispute flow.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for resolved and cancelled.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingCounterStake, StatusAIAnalysis, StatusAIVerdictReview,
		StatusDAOVoting, StatusResolved, StatusCancelled:
		return true
	}
	return false
}

// ActiveStatuses are the non-terminal stages.
var ActiveStatuses = []Status{StatusPendingCounterStake, StatusAIAnalysis, StatusAIVerdictReview, StatusDAOVoting}

// Role of a party in a dispute.
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
)

type Reason string

const (
	ReasonNotAsAgreed     Reason = "deliverable_not_as_agreed"
	ReasonPaymentWithheld Reason = "payment_not_released"
	ReasonTermsViolated   Reason = "terms_violated"
	ReasonQuality         Reason = "quality_issues"
	ReasonOther           Reason = "other"
)

type Outcome string

const (
	OutcomeFullRefund    Outcome = "full_refund"
	OutcomePartialRefund Outcome = "partial_refund"
	OutcomeContinueWork  Outcome = "continue_work"
	OutcomeMediation     Outcome = "mediation"
)

type Resolution string

const (
	ResolutionFullClientRefund      Resolution = "full_client_refund"
	ResolutionFullFreelancerPayment Resolution = "full_freelancer_payment"
	ResolutionPartialSplit          Resolution = "partial_split"
)

// ResolutionFor classifies a final split.
func ResolutionFor(clientPct, freelancerPct int) Resolution {
	switch {
	case clientPct == 100:
		return ResolutionFullClientRefund
	case freelancerPct == 100:
		return ResolutionFullFreelancerPayment
	default:
		return ResolutionPartialSplit
	}
}

type EvidenceType string

const (
	EvidenceDocument   EvidenceType = "document"
	EvidenceScreenshot EvidenceType = "screenshot"
	EvidenceChatLog    EvidenceType = "chat_log"
	EvidenceContract   EvidenceType = "contract"
	EvidenceOther      EvidenceType = "other"
)

type Choice string

const (
	ChoiceClient     Choice = "client"
	ChoiceFreelancer Choice = "freelancer"
)

const (
	// StakeBps is the insurance stake per side, in basis points of the
	// principal.
	StakeBps = 500

	// RequiredVotes is the quorum a vote needs.
	RequiredVotes = 5
)

// StakeFor returns the per-side insurance stake for a principal.
func StakeFor(principal *big.Int) *big.Int {
	return usdc.Bps(principal, StakeBps)
}

// VotingDuration is the length of the vote opened for a dispute over
// amount: under 500 USDC two days, up to 2500 five days, above ten days.
func VotingDuration(amount *big.Int) time.Duration {
	const day = 24 * time.Hour
	switch {
	case amount == nil || amount.Cmp(usdc.FromWhole(500)) < 0:
		return 2 * day
	case amount.Cmp(usdc.FromWhole(2500)) <= 0:
		return 5 * day
	default:
		return 10 * day
	}
}

// Dispute is one dispute record. Money fields are USDC micro-units and
// are rendered as decimal strings on the wire.
type Dispute struct {
	ID                        string     `json:"id"`
	EscrowID                  string     `json:"escrowId"`
	JobID                     string     `json:"jobId,omitempty"`
	ClientID                  string     `json:"clientId"`
	FreelancerID              string     `json:"freelancerId"`
	RaisedBy                  string     `json:"raisedBy"`
	RaiserRole                Role       `json:"raiserRole"`
	Reason                    Reason     `json:"reason"`
	DesiredOutcome            Outcome    `json:"desiredOutcome"`
	Status                    Status     `json:"status"`
	ClientStake               *big.Int   `json:"-"`
	FreelancerStake           *big.Int   `json:"-"`
	ClientStaked              bool       `json:"clientStaked"`
	FreelancerStaked          bool       `json:"freelancerStaked"`
	TotalStaked               *big.Int   `json:"-"`
	AmountInDispute           *big.Int   `json:"-"`
	ClientClaim               string     `json:"clientClaim,omitempty"`
	FreelancerResponse        string     `json:"freelancerResponse,omitempty"`
	AIClientPercentage        *int       `json:"aiClientPercentage,omitempty"`
	AIFreelancerPercentage    *int       `json:"aiFreelancerPercentage,omitempty"`
	AIReasoning               string     `json:"aiReasoning,omitempty"`
	AIVerdictAt               *time.Time `json:"aiVerdictAt,omitempty"`
	ClientAcceptedVerdict     bool       `json:"clientAcceptedVerdict"`
	FreelancerAcceptedVerdict bool       `json:"freelancerAcceptedVerdict"`
	VotingStartsAt            *time.Time `json:"votingStartsAt,omitempty"`
	VotingEndsAt              *time.Time `json:"votingEndsAt,omitempty"`
	VotesForClient            int        `json:"votesForClient"`
	VotesForFreelancer        int        `json:"votesForFreelancer"`
	TotalVotes                int        `json:"totalVotes"`
	RequiredVotes             int        `json:"requiredVotes"`
	Resolution                Resolution `json:"resolution,omitempty"`
	ClientPercentage          *int       `json:"clientPercentage,omitempty"`
	FreelancerPercentage      *int       `json:"freelancerPercentage,omitempty"`
	ResolutionNotes           string     `json:"resolutionNotes,omitempty"`
	WithdrawReason            string     `json:"withdrawReason,omitempty"`
	ResolvedAt                *time.Time `json:"resolvedAt,omitempty"`
	CancelledAt               *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt                 time.Time  `json:"createdAt"`
	UpdatedAt                 time.Time  `json:"updatedAt"`
}

func (d *Dispute) MarshalJSON() ([]byte, error) {
	type alias Dispute
	return json.Marshal(struct {
		*alias
		ClientStake     string `json:"clientStake"`
		FreelancerStake string `json:"freelancerStake"`
		TotalStaked     string `json:"totalStaked"`
		AmountInDispute string `json:"amountInDispute"`
	}{
		alias:           (*alias)(d),
		ClientStake:     usdc.Format(d.ClientStake),
		FreelancerStake: usdc.Format(d.FreelancerStake),
		TotalStaked:     usdc.Format(d.TotalStaked),
		AmountInDispute: usdc.Format(d.AmountInDispute),
	})
}

// RoleOf returns the role partyID plays in the dispute.
func (d *Dispute) RoleOf(partyID string) (Role, bool) {
	switch partyID {
	case "":
		return "", false
	case d.ClientID:
		return RoleClient, true
	case d.FreelancerID:
		return RoleFreelancer, true
	}
	return "", false
}

// PartyFor returns the party id holding role.
func (d *Dispute) PartyFor(r Role) string {
	if r == RoleClient {
		return d.ClientID
	}
	return d.FreelancerID
}

// Counterpart returns the role opposite to the raiser.
func (d *Dispute) Counterpart() Role {
	if d.RaiserRole == RoleClient {
		return RoleFreelancer
	}
	return RoleClient
}

// ResolvedSplit returns the final split, if one is recorded.
func (d *Dispute) ResolvedSplit() (client, freelancer int, ok bool) {
	if d.ClientPercentage == nil || d.FreelancerPercentage == nil {
		return 0, 0, false
	}
	return *d.ClientPercentage, *d.FreelancerPercentage, true
}

// Clone returns a deep copy.
func (d *Dispute) Clone() *Dispute {
	cp := *d
	for _, p := range []**big.Int{&cp.ClientStake, &cp.FreelancerStake, &cp.TotalStaked, &cp.AmountInDispute} {
		if *p != nil {
			*p = new(big.Int).Set(*p)
		}
	}
	for _, p := range []**int{&cp.AIClientPercentage, &cp.AIFreelancerPercentage, &cp.ClientPercentage, &cp.FreelancerPercentage} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	for _, p := range []**time.Time{&cp.AIVerdictAt, &cp.VotingStartsAt, &cp.VotingEndsAt, &cp.ResolvedAt, &cp.CancelledAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &cp
}

// Evidence is an append-only exhibit. Files live elsewhere; only the
// reference is stored.
type Evidence struct {
	ID          string       `json:"id"`
	DisputeID   string       `json:"disputeId"`
	SubmittedBy string       `json:"submittedBy"`
	Role        Role         `json:"role"`
	Type        EvidenceType `json:"type"`
	Description string       `json:"description,omitempty"`
	FileRef     string       `json:"fileRef,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Vote is one arbitration vote. SuggestedSplit is the freelancer share
// the voter proposes.
type Vote struct {
	ID             string    `json:"id"`
	DisputeID      string    `json:"disputeId"`
	VoterID        string    `json:"voterId"`
	Choice         Choice    `json:"choice"`
	Reasoning      string    `json:"reasoning,omitempty"`
	SuggestedSplit *int      `json:"suggestedSplit,omitempty"`
	TxRef          string    `json:"txRef,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// LedgerPercent is the freelancer share forwarded to the ledger.
func (v *Vote) LedgerPercent() int {
	if v.SuggestedSplit != nil {
		return *v.SuggestedSplit
	}
	if v.Choice == ChoiceClient {
		return 0
	}
	return 100
}

// Details bundles a dispute with its child records.
type Details struct {
	Dispute  *Dispute    `json:"dispute"`
	Evidence []*Evidence `json:"evidence"`
	Votes    []*Vote     `json:"votes"`
}

// Stats counts a party's disputes.
type Stats struct {
	Active   int `json:"active"`
	Resolved int `json:"resolved"`
}

// VotingStatus summarizes an open or finished vote.
type VotingStatus struct {
	DisputeID             string     `json:"disputeId"`
	Status                Status     `json:"status"`
	VotesForClient        int        `json:"votesForClient"`
	VotesForFreelancer    int        `json:"votesForFreelancer"`
	TotalVotes            int        `json:"totalVotes"`
	RequiredVotes         int        `json:"requiredVotes"`
	QuorumReached         bool       `json:"quorumReached"`
	AverageSuggestedSplit *float64   `json:"averageSuggestedSplit,omitempty"`
	VotingEndsAt          *time.Time `json:"votingEndsAt,omitempty"`
	SecondsLeft           int64      `json:"secondsLeft"`
	Open                  bool       `json:"open"`
}

type RaiseRequest struct {
	EscrowID       string  `json:"escrowId" binding:"required"`
	Reason         Reason  `json:"reason" binding:"required"`
	Description    string  `json:"description" binding:"required"`
	DesiredOutcome Outcome `json:"desiredOutcome" binding:"required"`
}

type EvidenceRequest struct {
	Type        EvidenceType `json:"type" binding:"required"`
	Description string       `json:"description"`
	FileRef     string       `json:"fileRef"`
}

type VoteRequest struct {
	Choice         Choice `json:"choice" binding:"required"`
	Reasoning      string `json:"reasoning"`
	SuggestedSplit *int   `json:"suggestedSplit"`
}

type ResolveRequest struct {
	Resolution    Resolution `json:"resolution"`
	ClientPct     int        `json:"clientPercentage"`
	FreelancerPct int        `json:"freelancerPercentage"`
	Notes         string     `json:"notes"`
}

// ListFilter selects disputes a party is involved in.
type ListFilter struct {
	Party  string
	Status Status
	Page   pagination.Params
}

// Store persists disputes and their child records. Reads return copies.
type Store interface {
	// Create fails with ErrActiveDispute when the escrow already has a
	// non-terminal dispute.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error

	// FindActiveByEscrow returns the escrow's non-terminal dispute.
	FindActiveByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	// FindLatestByEscrow returns the escrow's most recent dispute in any status.
	FindLatestByEscrow(ctx context.Context, escrowID string) (*Dispute, error)

	List(ctx context.Context, f ListFilter) ([]*Dispute, int, error)
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Dispute, error)
	Stats(ctx context.Context, party string) (Stats, error)

	AddEvidence(ctx context.Context, e *Evidence) error
	ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error)

	// RecordVote inserts the vote and increments the tallies atomically.
	// A second vote by the same voter fails with ErrAlreadyVoted and
	// leaves the tallies unchanged.
	RecordVote(ctx context.Context, v *Vote) error
	HasVoted(ctx context.Context, disputeID, voterID string) (bool, error)
	ListVotes(ctx context.Context, disputeID string) ([]*Vote, error)
}
