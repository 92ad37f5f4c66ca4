// Package outbox records an intent before every ledger write so that a
// crash between the ledger call and the local write can be detected and
// repaired. Intents move pending -> completed | failed, and the sweeper
// moves intents stuck in pending to completed or abandoned. A call that
// timed out has an unknown outcome and its intent stays pending for the
// sweeper.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/idgen"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/metrics"
)

var (
	ErrIntentNotFound = errors.New("ledger intent not found")
	ErrNotPending     = errors.New("ledger intent is not pending")
)

// Status of an intent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Kind names the ledger operation an intent stands for.
type Kind string

const (
	KindCreateJob      Kind = "create_job"
	KindReleaseFunds   Kind = "release_funds"
	KindRaiseDispute   Kind = "raise_dispute"
	KindAcceptVerdict  Kind = "accept_verdict"
	KindRejectVerdict  Kind = "reject_verdict"
	KindEscalate       Kind = "escalate_to_voting"
	KindCastVote       Kind = "cast_vote"
	KindCheckDeadline  Kind = "check_deadline"
	KindFinalizeVoting Kind = "finalize_voting"
)

// Intent is one recorded ledger write.
type Intent struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	EscrowID       string    `json:"escrowId"`
	DisputeID      string    `json:"disputeId,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	Status         Status    `json:"status"`
	TxRef          string    `json:"txRef,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store persists intents. Finish only succeeds on a pending intent.
type Store interface {
	Create(ctx context.Context, in *Intent) error
	Get(ctx context.Context, id string) (*Intent, error)
	FindByKey(ctx context.Context, key string) (*Intent, error)
	Finish(ctx context.Context, id string, status Status, txRef, reason string) error
	ListPending(ctx context.Context, before time.Time, limit int) ([]*Intent, error)
}

// Recorder wraps ledger writes with intent bookkeeping.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Store exposes the underlying store for lookups.
func (r *Recorder) Store() Store { return r.store }

// Run persists a pending intent, runs call and records the outcome. If
// the intent cannot be written, call is not made. A timed-out call is not
// finished: the sweeper resolves it once the grace period has passed.
func (r *Recorder) Run(ctx context.Context, in Intent, call func(ctx context.Context) (string, error)) (string, error) {
	now := r.now()
	in.ID = idgen.WithPrefix("lin_")
	in.Status = StatusPending
	in.CreatedAt, in.UpdatedAt = now, now
	if err := r.store.Create(ctx, &in); err != nil {
		return "", fmt.Errorf("outbox: record %s intent: %w", in.Kind, err)
	}
	metrics.OutboxIntentsTotal.WithLabelValues(string(in.Kind), string(StatusPending)).Inc()

	txRef, callErr := call(ctx)
	if errors.Is(callErr, ledger.ErrTimeout) {
		r.logger.Warn("outbox: ledger call timed out, intent left pending",
			"intent_id", in.ID, "kind", in.Kind, "escrow_id", in.EscrowID, "error", callErr)
		return txRef, callErr
	}

	status, reason := StatusCompleted, ""
	if callErr != nil {
		status, reason = StatusFailed, callErr.Error()
	}
	// finish on a fresh context: the caller's may already be cancelled.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.Finish(fctx, in.ID, status, txRef, reason); err != nil {
		r.logger.Error("outbox: failed to finish intent",
			"intent_id", in.ID, "kind", in.Kind, "status", status, "error", err)
	} else {
		metrics.OutboxIntentsTotal.WithLabelValues(string(in.Kind), string(status)).Inc()
	}
	return txRef, callErr
}
