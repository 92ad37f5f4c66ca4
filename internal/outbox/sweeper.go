package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/metrics"
)

// Checker decides the fate of a stuck intent. completed reports whether
// the ledger write is known to have landed; txRef is recorded when known.
type Checker func(ctx context.Context, in *Intent) (completed bool, txRef string, err error)

// Sweeper resolves intents left pending past a grace period, e.g. after a
// crash between the ledger call and the local write.
type Sweeper struct {
	store    Store
	grace    time.Duration
	checkers map[Kind]Checker
	logger   *slog.Logger
	now      func() time.Time
}

const sweepBatch = 100

func NewSweeper(store Store, grace time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		grace:    grace,
		checkers: make(map[Kind]Checker),
		logger:   logger,
		now:      time.Now,
	}
}

// Handle registers the checker for kind. Kinds without a checker are
// abandoned once stale.
func (s *Sweeper) Handle(kind Kind, c Checker) {
	s.checkers[kind] = c
}

// Sweep resolves one batch of stale intents and returns how many were
// moved out of pending.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.ListPending(ctx, s.now().Add(-s.grace), sweepBatch)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, in := range stale {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		status, txRef, reason := StatusAbandoned, "", "stale pending intent"
		if check, ok := s.checkers[in.Kind]; ok {
			done, ref, err := check(ctx, in)
			if err != nil {
				s.logger.Warn("outbox: check failed, retrying next sweep", "intent_id", in.ID, "kind", in.Kind, "error", err)
				continue
			}
			if done {
				status, txRef, reason = StatusCompleted, ref, ""
			}
		}

		err := s.store.Finish(ctx, in.ID, status, txRef, reason)
		switch {
		case errors.Is(err, ErrNotPending):
			continue
		case err != nil:
			s.logger.Error("outbox: failed to resolve intent", "intent_id", in.ID, "error", err)
			continue
		}
		metrics.OutboxIntentsTotal.WithLabelValues(string(in.Kind), string(status)).Inc()
		s.logger.Info("outbox: resolved stale intent", "intent_id", in.ID, "kind", in.Kind, "escrow_id", in.EscrowID, "status", status)
		resolved++
	}
	return resolved, nil
}
