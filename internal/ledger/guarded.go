package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/circuitbreaker"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/metrics"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/retry"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/traces"
)

// Guarded decorates a Gateway with a bounded wait per call, a per-operation
// circuit breaker, retries for read-only calls, metrics and spans. A call
// that exceeds the bound fails with ErrTimeout; it is never reported as
// success and write calls are never retried here.
type Guarded struct {
	inner   Gateway
	timeout time.Duration
	breaker *circuitbreaker.Breaker
	reads   retry.Policy
}

var _ Gateway = (*Guarded)(nil)

// NewGuarded wraps inner. timeout bounds each individual call.
func NewGuarded(inner Gateway, timeout time.Duration, breaker *circuitbreaker.Breaker) *Guarded {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Guarded{inner: inner, timeout: timeout, breaker: breaker, reads: retry.Reads}
}

// countable keeps reverts and bad input from tripping the breaker; only
// transport trouble does.
func countable(err error) bool {
	return !errors.Is(err, ErrReverted) && !errors.Is(err, ErrUnknownWallet) && !errors.Is(err, ErrInvalidJob)
}

func (g *Guarded) do(ctx context.Context, op, jobID string, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "ledger."+op, traces.LedgerOp(op), traces.JobID(jobID))
	start := time.Now()

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := g.breaker.Execute(op, countable, func() error {
		err := fn(cctx)
		if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, ErrTimeout) {
			timeout := &CallError{Op: op, Err: ErrTimeout}
			var inner *CallError
			if errors.As(err, &inner) {
				timeout.TxRef = inner.TxRef
			}
			err = timeout
		}
		return err
	})

	metrics.LedgerCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.LedgerCallsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = &CallError{Op: op, Err: ErrUnavailable}
	}
	traces.End(span, err)
	return err
}

func (g *Guarded) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, g.reads, func(ctx context.Context) error {
		err := g.do(ctx, op, "", fn)
		if err != nil && !countable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "open"
	default:
		return "error"
	}
}

func (g *Guarded) CreateSettlementJob(ctx context.Context, req JobRequest) (JobReceipt, error) {
	var out JobReceipt
	err := g.do(ctx, "createJob", "", func(ctx context.Context) error {
		var err error
		out, err = g.inner.CreateSettlementJob(ctx, req)
		return err
	})
	return out, err
}

func (g *Guarded) tx(ctx context.Context, op, jobID string, fn func(ctx context.Context) (string, error)) (string, error) {
	var ref string
	err := g.do(ctx, op, jobID, func(ctx context.Context) error {
		var err error
		ref, err = fn(ctx)
		return err
	})
	return ref, err
}

func (g *Guarded) RaiseDispute(ctx context.Context, wallet Wallet, jobID string) (string, error) {
	return g.tx(ctx, "raiseDispute", jobID, func(ctx context.Context) (string, error) {
		return g.inner.RaiseDispute(ctx, wallet, jobID)
	})
}

func (g *Guarded) CastVote(ctx context.Context, wallet Wallet, jobID string, percent int) (string, error) {
	return g.tx(ctx, "castVote", jobID, func(ctx context.Context) (string, error) {
		return g.inner.CastVote(ctx, wallet, jobID, percent)
	})
}

func (g *Guarded) ReleaseFunds(ctx context.Context, wallet Wallet, jobID string) (string, error) {
	return g.tx(ctx, "releaseFunds", jobID, func(ctx context.Context) (string, error) {
		return g.inner.ReleaseFunds(ctx, wallet, jobID)
	})
}

func (g *Guarded) AcceptVerdict(ctx context.Context, wallet Wallet, jobID string) (string, error) {
	return g.tx(ctx, "acceptVerdict", jobID, func(ctx context.Context) (string, error) {
		return g.inner.AcceptVerdict(ctx, wallet, jobID)
	})
}

func (g *Guarded) RejectVerdict(ctx context.Context, wallet Wallet, jobID string) (string, error) {
	return g.tx(ctx, "rejectVerdict", jobID, func(ctx context.Context) (string, error) {
		return g.inner.RejectVerdict(ctx, wallet, jobID)
	})
}

func (g *Guarded) EscalateToVoting(ctx context.Context, jobID string, durationSeconds int64) (string, error) {
	return g.tx(ctx, "escalateToVoting", jobID, func(ctx context.Context) (string, error) {
		return g.inner.EscalateToVoting(ctx, jobID, durationSeconds)
	})
}

func (g *Guarded) CheckDeadline(ctx context.Context, jobID string) (string, error) {
	return g.tx(ctx, "checkDeadline", jobID, func(ctx context.Context) (string, error) {
		return g.inner.CheckDeadline(ctx, jobID)
	})
}

func (g *Guarded) FinalizeVoting(ctx context.Context, jobID string) (string, error) {
	return g.tx(ctx, "finalizeVoting", jobID, func(ctx context.Context) (string, error) {
		return g.inner.FinalizeVoting(ctx, jobID)
	})
}

func (g *Guarded) VerifyTransaction(ctx context.Context, txRef string) (TxInfo, error) {
	var out TxInfo
	err := g.read(ctx, "verifyTransaction", func(ctx context.Context) error {
		var err error
		out, err = g.inner.VerifyTransaction(ctx, txRef)
		return err
	})
	return out, err
}

func (g *Guarded) GetBalances(ctx context.Context, address string) (Balances, error) {
	var out Balances
	err := g.read(ctx, "getBalances", func(ctx context.Context) error {
		var err error
		out, err = g.inner.GetBalances(ctx, address)
		return err
	})
	return out, err
}

func (g *Guarded) QueryDeposits(ctx context.Context, address string) ([]Deposit, error) {
	var out []Deposit
	err := g.read(ctx, "queryDeposits", func(ctx context.Context) error {
		var err error
		out, err = g.inner.QueryDeposits(ctx, address)
		return err
	})
	return out, err
}
