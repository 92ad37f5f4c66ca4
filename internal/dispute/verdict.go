package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Verdict is a suggested split of the disputed principal.
type Verdict struct {
	ClientPct     int
	FreelancerPct int
	Reasoning     string
}

// Analyzer produces a non-binding verdict for a dispute in analysis.
type Analyzer interface {
	Analyze(ctx context.Context, d *Dispute, evidence []*Evidence) (Verdict, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, d *Dispute, evidence []*Evidence) (Verdict, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, d *Dispute, evidence []*Evidence) (Verdict, error) {
	return f(ctx, d, evidence)
}

// EvidenceAnalyzer weighs each side by the evidence it submitted. With no
// evidence at all the principal is split evenly.
type EvidenceAnalyzer struct{}

func (EvidenceAnalyzer) Analyze(_ context.Context, _ *Dispute, evidence []*Evidence) (Verdict, error) {
	var client, freelancer int
	for _, e := range evidence {
		if e.Role == RoleClient {
			client++
		} else {
			freelancer++
		}
	}
	total := client + freelancer
	if total == 0 {
		return Verdict{ClientPct: 50, FreelancerPct: 50, Reasoning: "No evidence was submitted; the principal is split evenly."}, nil
	}
	clientPct := (client*100 + total/2) / total
	return Verdict{
		ClientPct:     clientPct,
		FreelancerPct: 100 - clientPct,
		Reasoning: fmt.Sprintf("Client submitted %d of %d exhibits, freelancer %d.",
			client, total, freelancer),
	}, nil
}

// VerdictRunner fires the automated verdict a fixed delay after a dispute
// enters analysis. Each dispute has at most one pending timer.
type VerdictRunner struct {
	apply  func(ctx context.Context, id string) (*Dispute, error)
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	base    context.Context
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewVerdictRunner creates a runner calling apply (normally
// Service.ApplyVerdict) delay after Schedule.
func NewVerdictRunner(apply func(ctx context.Context, id string) (*Dispute, error), delay time.Duration, logger *slog.Logger) *VerdictRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &VerdictRunner{
		apply:   apply,
		delay:   delay,
		logger:  logger.With("component", "verdict_runner"),
		base:    context.Background(),
		pending: make(map[string]*time.Timer),
	}
}

// Start binds pending and future runs to ctx. Cancelling ctx stops
// timers that have not fired.
func (r *VerdictRunner) Start(ctx context.Context) {
	r.mu.Lock()
	r.base = ctx
	r.mu.Unlock()
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		for id, t := range r.pending {
			if t.Stop() {
				r.wg.Done()
			}
			delete(r.pending, id)
		}
		r.mu.Unlock()
	}()
}

// Schedule queues the verdict for disputeID. Scheduling an already
// pending dispute is a no-op.
func (r *VerdictRunner) Schedule(disputeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[disputeID]; ok {
		return
	}
	if r.base.Err() != nil {
		return
	}
	r.wg.Add(1)
	r.pending[disputeID] = time.AfterFunc(r.delay, func() { r.fire(disputeID) })
}

func (r *VerdictRunner) fire(id string) {
	defer r.wg.Done()
	r.mu.Lock()
	ctx := r.base
	delete(r.pending, id)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	d, err := r.apply(ctx, id)
	if err != nil {
		r.logger.Error("automated verdict failed", "dispute_id", id, "error", err)
		return
	}
	if d != nil && d.AIClientPercentage != nil {
		r.logger.Info("automated verdict ready", "dispute_id", id, "status", d.Status,
			"client_pct", *d.AIClientPercentage, "freelancer_pct", *d.AIFreelancerPercentage)
	}
}

// Wait blocks until every scheduled run has finished or been stopped.
func (r *VerdictRunner) Wait() {
	r.wg.Wait()
}
