// Package scheduler runs the periodic background tasks: deposit polling,
// dispute deadlines, outbox sweeping and balance checks.
//
// Each task is single-flight within a process and guarded by a named
// lease across processes. The instance holding a lease keeps renewing it
// on every tick, so one instance runs a task until it stops or dies.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/lease"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/metrics"
)

// Task is one named periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type task struct {
	Task
	busy atomic.Bool
}

// Runner drives a set of tasks.
type Runner struct {
	lease   lease.Lease
	owner   string
	tasks   []*task
	logger  *slog.Logger
	running atomic.Bool
}

// NewRunner creates a runner that takes leases as owner. A nil lease runs
// every task on every tick.
func NewRunner(l lease.Lease, owner string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		lease:  l,
		owner:  owner,
		logger: logger.With("component", "scheduler", "owner", owner),
	}
}

// Add registers t. Tasks must be added before Start.
func (r *Runner) Add(t Task) {
	if t.Interval <= 0 {
		panic(fmt.Sprintf("scheduler: task %q needs a positive interval", t.Name))
	}
	r.tasks = append(r.tasks, &task{Task: t})
}

// Running reports whether Start is active.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Start runs every task on its own ticker until ctx is cancelled. Each
// task runs once immediately.
func (r *Runner) Start(ctx context.Context) error {
	r.running.Store(true)
	defer r.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range r.tasks {
		g.Go(func() error {
			r.loop(ctx, t)
			return nil
		})
	}
	r.logger.Info("scheduler started", "tasks", len(r.tasks))
	err := g.Wait()
	r.logger.Info("scheduler stopped")
	return err
}

func (r *Runner) loop(ctx context.Context, t *task) {
	defer r.release(ctx, t)

	r.tick(ctx, t)
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, t)
		}
	}
}

// RunNow executes the named task once, honouring the busy flag and the
// lease. It returns false if the task was skipped.
func (r *Runner) RunNow(ctx context.Context, name string) bool {
	for _, t := range r.tasks {
		if t.Name == name {
			return r.tick(ctx, t)
		}
	}
	return false
}

func (r *Runner) tick(ctx context.Context, t *task) bool {
	if !t.busy.CompareAndSwap(false, true) {
		metrics.SchedulerSkippedTotal.WithLabelValues(t.Name, "busy").Inc()
		r.logger.Debug("task still running, tick skipped", "task", t.Name)
		return false
	}
	defer t.busy.Store(false)

	if r.lease != nil {
		ok, err := r.lease.Acquire(ctx, leaseName(t.Name), r.owner, 2*t.Interval)
		if err != nil {
			metrics.SchedulerRunsTotal.WithLabelValues(t.Name, "lease_error").Inc()
			r.logger.Warn("lease acquire failed", "task", t.Name, "error", err)
			return false
		}
		if !ok {
			metrics.SchedulerSkippedTotal.WithLabelValues(t.Name, "lease").Inc()
			return false
		}
	}

	start := time.Now()
	err := r.safeRun(ctx, t)
	result := "ok"
	if err != nil {
		result = "error"
		r.logger.Warn("task failed", "task", t.Name, "duration", time.Since(start), "error", err)
	} else {
		r.logger.Debug("task finished", "task", t.Name, "duration", time.Since(start))
	}
	metrics.SchedulerRunsTotal.WithLabelValues(t.Name, result).Inc()
	return true
}

func (r *Runner) safeRun(ctx context.Context, t *task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in scheduled task", "task", t.Name, "panic", fmt.Sprint(p))
			err = fmt.Errorf("scheduler: task %s panicked: %v", t.Name, p)
		}
	}()
	return t.Run(ctx)
}

// release hands the lease over on shutdown so another instance picks the
// task up without waiting for expiry.
func (r *Runner) release(ctx context.Context, t *task) {
	if r.lease == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.lease.Release(rctx, leaseName(t.Name), r.owner); err != nil {
		r.logger.Warn("lease release failed", "task", t.Name, "error", err)
	}
}

func leaseName(task string) string { return "scheduler:" + task }
