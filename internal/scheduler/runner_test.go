package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/lease"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/metrics"
)

func counting(name string, n *atomic.Int32, err error) Task {
	return Task{Name: name, Interval: time.Hour, Run: func(context.Context) error {
		n.Add(1)
		return err
	}}
}

func TestRunner_RunNow(t *testing.T) {
	r := NewRunner(lease.NewMemory(), "node-a", nil)
	var n atomic.Int32
	r.Add(counting("test_ok", &n, nil))
	r.Add(counting("test_err", &n, errors.New("boom")))

	okBefore := promtest.ToFloat64(metrics.SchedulerRunsTotal.WithLabelValues("test_ok", "ok"))
	errBefore := promtest.ToFloat64(metrics.SchedulerRunsTotal.WithLabelValues("test_err", "error"))

	assert.True(t, r.RunNow(context.Background(), "test_ok"))
	assert.True(t, r.RunNow(context.Background(), "test_err"))
	assert.False(t, r.RunNow(context.Background(), "missing"))

	assert.Equal(t, int32(2), n.Load())
	assert.Equal(t, okBefore+1, promtest.ToFloat64(metrics.SchedulerRunsTotal.WithLabelValues("test_ok", "ok")))
	assert.Equal(t, errBefore+1, promtest.ToFloat64(metrics.SchedulerRunsTotal.WithLabelValues("test_err", "error")))
}

func TestRunner_SkipsOverlappingTick(t *testing.T) {
	r := NewRunner(nil, "node-a", nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	r.Add(Task{Name: "test_slow", Interval: time.Hour, Run: func(context.Context) error {
		close(entered)
		<-release
		return nil
	}})

	before := promtest.ToFloat64(metrics.SchedulerSkippedTotal.WithLabelValues("test_slow", "busy"))
	done := make(chan bool)
	go func() { done <- r.RunNow(context.Background(), "test_slow") }()
	<-entered

	assert.False(t, r.RunNow(context.Background(), "test_slow"))
	assert.Equal(t, before+1, promtest.ToFloat64(metrics.SchedulerSkippedTotal.WithLabelValues("test_slow", "busy")))

	close(release)
	assert.True(t, <-done)
}

func TestRunner_LeaseHeldElsewhere(t *testing.T) {
	l := lease.NewMemory()
	ok, err := l.Acquire(context.Background(), leaseName("test_leased"), "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	r := NewRunner(l, "node-a", nil)
	var n atomic.Int32
	r.Add(counting("test_leased", &n, nil))

	before := promtest.ToFloat64(metrics.SchedulerSkippedTotal.WithLabelValues("test_leased", "lease"))
	assert.False(t, r.RunNow(context.Background(), "test_leased"))
	assert.Zero(t, n.Load())
	assert.Equal(t, before+1, promtest.ToFloat64(metrics.SchedulerSkippedTotal.WithLabelValues("test_leased", "lease")))

	require.NoError(t, l.Release(context.Background(), leaseName("test_leased"), "node-b"))
	assert.True(t, r.RunNow(context.Background(), "test_leased"))
	assert.True(t, r.RunNow(context.Background(), "test_leased"), "holder renews its own lease")
	assert.Equal(t, int32(2), n.Load())
}

func TestRunner_RecoversPanic(t *testing.T) {
	r := NewRunner(nil, "node-a", nil)
	r.Add(Task{Name: "test_panic", Interval: time.Hour, Run: func(context.Context) error {
		panic("nil map")
	}})

	before := promtest.ToFloat64(metrics.SchedulerRunsTotal.WithLabelValues("test_panic", "error"))
	assert.NotPanics(t, func() { r.RunNow(context.Background(), "test_panic") })
	assert.Equal(t, before+1, promtest.ToFloat64(metrics.SchedulerRunsTotal.WithLabelValues("test_panic", "error")))
}

func TestRunner_StartReleasesLeaseOnStop(t *testing.T) {
	l := lease.NewMemory()
	r := NewRunner(l, "node-a", nil)
	ran := make(chan struct{}, 1)
	r.Add(Task{Name: "test_start", Interval: time.Hour, Run: func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run on start")
	}
	ok, err := l.Acquire(context.Background(), leaseName("test_start"), "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "node-a holds the lease while running")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.False(t, r.Running())

	ok, err = l.Acquire(context.Background(), leaseName("test_start"), "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lease released on stop")
}

func TestRunner_AddRejectsZeroInterval(t *testing.T) {
	r := NewRunner(nil, "node-a", nil)
	assert.Panics(t, func() { r.Add(Task{Name: "bad"}) })
}
