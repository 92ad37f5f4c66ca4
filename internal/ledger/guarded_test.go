package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/circuitbreaker"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/retry"
)

// slowGateway blocks every write until ctx ends and counts reads.
type slowGateway struct {
	*Simulated
	reads   atomic.Int32
	readErr error
}

func (g *slowGateway) ReleaseFunds(ctx context.Context, _ Wallet, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (g *slowGateway) GetBalances(ctx context.Context, address string) (Balances, error) {
	if g.reads.Add(1) < 3 && g.readErr != nil {
		return Balances{}, g.readErr
	}
	return Balances{Address: address, Token: big.NewInt(5)}, nil
}

func newSlow() *slowGateway {
	return &slowGateway{Simulated: NewSimulated(nil)}
}

func TestGuarded_TimeoutIsDistinct(t *testing.T) {
	g := NewGuarded(newSlow(), 20*time.Millisecond, nil)

	_, err := g.ReleaseFunds(context.Background(), Wallet{Address: clientAddr}, "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "releaseFunds", ce.Op)
}

// broadcastGateway sends the transaction, then waits on the receipt
// until ctx ends.
type broadcastGateway struct{ *Simulated }

func (g *broadcastGateway) CastVote(ctx context.Context, _ Wallet, _ string, _ int) (string, error) {
	<-ctx.Done()
	return "0xsent", &CallError{Op: "castVote", TxRef: "0xsent", Err: ctx.Err()}
}

func TestGuarded_TimeoutKeepsBroadcastTxRef(t *testing.T) {
	g := NewGuarded(&broadcastGateway{NewSimulated(nil)}, 20*time.Millisecond, nil)

	_, err := g.CastVote(context.Background(), Wallet{Address: clientAddr}, "1", 40)
	assert.ErrorIs(t, err, ErrTimeout)

	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "0xsent", ce.TxRef)
}

func TestGuarded_CallerCancelIsNotTimeout(t *testing.T) {
	g := NewGuarded(newSlow(), time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := g.ReleaseFunds(ctx, Wallet{}, "1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestGuarded_ReadsRetry(t *testing.T) {
	inner := newSlow()
	inner.readErr = errors.New("connection reset")
	g := NewGuarded(inner, time.Second, circuitbreaker.New(10, time.Minute))
	g.reads = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}

	b, err := g.GetBalances(context.Background(), clientAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Token.Int64())
	assert.Equal(t, int32(3), inner.reads.Load())
}

func TestGuarded_BreakerOpens(t *testing.T) {
	sim := NewSimulated(nil)
	breaker := circuitbreaker.New(2, time.Minute)
	g := NewGuarded(sim, time.Second, breaker)

	for i := 0; i < 2; i++ {
		sim.FailNext("castVote", errors.New("rpc down"))
		_, err := g.CastVote(context.Background(), Wallet{Address: clientAddr}, "1", 50)
		require.Error(t, err)
	}

	_, err := g.CastVote(context.Background(), Wallet{Address: clientAddr}, "1", 50)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, sim.CallCount("castVote"), "open circuit short-circuits the call")
}

func TestGuarded_RevertsDoNotTrip(t *testing.T) {
	sim := NewSimulated(nil)
	g := NewGuarded(sim, time.Second, circuitbreaker.New(1, time.Minute))

	// unknown job reverts
	_, err := g.RaiseDispute(context.Background(), Wallet{Address: clientAddr}, "404")
	require.ErrorIs(t, err, ErrReverted)
	_, err = g.RaiseDispute(context.Background(), Wallet{Address: clientAddr}, "404")
	require.ErrorIs(t, err, ErrReverted)
}
