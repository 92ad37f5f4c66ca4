// Package syncutil holds the keyed lock used to serialize mutations of
// a single escrow or dispute.
package syncutil

import (
	"context"
	"hash/fnv"
)

const defaultShards = 256

// ContextShardedMutex is a fixed pool of channel-based mutexes selected by
// hashing a key. Waiters give up when their context ends, so a slow
// ledger call holding one escrow never wedges a request forever.
//
// Two keys may share a shard. Callers must never hold two keys at once.
type ContextShardedMutex struct {
	shards []chan struct{}
}

// NewContextShardedMutex creates a mutex pool with the default shard count.
func NewContextShardedMutex() *ContextShardedMutex {
	return NewContextShardedMutexN(defaultShards)
}

// NewContextShardedMutexN creates a pool with n shards (minimum 1).
func NewContextShardedMutexN(n int) *ContextShardedMutex {
	if n < 1 {
		n = 1
	}
	m := &ContextShardedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the lock for key. On success the returned func
// releases it and must be called exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
