// Package lease provides named, expiring locks so that only one service
// instance runs a scheduled task per tick.
package lease

import (
	"context"
	"sync"
	"time"
)

// Lease grants exclusive ownership of name to owner for ttl.
type Lease interface {
	// Acquire returns true if owner now holds name. Re-acquiring a lease
	// already held by owner extends it.
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)

	// Release gives name up if owner still holds it.
	Release(ctx context.Context, name, owner string) error
}

// Memory is a process-local Lease.
type Memory struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	owner   string
	expires time.Time
}

var _ Lease = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{leases: make(map[string]memoryLease), now: time.Now}
}

func (m *Memory) Acquire(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.leases[name]; ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	m.leases[name] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[name]; ok && cur.owner == owner {
		delete(m.leases, name)
	}
	return nil
}
