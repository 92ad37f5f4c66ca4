package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory intent store.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]*Intent
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{intents: make(map[string]*Intent)}
}

func (m *MemoryStore) Create(_ context.Context, in *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *in
	m.intents[in.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := *in
	return &cp, nil
}

// FindByKey returns the most recent intent carrying key.
func (m *MemoryStore) FindByKey(_ context.Context, key string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Intent
	for _, in := range m.intents {
		if key != "" && in.IdempotencyKey == key && (found == nil || in.CreatedAt.After(found.CreatedAt)) {
			found = in
		}
	}
	if found == nil {
		return nil, ErrIntentNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) Finish(_ context.Context, id string, status Status, txRef, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	if in.Status != StatusPending {
		return ErrNotPending
	}
	in.Status = status
	if txRef != "" {
		in.TxRef = txRef
	}
	in.Error = reason
	in.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListPending(_ context.Context, before time.Time, limit int) ([]*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Intent
	for _, in := range m.intents {
		if in.Status == StatusPending && in.CreatedAt.Before(before) {
			cp := *in
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
