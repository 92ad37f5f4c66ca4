package escrow

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/pagination"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	next := e.Clone()
	if cur.OnChainJobID != "" {
		next.OnChainJobID = cur.OnChainJobID
	}
	m.escrows[e.ID] = next
	return nil
}

func (m *MemoryStore) SetJobID(_ context.Context, id, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.OnChainJobID != "" {
		return ErrJobIDAlreadySet
	}
	e.OnChainJobID = jobID
	return nil
}

func (m *MemoryStore) find(match func(e *Escrow) bool) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.escrows {
		if match(e) {
			return e.Clone(), nil
		}
	}
	return nil, ErrEscrowNotFound
}

func (m *MemoryStore) FindByIdempotencyKey(_ context.Context, key string) (*Escrow, error) {
	return m.find(func(e *Escrow) bool { return key != "" && e.IdempotencyKey == key })
}

func (m *MemoryStore) FindByFundingTx(_ context.Context, txRef string) (*Escrow, error) {
	return m.find(func(e *Escrow) bool { return txRef != "" && e.FundingTxRef == txRef })
}

func (m *MemoryStore) FindByJobID(_ context.Context, jobID string) (*Escrow, error) {
	return m.find(func(e *Escrow) bool { return jobID != "" && e.OnChainJobID == jobID })
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Escrow, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		switch f.Role {
		case RoleBuyer:
			if e.BuyerID != f.Party {
				continue
			}
		case RoleSeller:
			if e.SellerID != f.Party {
				continue
			}
		default:
			if e.BuyerID != f.Party && e.SellerID != f.Party {
				continue
			}
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		result = append(result, e.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return pagination.Window(result, f.Page), len(result), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, statuses []Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if hasStatus(statuses, e.Status) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) DepositConsumed(_ context.Context, txRef string) (bool, error) {
	_, err := m.find(func(e *Escrow) bool { return txRef != "" && e.DepositTxRef == txRef })
	return err == nil, nil
}

func (m *MemoryStore) SumAmount(_ context.Context, statuses []Status) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := new(big.Int)
	for _, e := range m.escrows {
		if hasStatus(statuses, e.Status) && e.Amount != nil {
			total.Add(total, e.Amount)
		}
	}
	return total, nil
}

func hasStatus(statuses []Status, s Status) bool {
	for _, want := range statuses {
		if want == s {
			return true
		}
	}
	return false
}
