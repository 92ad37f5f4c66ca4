package parties

import (
	"context"
	"strings"
	"sync"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
)

// MemoryDirectory is an in-memory directory for development and tests.
type MemoryDirectory struct {
	mu      sync.RWMutex
	parties map[string]*Party
}

var _ Directory = (*MemoryDirectory)(nil)

// NewMemoryDirectory creates a directory holding the given parties.
func NewMemoryDirectory(parties ...*Party) *MemoryDirectory {
	d := &MemoryDirectory{parties: make(map[string]*Party)}
	for _, p := range parties {
		d.Add(p)
	}
	return d
}

// Add inserts or replaces a party.
func (d *MemoryDirectory) Add(p *Party) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parties[p.ID] = clone(p)
}

func (d *MemoryDirectory) Get(_ context.Context, id string) (*Party, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.parties[id]
	if !ok {
		return nil, ErrPartyNotFound
	}
	return clone(p), nil
}

func (d *MemoryDirectory) Resolve(ctx context.Context, ref string) (*Party, error) {
	ref = strings.TrimSpace(ref)
	kind := refKind(ref)
	if kind == "id" {
		return d.Get(ctx, ref)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.parties {
		switch kind {
		case "email":
			if strings.EqualFold(p.Email, ref) {
				return clone(p), nil
			}
		case "address":
			if strings.EqualFold(p.Address, ref) || (p.Wallet != nil && strings.EqualFold(p.Wallet.Address, ref)) {
				return clone(p), nil
			}
		}
	}
	return nil, ErrPartyNotFound
}

func clone(p *Party) *Party {
	cp := *p
	if p.Wallet != nil {
		w := *p.Wallet
		cp.Wallet = &ledger.Wallet{ID: w.ID, Address: strings.ToLower(w.Address)}
	}
	return &cp
}
