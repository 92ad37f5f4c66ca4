package dispute

import (
	"context"
	"sort"
	"sync"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/pagination"
)

// MemoryStore is an in-memory dispute store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	evidence map[string][]*Evidence
	votes    map[string][]*Vote
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		evidence: make(map[string][]*Evidence),
		votes:    make(map[string][]*Vote),
	}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.disputes {
		if existing.EscrowID == d.EscrowID && !existing.Status.IsTerminal() {
			return ErrActiveDispute
		}
	}
	m.disputes[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.Clone(), nil
}

// Update keeps the stored vote tallies; only RecordVote changes them.
func (m *MemoryStore) Update(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	next := d.Clone()
	next.VotesForClient, next.VotesForFreelancer, next.TotalVotes = cur.VotesForClient, cur.VotesForFreelancer, cur.TotalVotes
	m.disputes[d.ID] = next
	return nil
}

func (m *MemoryStore) FindActiveByEscrow(_ context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.disputes {
		if d.EscrowID == escrowID && !d.Status.IsTerminal() {
			return d.Clone(), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) FindLatestByEscrow(_ context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Dispute
	for _, d := range m.disputes {
		if d.EscrowID != escrowID {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			latest = d
		}
	}
	if latest == nil {
		return nil, ErrDisputeNotFound
	}
	return latest.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Dispute, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Dispute
	for _, d := range m.disputes {
		if d.ClientID != f.Party && d.FreelancerID != f.Party {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		result = append(result, d.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return pagination.Window(result, f.Page), len(result), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, statuses []Status, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Dispute
	for _, d := range m.disputes {
		for _, s := range statuses {
			if d.Status == s {
				result = append(result, d.Clone())
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Stats(_ context.Context, party string) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st Stats
	for _, d := range m.disputes {
		if d.ClientID != party && d.FreelancerID != party {
			continue
		}
		switch {
		case d.Status == StatusResolved:
			st.Resolved++
		case !d.Status.IsTerminal():
			st.Active++
		}
	}
	return st, nil
}

func (m *MemoryStore) AddEvidence(_ context.Context, e *Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[e.DisputeID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *e
	m.evidence[e.DisputeID] = append(m.evidence[e.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) ListEvidence(_ context.Context, disputeID string) ([]*Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Evidence, 0, len(m.evidence[disputeID]))
	for _, e := range m.evidence[disputeID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) RecordVote(_ context.Context, v *Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[v.DisputeID]
	if !ok {
		return ErrDisputeNotFound
	}
	for _, existing := range m.votes[v.DisputeID] {
		if existing.VoterID == v.VoterID {
			return ErrAlreadyVoted
		}
	}
	m.votes[v.DisputeID] = append(m.votes[v.DisputeID], cloneVote(v))
	if v.Choice == ChoiceClient {
		d.VotesForClient++
	} else {
		d.VotesForFreelancer++
	}
	d.TotalVotes++
	d.UpdatedAt = v.CreatedAt
	return nil
}

func (m *MemoryStore) HasVoted(_ context.Context, disputeID, voterID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.votes[disputeID] {
		if v.VoterID == voterID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListVotes(_ context.Context, disputeID string) ([]*Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Vote, 0, len(m.votes[disputeID]))
	for _, v := range m.votes[disputeID] {
		out = append(out, cloneVote(v))
	}
	return out, nil
}

func cloneVote(v *Vote) *Vote {
	cp := *v
	if v.SuggestedSplit != nil {
		s := *v.SuggestedSplit
		cp.SuggestedSplit = &s
	}
	return &cp
}
