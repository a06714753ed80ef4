package dispute

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory dispute store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (s *MemoryStore) Create(_ context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Status == StatusOpen {
		for _, prior := range s.disputes {
			if prior.MilestoneID == d.MilestoneID && prior.Status == StatusOpen {
				return ErrAlreadyOpen
			}
		}
	}
	cp := *d
	s.disputes[d.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) GetOpenByMilestone(_ context.Context, milestoneID string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.disputes {
		if d.MilestoneID == milestoneID && d.Status == StatusOpen {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Update(_ context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	s.disputes[d.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByEscrow(_ context.Context, escrowID string) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Dispute
	for _, d := range s.disputes {
		if d.EscrowID == escrowID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}
