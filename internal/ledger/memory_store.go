package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo mode and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	escrows    map[string]*Escrow
	milestones map[string]*Milestone
	entries    map[string]*Entry  // by entry ID
	byKey      map[string]string  // idempotency key -> entry ID
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:    make(map[string]*Escrow),
		milestones: make(map[string]*Milestone),
		entries:    make(map[string]*Entry),
		byKey:      make(map[string]string),
	}
}

func (m *MemoryStore) CreateEscrow(ctx context.Context, e *Escrow, milestones []*Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.escrows[e.ID] = &cp
	for _, ms := range milestones {
		msCp := *ms
		m.milestones[ms.ID] = &msCp
	}
	return nil
}

func (m *MemoryStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) UpdateEscrowStatus(ctx context.Context, id string, status EscrowStatus, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = updatedAt
	return nil
}

func (m *MemoryStore) ListEscrowsByStatus(ctx context.Context, status EscrowStatus, olderThan time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status && e.UpdatedAt.Before(olderThan) {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.milestones[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ms
	return &cp, nil
}

func (m *MemoryStore) ListMilestones(ctx context.Context, escrowID string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Milestone
	for _, ms := range m.milestones {
		if ms.EscrowID == escrowID {
			cp := *ms
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) UpdateMilestone(ctx context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.milestones[ms.ID]; !ok {
		return ErrNotFound
	}
	cp := *ms
	m.milestones[ms.ID] = &cp
	return nil
}

func (m *MemoryStore) ListMilestonesByStatus(ctx context.Context, status MilestoneStatus, olderThan time.Time, limit int) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Milestone
	for _, ms := range m.milestones {
		if ms.Status != status {
			continue
		}
		// Milestones don't carry an updated timestamp; approximate age via
		// the release entry's creation time when present.
		requestedAt := m.releaseRequestedAtLocked(ms.ID)
		if requestedAt.IsZero() || requestedAt.Before(olderThan) {
			cp := *ms
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) releaseRequestedAtLocked(milestoneID string) time.Time {
	for _, e := range m.entries {
		if e.MilestoneID == milestoneID && e.Type == EntryRelease {
			return e.CreatedAt
		}
	}
	return time.Time{}
}

func (m *MemoryStore) InsertEntry(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byKey[e.IdempotencyKey]; exists {
		return ErrDuplicateEntry
	}
	cp := *e
	m.entries[e.ID] = &cp
	m.byKey[e.IdempotencyKey] = e.ID
	return nil
}

func (m *MemoryStore) GetEntryByKey(ctx context.Context, idempotencyKey string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.entries[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateEntry(ctx context.Context, id string, status EntryStatus, externalTransactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status == EntryConfirmed {
		if status == EntryConfirmed && (externalTransactionID == "" || externalTransactionID == e.ExternalTransactionID) {
			return nil // idempotent re-confirm
		}
		return ErrImmutable
	}
	e.Status = status
	if externalTransactionID != "" {
		e.ExternalTransactionID = externalTransactionID
	}
	return nil
}

func (m *MemoryStore) ListEntries(ctx context.Context, escrowID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.EscrowID == escrowID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListEntriesForMilestone(ctx context.Context, milestoneID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.MilestoneID == milestoneID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) SumEntries(ctx context.Context, escrowID string, typ EntryType, status EntryStatus) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, e := range m.entries {
		if e.EscrowID == escrowID && e.Type == typ && e.Status == status {
			sum += e.Amount
		}
	}
	return sum, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
