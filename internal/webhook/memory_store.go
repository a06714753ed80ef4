package webhook

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory delivery store for demo mode and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	deliveries map[string]*Delivery // by delivery ID
	byEvent    map[string]string    // provider + "\x00" + external event ID -> delivery ID
}

// NewMemoryStore creates a new in-memory webhook store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deliveries: make(map[string]*Delivery),
		byEvent:    make(map[string]string),
	}
}

func eventKey(provider, externalEventID string) string {
	return provider + "\x00" + externalEventID
}

func (m *MemoryStore) Insert(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := eventKey(d.Provider, d.ExternalEventID)
	if _, exists := m.byEvent[key]; exists {
		return ErrDuplicateDelivery
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	m.byEvent[key] = d.ID
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deliveries[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Delivery
	for _, d := range m.deliveries {
		if d.Status == DeliveryFailed && d.NextAttemptAt != nil && !d.NextAttemptAt.After(now) {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NextAttemptAt.Before(*result[j].NextAttemptAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
