// Package auth provides API authentication for paylock.
//
// Authentication model:
// - Read endpoints (escrow state, ledger history): no auth required
// - Mutations (create, fund, release, cancel, disputes): require an API key
// - Privileged operations (dispute resolution, manual reconciliation) require
//   a key carrying the matching capability scope
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrNoAPIKey      = errors.New("auth: API key required")
	ErrInvalidAPIKey = errors.New("auth: invalid or expired API key")
	ErrMissingScope  = errors.New("auth: key lacks required capability")
	ErrKeyNotFound   = errors.New("auth: API key not found")
)

// Capability scopes a key can carry.
const (
	CapDisputeResolve = "dispute:resolve"
	CapReconcile      = "reconcile:run"
)

// APIKey represents an issued API key.
type APIKey struct {
	ID           string     `json:"id"`
	Hash         string     `json:"-"` // SHA256 hash of the raw key
	Subject      string     `json:"subject"`
	Name         string     `json:"name"`
	Capabilities []string   `json:"capabilities,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastUsed     time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Revoked      bool       `json:"revoked"`
}

// HasCapability reports whether the key carries the given scope.
func (k *APIKey) HasCapability(cap string) bool {
	for _, c := range k.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetBySubject(ctx context.Context, subject string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager handles key issuance and validation.
type Manager struct {
	store Store
}

// NewManager creates a new auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey creates a new API key for a subject with the given scopes.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, subject, name string, capabilities ...string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:           "ak_" + hex.EncodeToString(b[:8]),
		Hash:         hashKey(rawKey),
		Subject:      subject,
		Name:         name,
		Capabilities: capabilities,
		CreatedAt:    time.Now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// SeedKey registers a known raw key, typically from configuration at
// startup. A no-op when the key is already stored.
func (m *Manager) SeedKey(ctx context.Context, rawKey, subject, name string, capabilities ...string) (*APIKey, error) {
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	hash := hashKey(rawKey)
	if existing, err := m.store.GetByHash(ctx, hash); err == nil {
		return existing, nil
	}

	key := &APIKey{
		ID:           "ak_" + hash[:16],
		Hash:         hash,
		Subject:      subject,
		Name:         name,
		Capabilities: capabilities,
		CreatedAt:    time.Now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey validates a raw API key and returns its metadata.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func() {
		key.LastUsed = time.Now()
		_ = m.store.Update(context.Background(), key)
	}()

	return key, nil
}

// ListKeys returns all keys for a subject.
func (m *Manager) ListKeys(ctx context.Context, subject string) ([]*APIKey, error) {
	return m.store.GetBySubject(ctx, subject)
}

// RevokeKey revokes an API key owned by subject.
func (m *Manager) RevokeKey(ctx context.Context, keyID, subject string) error {
	keys, err := m.store.GetBySubject(ctx, subject)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}

	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetBySubject(_ context.Context, subject string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.Subject == subject {
			result = append(result, k)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
