package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "buy_acme00000001", "Test key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("expected raw key to start with sk_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "sk_" + 64 hex chars
		t.Errorf("expected raw key length 67, got %d", len(rawKey))
	}
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("expected key ID to start with ak_, got %s", key.ID)
	}
	if key.Subject != "buy_acme00000001" {
		t.Errorf("expected subject buy_acme00000001, got %s", key.Subject)
	}
	if key.HasCapability(CapDisputeResolve) {
		t.Error("plain key should carry no capabilities")
	}
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "sup_widgets00001", "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed for valid key: %v", err)
	}
	if key.Subject != "sup_widgets00001" {
		t.Errorf("expected subject sup_widgets00001, got %s", key.Subject)
	}

	if _, err := mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, "sk_0000000000000000000000000000000000000000000000000000000000000000"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey for wrong key, got %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, ""); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey for empty key, got %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, "not_a_valid_key"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey for malformed key, got %v", err)
	}
}

func TestValidateRevokedAndExpired(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "buy_acme00000001", "Doomed")
	if err := mgr.RevokeKey(ctx, key.ID, "buy_acme00000001"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey for revoked key, got %v", err)
	}

	rawKey2, key2, _ := mgr.GenerateKey(ctx, "buy_acme00000001", "Expired")
	past := time.Now().Add(-time.Hour)
	key2.ExpiresAt = &past
	if _, err := mgr.ValidateKey(ctx, rawKey2); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey for expired key, got %v", err)
	}
}

func TestCapabilityScopes(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "ops_arbiter01", "Arbiter", CapDisputeResolve)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if !key.HasCapability(CapDisputeResolve) {
		t.Error("expected dispute:resolve capability")
	}
	if key.HasCapability(CapReconcile) {
		t.Error("unexpected reconcile capability")
	}
}
