// Package gateway abstracts the external payment rail used to move real
// money: supplier payouts on milestone release and buyer refunds. The
// orchestrator and reconciliation sweep depend only on the Gateway
// interface; concrete adapters (Stripe, the in-memory fake) translate
// provider responses and errors into the normalized forms below.
package gateway

import (
	"context"
	"errors"
)

var (
	// ErrTransient marks retryable provider failures (network, 5xx, rate limit).
	ErrTransient = errors.New("gateway: transient provider error")
	// ErrTerminal marks non-retryable declines (bad account, compliance block).
	ErrTerminal = errors.New("gateway: terminal provider error")
	// ErrNotFound is returned by GetPayout for unknown external IDs.
	ErrNotFound = errors.New("gateway: payout not found")
)

// PayoutStatus is the normalized state of a money movement at the provider.
type PayoutStatus string

const (
	PayoutSucceeded PayoutStatus = "succeeded"
	PayoutPending   PayoutStatus = "pending"
	PayoutFailed    PayoutStatus = "failed"
)

// PayoutRequest describes a supplier payout.
type PayoutRequest struct {
	// IdempotencyKey is forwarded to the provider so a retried dispatch
	// cannot move money twice. Stable per milestone.
	IdempotencyKey string
	Amount         int64 // minor units
	Currency       string
	// Destination is the provider-side account the funds go to.
	Destination string
	Description string
	Metadata    map[string]string
}

// RefundRequest describes a buyer refund against an earlier deposit.
type RefundRequest struct {
	IdempotencyKey string
	Amount         int64 // minor units
	Currency       string
	// DepositRef is the external transaction ID of the confirmed deposit
	// being refunded.
	DepositRef string
	Metadata   map[string]string
}

// PayoutResult is the provider's answer, normalized.
type PayoutResult struct {
	ExternalID    string
	Status        PayoutStatus
	FailureReason string
}

// Gateway is implemented by payment-rail adapters.
type Gateway interface {
	Name() string
	CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*PayoutResult, error)
	// GetPayout fetches the current provider-side state of a payout.
	// Used by reconciliation to resolve ambiguous dispatches.
	GetPayout(ctx context.Context, externalID string) (*PayoutResult, error)
}
