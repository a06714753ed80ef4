// Package webhook ingests provider event notifications: buyer deposits
// confirming, payouts succeeding or failing. Providers deliver at least
// once and out of order, so ingestion is built around one rule: the
// delivery row keyed by (provider, external event ID) is inserted exactly
// once, and only the inserter (or the retry sweep) processes it. Replays
// hit the unique key and are acknowledged without effect.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("webhook: delivery not found")
	ErrDuplicateDelivery = errors.New("webhook: duplicate delivery")
	ErrUnknownProvider   = errors.New("webhook: unknown provider")
	ErrBadSignature      = errors.New("webhook: signature verification failed")
	ErrMalformed         = errors.New("webhook: malformed event payload")
)

// DeliveryStatus tracks a delivery through processing.
type DeliveryStatus string

const (
	DeliveryReceived  DeliveryStatus = "received"
	DeliveryProcessed DeliveryStatus = "processed"
	DeliveryFailed    DeliveryStatus = "failed" // retryable, sweep picks it up
	DeliveryDead      DeliveryStatus = "dead"   // retries exhausted, operator needed
)

// Delivery is one recorded webhook event. Its (Provider, ExternalEventID)
// pair is unique; the insert of this row is the dedup gate.
type Delivery struct {
	ID              string         `json:"id"`
	Provider        string         `json:"provider"`
	ExternalEventID string         `json:"externalEventId"`
	EventType       string         `json:"eventType"`
	Payload         []byte         `json:"-"`
	Status          DeliveryStatus `json:"status"`
	Attempts        int            `json:"attempts"`
	NextAttemptAt   *time.Time     `json:"nextAttemptAt,omitempty"`
	LastError       string         `json:"lastError,omitempty"`
	ReceivedAt      time.Time      `json:"receivedAt"`
	ProcessedAt     *time.Time     `json:"processedAt,omitempty"`
}

// Store persists webhook deliveries.
type Store interface {
	// Insert returns ErrDuplicateDelivery when (provider, externalEventID)
	// already exists.
	Insert(ctx context.Context, d *Delivery) error
	Update(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, error)
	// ListDue returns failed deliveries whose next attempt is due.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
}

// Event types the engine understands.
const (
	EventDepositConfirmed = "deposit.confirmed"
	EventPayoutSucceeded  = "payout.succeeded"
	EventPayoutFailed     = "payout.failed"
)

// envelope is the common outer shape of provider events.
type envelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DepositConfirmed reports a buyer deposit that settled.
type DepositConfirmed struct {
	EscrowID      string `json:"escrowId"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transactionId"`
}

// PayoutSucceeded reports a supplier payout that settled.
type PayoutSucceeded struct {
	EscrowID      string `json:"escrowId"`
	MilestoneID   string `json:"milestoneId"`
	TransactionID string `json:"transactionId"`
}

// PayoutFailed reports a payout the provider gave up on.
type PayoutFailed struct {
	EscrowID    string `json:"escrowId"`
	MilestoneID string `json:"milestoneId"`
	Reason      string `json:"reason"`
}

// parseEnvelope validates the outer event shape.
func parseEnvelope(payload []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing event id or type", ErrMalformed)
	}
	return &env, nil
}
