package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/paylock/internal/escrow"
	"github.com/mbd888/paylock/internal/idgen"
	"github.com/mbd888/paylock/internal/ledger"
	"github.com/mbd888/paylock/internal/metrics"
	"github.com/mbd888/paylock/internal/retry"
)

// Applier is the escrow-side surface webhook events land on. The
// orchestrator implements it.
type Applier interface {
	ApplyDeposit(ctx context.Context, escrowID string, amount int64, externalTxID, eventKey string) error
	ConfirmRelease(ctx context.Context, escrowID, milestoneID, externalID string) error
	MarkReleaseFailed(ctx context.Context, escrowID, milestoneID, reason string) error
}

// Ingestor verifies, records, and processes provider webhooks.
type Ingestor struct {
	store   Store
	applier Applier
	logger  *slog.Logger

	// secrets maps provider name to its HMAC signing secret. A provider
	// without a secret is unknown.
	secrets map[string]string

	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
}

// NewIngestor creates a webhook ingestor.
func NewIngestor(store Store, applier Applier, secrets map[string]string) *Ingestor {
	return &Ingestor{
		store:      store,
		applier:    applier,
		logger:     slog.Default(),
		secrets:    secrets,
		maxRetries: 8,
		retryBase:  30 * time.Second,
		retryCap:   time.Hour,
	}
}

// WithLogger sets the structured logger.
func (i *Ingestor) WithLogger(logger *slog.Logger) *Ingestor {
	i.logger = logger
	return i
}

// WithRetryPolicy sets the reprocessing schedule for failed deliveries.
func (i *Ingestor) WithRetryPolicy(maxRetries int, base, cap time.Duration) *Ingestor {
	if maxRetries > 0 {
		i.maxRetries = maxRetries
	}
	if base > 0 {
		i.retryBase = base
	}
	if cap > 0 {
		i.retryCap = cap
	}
	return i
}

// Verify checks the hex-encoded HMAC-SHA256 signature over the raw body.
func (i *Ingestor) Verify(provider, signature string, body []byte) error {
	secret, ok := i.secrets[provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	sig, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(sig, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Ingest verifies and records one delivery, then processes it inline. A
// replayed event ID is acknowledged without reprocessing. Processing
// failures are absorbed: the delivery is parked with a cooldown and the
// sweep retries it, so the provider never sees a 5xx for our own faults.
func (i *Ingestor) Ingest(ctx context.Context, provider, signature string, body []byte) error {
	if err := i.Verify(provider, signature, body); err != nil {
		result := "bad_signature"
		if errors.Is(err, ErrUnknownProvider) {
			result = "unknown_provider"
		}
		metrics.WebhookEventsTotal.WithLabelValues(provider, result).Inc()
		return err
	}

	env, err := parseEnvelope(body)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(provider, "malformed").Inc()
		return err
	}

	d := &Delivery{
		ID:              idgen.WithPrefix("whd_"),
		Provider:        provider,
		ExternalEventID: env.ID,
		EventType:       env.Type,
		Payload:         body,
		Status:          DeliveryReceived,
		ReceivedAt:      time.Now(),
	}
	if err := i.store.Insert(ctx, d); err != nil {
		if errors.Is(err, ErrDuplicateDelivery) {
			metrics.WebhookEventsTotal.WithLabelValues(provider, "duplicate").Inc()
			i.logger.Debug("replayed webhook acknowledged",
				"provider", provider, "event_id", env.ID)
			return nil
		}
		return err
	}

	i.Process(ctx, d)
	return nil
}

// Process applies one delivery and records the outcome. Called by Ingest for
// fresh deliveries and by the sweep for due retries.
func (i *Ingestor) Process(ctx context.Context, d *Delivery) {
	err := i.apply(ctx, d)
	now := time.Now()

	switch {
	case err == nil:
		d.Status = DeliveryProcessed
		d.ProcessedAt = &now
		d.LastError = ""
		d.NextAttemptAt = nil
		metrics.WebhookEventsTotal.WithLabelValues(d.Provider, "processed").Inc()
	case errors.Is(err, errIgnored):
		d.Status = DeliveryProcessed
		d.ProcessedAt = &now
		d.LastError = err.Error()
		d.NextAttemptAt = nil
		metrics.WebhookEventsTotal.WithLabelValues(d.Provider, "ignored").Inc()
		i.logger.Warn("webhook event ignored",
			"provider", d.Provider, "event_id", d.ExternalEventID, "type", d.EventType, "reason", err)
	default:
		d.Attempts++
		d.LastError = err.Error()
		if d.Attempts >= i.maxRetries {
			d.Status = DeliveryDead
			d.NextAttemptAt = nil
			metrics.WebhookEventsTotal.WithLabelValues(d.Provider, "dead").Inc()
			i.logger.Error("webhook delivery dead after retries",
				"provider", d.Provider, "event_id", d.ExternalEventID, "attempts", d.Attempts, "error", err)
		} else {
			next := now.Add(retry.Cooldown(i.retryBase, d.Attempts-1, i.retryCap))
			d.Status = DeliveryFailed
			d.NextAttemptAt = &next
			metrics.WebhookEventsTotal.WithLabelValues(d.Provider, "retry").Inc()
			i.logger.Warn("webhook processing failed, will retry",
				"provider", d.Provider, "event_id", d.ExternalEventID,
				"attempts", d.Attempts, "next_attempt", next, "error", err)
		}
	}

	if err := i.store.Update(ctx, d); err != nil {
		i.logger.Error("failed to persist delivery outcome",
			"delivery_id", d.ID, "error", err)
	}
}

// errIgnored marks events that are accepted but deliberately not applied.
var errIgnored = errors.New("event not applicable")

func (i *Ingestor) apply(ctx context.Context, d *Delivery) error {
	env, err := parseEnvelope(d.Payload)
	if err != nil {
		return fmt.Errorf("%w: unparseable payload", errIgnored)
	}

	// The dedup key for ledger writes is the provider event ID, so a
	// reprocessed delivery lands on the same rows.
	eventKey := d.Provider + ":" + env.ID

	switch env.Type {
	case EventDepositConfirmed:
		var ev DepositConfirmed
		if err := json.Unmarshal(env.Data, &ev); err != nil || ev.EscrowID == "" || ev.Amount <= 0 {
			return fmt.Errorf("%w: bad deposit payload", errIgnored)
		}
		err := i.applier.ApplyDeposit(ctx, ev.EscrowID, ev.Amount, ev.TransactionID, eventKey)
		return classifyApplyErr(err)

	case EventPayoutSucceeded:
		var ev PayoutSucceeded
		if err := json.Unmarshal(env.Data, &ev); err != nil || ev.EscrowID == "" || ev.MilestoneID == "" {
			return fmt.Errorf("%w: bad payout payload", errIgnored)
		}
		err := i.applier.ConfirmRelease(ctx, ev.EscrowID, ev.MilestoneID, ev.TransactionID)
		return classifyApplyErr(err)

	case EventPayoutFailed:
		var ev PayoutFailed
		if err := json.Unmarshal(env.Data, &ev); err != nil || ev.EscrowID == "" || ev.MilestoneID == "" {
			return fmt.Errorf("%w: bad payout payload", errIgnored)
		}
		err := i.applier.MarkReleaseFailed(ctx, ev.EscrowID, ev.MilestoneID, ev.Reason)
		return classifyApplyErr(err)

	default:
		return fmt.Errorf("%w: unhandled event type %q", errIgnored, env.Type)
	}
}

// classifyApplyErr decides whether an apply failure is worth retrying.
// Unknown escrows may be out-of-order deliveries, so they retry; state
// conflicts mean the event arrived after the fact and will never apply.
func classifyApplyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return err // retryable: the event may have outrun its escrow
	}
	if errors.Is(err, ledger.ErrValidation) || errors.Is(err, ledger.ErrImmutable) || errors.Is(err, escrow.ErrInvalidState) {
		return fmt.Errorf("%w: %v", errIgnored, err)
	}
	return err
}
