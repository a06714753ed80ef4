package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/paylock/internal/gateway"
	"github.com/mbd888/paylock/internal/ledger"
	"github.com/mbd888/paylock/internal/metrics"
	"github.com/mbd888/paylock/internal/retry"
	"github.com/mbd888/paylock/internal/traces"
)

// dispatchTimeout bounds one async dispatch including its retries.
const dispatchTimeout = 5 * time.Minute

// dispatch runs DispatchPayout, in the background unless syncDispatch is set.
func (o *Orchestrator) dispatch(escrowID, milestoneID string) {
	if o.syncDispatch {
		_ = o.DispatchPayout(context.Background(), escrowID, milestoneID)
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("panic in payout dispatch",
					"escrow_id", escrowID, "milestone_id", milestoneID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		_ = o.DispatchPayout(ctx, escrowID, milestoneID)
	}()
}

// DispatchPayout sends one milestone's payout to the gateway with retries.
// Transient failures are retried with backoff; if they persist the milestone
// stays in release_requested and the reconciliation sweep picks it up later.
// Terminal declines park the milestone in release_failed. The idempotency key
// is stable per milestone, so however many times this runs the provider moves
// the money at most once.
func (o *Orchestrator) DispatchPayout(ctx context.Context, escrowID, milestoneID string) error {
	ctx, span := traces.StartSpan(ctx, "escrow.dispatch_payout",
		traces.EscrowID(escrowID), traces.MilestoneID(milestoneID), traces.Provider(o.gw.Name()))
	defer span.End()

	e, err := o.ledger.GetEscrow(ctx, escrowID)
	if err != nil {
		return err
	}
	m, err := o.ledger.GetMilestone(ctx, milestoneID)
	if err != nil {
		return err
	}
	if m.Status != ledger.MilestoneReleaseRequested {
		return nil // resolved by a webhook or another dispatcher in the meantime
	}

	entry, err := o.ledger.GetEntryByKey(ctx, releaseKey(m.ID))
	if err != nil {
		return err
	}
	if entry.Status == ledger.EntryConfirmed {
		// Money already moved; only the milestone row is behind.
		return o.ConfirmRelease(ctx, escrowID, milestoneID, entry.ExternalTransactionID)
	}

	dest, err := o.accounts.SupplierAccount(ctx, e.SupplierID)
	if err != nil {
		return fmt.Errorf("resolve supplier account: %w", err)
	}

	var result *gateway.PayoutResult
	err = retry.Do(ctx, o.maxRetries, o.retryBase, func() error {
		r, err := o.gw.CreatePayout(ctx, gateway.PayoutRequest{
			IdempotencyKey: entry.IdempotencyKey,
			Amount:         m.Amount,
			Currency:       e.Currency,
			Destination:    dest,
			Description:    "milestone " + m.ID,
			Metadata: map[string]string{
				"escrow_id":    e.ID,
				"milestone_id": m.ID,
			},
		})
		if err != nil {
			if errors.Is(err, gateway.ErrTerminal) {
				return retry.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if errors.Is(err, gateway.ErrTerminal) {
			metrics.PayoutsTotal.WithLabelValues(o.gw.Name(), "failed").Inc()
			return o.MarkReleaseFailed(ctx, escrowID, milestoneID, err.Error())
		}
		metrics.PayoutsTotal.WithLabelValues(o.gw.Name(), "error").Inc()
		o.logger.Warn("payout dispatch exhausted retries, leaving for reconciliation",
			"escrow_id", escrowID, "milestone_id", milestoneID, "error", err)
		return err
	}

	switch result.Status {
	case gateway.PayoutSucceeded:
		metrics.PayoutsTotal.WithLabelValues(o.gw.Name(), "succeeded").Inc()
		return o.ConfirmRelease(ctx, escrowID, milestoneID, result.ExternalID)
	case gateway.PayoutPending:
		metrics.PayoutsTotal.WithLabelValues(o.gw.Name(), "pending").Inc()
		// Remember the provider ID so reconciliation can chase it; the
		// payout.succeeded webhook finishes the release.
		return o.ledger.RecordExternalRef(ctx, entry.ID, result.ExternalID)
	default:
		metrics.PayoutsTotal.WithLabelValues(o.gw.Name(), "failed").Inc()
		return o.MarkReleaseFailed(ctx, escrowID, milestoneID, result.FailureReason)
	}
}

// dispatchRefund sends a recorded refund entry to the gateway. The refund is
// drawn against the escrow's original confirmed deposit.
func (o *Orchestrator) dispatchRefund(ctx context.Context, escrowID string, entry *ledger.Entry) error {
	if entry == nil || entry.Status != ledger.EntryPending {
		return nil
	}

	ctx, span := traces.StartSpan(ctx, "escrow.dispatch_refund",
		traces.EscrowID(escrowID), traces.Amount(entry.Amount), traces.Provider(o.gw.Name()))
	defer span.End()

	e, err := o.ledger.GetEscrow(ctx, escrowID)
	if err != nil {
		return err
	}

	depositRef, err := o.depositRef(ctx, escrowID)
	if err != nil {
		return err
	}

	var result *gateway.PayoutResult
	err = retry.Do(ctx, o.maxRetries, o.retryBase, func() error {
		r, err := o.gw.CreateRefund(ctx, gateway.RefundRequest{
			IdempotencyKey: entry.IdempotencyKey,
			Amount:         entry.Amount,
			Currency:       e.Currency,
			DepositRef:     depositRef,
			Metadata:       map[string]string{"escrow_id": e.ID},
		})
		if err != nil {
			if errors.Is(err, gateway.ErrTerminal) {
				return retry.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if errors.Is(err, gateway.ErrTerminal) {
			metrics.PayoutsTotal.WithLabelValues(o.gw.Name(), "failed").Inc()
			if failErr := o.ledger.FailEntry(ctx, entry.ID); failErr != nil && !errors.Is(failErr, ledger.ErrImmutable) {
				return failErr
			}
		}
		return err
	}

	switch result.Status {
	case gateway.PayoutSucceeded:
		metrics.PayoutsTotal.WithLabelValues(o.gw.Name(), "succeeded").Inc()
		return o.ledger.ConfirmEntry(ctx, entry.ID, result.ExternalID)
	case gateway.PayoutPending:
		metrics.PayoutsTotal.WithLabelValues(o.gw.Name(), "pending").Inc()
		return o.ledger.RecordExternalRef(ctx, entry.ID, result.ExternalID)
	default:
		metrics.PayoutsTotal.WithLabelValues(o.gw.Name(), "failed").Inc()
		return o.ledger.FailEntry(ctx, entry.ID)
	}
}

// depositRef returns the external transaction ID of the escrow's first
// confirmed deposit, which refunds are drawn against.
func (o *Orchestrator) depositRef(ctx context.Context, escrowID string) (string, error) {
	entries, err := o.ledger.ListEntries(ctx, escrowID)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Type == ledger.EntryFund && e.Status == ledger.EntryConfirmed && e.ExternalTransactionID != "" {
			return e.ExternalTransactionID, nil
		}
	}
	return "", fmt.Errorf("%w: escrow %s has no confirmed deposit to refund against",
		ErrInvalidState, escrowID)
}
