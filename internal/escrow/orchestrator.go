// Package escrow drives milestone escrows through their lifecycle:
// creation, buyer funding, per-milestone release to the supplier, refunds,
// disputes, cancellation, and expiry.
//
// Flow:
//  1. Buyer and supplier agree terms → escrow created with milestones
//  2. Buyer deposits the total → escrow funded (deposits arrive by webhook)
//  3. Buyer approves a milestone → payout dispatched to the supplier
//  4. Gateway confirms → milestone released; all settled → escrow closed
//  5. Buyer disputes a milestone → releases for it blocked until resolved
//
// Every multi-step transition runs under the ledger's per-escrow lock, so
// concurrent operations on one escrow serialize instead of interleaving.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/paylock/internal/gateway"
	"github.com/mbd888/paylock/internal/ledger"
	"github.com/mbd888/paylock/internal/metrics"
	"github.com/mbd888/paylock/internal/traces"
)

var (
	ErrInvalidState = errors.New("escrow: operation not allowed in current state")
	ErrDisputed     = errors.New("escrow: milestone is under dispute")
)

// DefaultFundingTimeout is how long an escrow may sit unfunded before expiry.
const DefaultFundingTimeout = 72 * time.Hour

// AccountDirectory resolves a supplier ID to its provider-side account.
type AccountDirectory interface {
	SupplierAccount(ctx context.Context, supplierID string) (string, error)
}

// StaticDirectory treats supplier IDs as provider account references
// directly. Used in demo mode and tests.
type StaticDirectory struct{}

func (StaticDirectory) SupplierAccount(_ context.Context, supplierID string) (string, error) {
	return supplierID, nil
}

// FundingInstructions tell the buyer how to move the deposit.
type FundingInstructions struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// Orchestrator coordinates the ledger and the payment gateway.
type Orchestrator struct {
	ledger   *ledger.Service
	gw       gateway.Gateway
	logger   *slog.Logger
	notifier Notifier
	accounts AccountDirectory

	maxRetries     int
	retryBase      time.Duration
	fundingTimeout time.Duration

	// syncDispatch makes payout dispatch run inline instead of in a
	// goroutine. Tests use it; production keeps the API path fast.
	syncDispatch bool
	wg           sync.WaitGroup
}

// NewOrchestrator creates an orchestrator with default retry policy.
func NewOrchestrator(l *ledger.Service, gw gateway.Gateway) *Orchestrator {
	return &Orchestrator{
		ledger:         l,
		gw:             gw,
		logger:         slog.Default(),
		notifier:       NopNotifier{},
		accounts:       StaticDirectory{},
		maxRetries:     3,
		retryBase:      2 * time.Second,
		fundingTimeout: DefaultFundingTimeout,
	}
}

// WithLogger sets the structured logger.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger
	return o
}

// WithNotifier adds an event notifier.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// WithAccounts sets the supplier account directory.
func (o *Orchestrator) WithAccounts(d AccountDirectory) *Orchestrator {
	o.accounts = d
	return o
}

// WithRetryPolicy sets gateway dispatch retry attempts and base backoff.
func (o *Orchestrator) WithRetryPolicy(maxRetries int, base time.Duration) *Orchestrator {
	if maxRetries > 0 {
		o.maxRetries = maxRetries
	}
	if base > 0 {
		o.retryBase = base
	}
	return o
}

// WithFundingTimeout sets how long escrows may wait for funding.
func (o *Orchestrator) WithFundingTimeout(d time.Duration) *Orchestrator {
	if d > 0 {
		o.fundingTimeout = d
	}
	return o
}

// WithSyncDispatch makes payout dispatch synchronous (tests).
func (o *Orchestrator) WithSyncDispatch() *Orchestrator {
	o.syncDispatch = true
	return o
}

// Wait blocks until in-flight async dispatches finish. Called on shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func releaseKey(milestoneID string) string { return "release:" + milestoneID }
func refundKey(milestoneID string) string  { return "refund:" + milestoneID }

// Create creates an escrow with its milestone schedule.
func (o *Orchestrator) Create(ctx context.Context, req ledger.CreateEscrowRequest) (*ledger.Escrow, []*ledger.Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create", traces.Amount(req.Total))
	defer span.End()

	e, milestones, err := o.ledger.CreateEscrow(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	o.logger.Info("escrow created",
		"escrow_id", e.ID, "buyer", e.BuyerID, "supplier", e.SupplierID,
		"total", e.TotalAmount, "currency", e.Currency, "milestones", len(milestones))
	o.transitionMetric(ledger.EscrowCreated)
	o.notify(ctx, Event{Type: EventEscrowCreated, EscrowID: e.ID, Status: string(e.Status), Amount: e.TotalAmount})

	return e, milestones, nil
}

// InitiateFunding moves a created escrow to funding_pending and returns the
// deposit instructions the buyer should use.
func (o *Orchestrator) InitiateFunding(ctx context.Context, escrowID string) (*ledger.Escrow, *FundingInstructions, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.initiate_funding", traces.EscrowID(escrowID))
	defer span.End()

	var e *ledger.Escrow
	err := o.ledger.WithEscrowLock(ctx, escrowID, func() error {
		var err error
		e, err = o.ledger.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		switch e.Status {
		case ledger.EscrowCreated:
		case ledger.EscrowFundingPending:
			return nil // already initiated; instructions are stable
		default:
			return fmt.Errorf("%w: cannot initiate funding from %s", ErrInvalidState, e.Status)
		}
		if err := o.ledger.UpdateEscrowStatus(ctx, e.ID, ledger.EscrowFundingPending); err != nil {
			return err
		}
		e.Status = ledger.EscrowFundingPending
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	o.transitionMetric(ledger.EscrowFundingPending)
	o.notify(ctx, Event{Type: EventFundingInitiated, EscrowID: e.ID, Status: string(e.Status)})

	return e, &FundingInstructions{
		Reference: "fund:" + e.ID,
		Amount:    e.TotalAmount,
		Currency:  e.Currency,
	}, nil
}

// ApplyDeposit records a confirmed buyer deposit reported by the gateway.
// Deposits may arrive in parts; once the confirmed total covers the escrow
// amount the escrow becomes funded. eventKey is the provider's event ID, so
// a replayed webhook lands on the same ledger row.
func (o *Orchestrator) ApplyDeposit(ctx context.Context, escrowID string, amount int64, externalTxID, eventKey string) error {
	ctx, span := traces.StartSpan(ctx, "escrow.apply_deposit",
		traces.EscrowID(escrowID), traces.Amount(amount))
	defer span.End()

	return o.ledger.WithEscrowLock(ctx, escrowID, func() error {
		e, err := o.ledger.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if e.Status.IsTerminal() {
			return fmt.Errorf("%w: deposit for settled escrow %s", ErrInvalidState, e.ID)
		}

		_, existed, err := o.ledger.AppendEntry(ctx, ledger.AppendRequest{
			EscrowID:              e.ID,
			Type:                  ledger.EntryFund,
			Amount:                amount,
			ExternalTransactionID: externalTxID,
			Status:                ledger.EntryConfirmed,
			IdempotencyKey:        "fund:" + eventKey,
		})
		if err != nil {
			return err
		}
		if existed {
			return nil // replayed deposit event
		}

		if e.Status != ledger.EscrowCreated && e.Status != ledger.EscrowFundingPending {
			// Late or extra deposit: recorded in the ledger, escrow state unchanged.
			o.logger.Warn("deposit on escrow past funding",
				"escrow_id", e.ID, "status", e.Status, "amount", amount)
			return nil
		}

		deposited, err := o.ledger.SumConfirmed(ctx, e.ID, ledger.EntryFund)
		if err != nil {
			return err
		}
		if deposited < e.TotalAmount {
			o.logger.Info("partial deposit recorded",
				"escrow_id", e.ID, "deposited", deposited, "total", e.TotalAmount)
			return nil
		}

		if err := o.ledger.UpdateEscrowStatus(ctx, e.ID, ledger.EscrowFunded); err != nil {
			return err
		}
		o.logger.Info("escrow funded", "escrow_id", e.ID, "deposited", deposited)
		o.transitionMetric(ledger.EscrowFunded)
		o.notify(ctx, Event{Type: EventEscrowFunded, EscrowID: e.ID, Status: string(ledger.EscrowFunded), Amount: deposited})
		return nil
	})
}

// RequestRelease starts the payout of one milestone to the supplier. The
// milestone moves to release_requested and the gateway dispatch runs in the
// background; confirmation arrives via dispatch result or provider webhook.
func (o *Orchestrator) RequestRelease(ctx context.Context, escrowID, milestoneID string) (*ledger.Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.request_release",
		traces.EscrowID(escrowID), traces.MilestoneID(milestoneID))
	defer span.End()

	var m *ledger.Milestone
	err := o.ledger.WithEscrowLock(ctx, escrowID, func() error {
		e, err := o.ledger.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		switch e.Status {
		case ledger.EscrowFunded, ledger.EscrowPartiallyReleased:
		case ledger.EscrowDisputed:
			// A dispute freezes only its own milestone; the per-milestone
			// check below rejects the disputed one and the rest stay
			// independently releasable.
		default:
			return fmt.Errorf("%w: escrow %s is %s, releases need a funded escrow",
				ErrInvalidState, e.ID, e.Status)
		}

		m, err = o.ledger.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.EscrowID != e.ID {
			return fmt.Errorf("%w: milestone %s does not belong to escrow %s",
				ledger.ErrValidation, milestoneID, escrowID)
		}
		switch m.Status {
		case ledger.MilestonePending:
		case ledger.MilestoneDisputed:
			return fmt.Errorf("%w: milestone %s", ErrDisputed, m.ID)
		default:
			return fmt.Errorf("%w: milestone %s is %s", ErrInvalidState, m.ID, m.Status)
		}

		if _, _, err := o.ledger.AppendEntry(ctx, ledger.AppendRequest{
			EscrowID:       e.ID,
			MilestoneID:    m.ID,
			Type:           ledger.EntryRelease,
			Amount:         m.Amount,
			IdempotencyKey: releaseKey(m.ID),
		}); err != nil {
			return err
		}

		m.Status = ledger.MilestoneReleaseRequested
		return o.ledger.UpdateMilestone(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("release requested", "escrow_id", escrowID, "milestone_id", milestoneID, "amount", m.Amount)
	o.notify(ctx, Event{Type: EventReleaseRequested, EscrowID: escrowID, MilestoneID: milestoneID,
		Status: string(m.Status), Amount: m.Amount})

	o.dispatch(escrowID, milestoneID)
	return m, nil
}

// ConfirmRelease finalizes a milestone release once the gateway confirms the
// payout. Safe to call more than once; the confirmed entry absorbs replays.
func (o *Orchestrator) ConfirmRelease(ctx context.Context, escrowID, milestoneID, externalID string) error {
	ctx, span := traces.StartSpan(ctx, "escrow.confirm_release",
		traces.EscrowID(escrowID), traces.MilestoneID(milestoneID))
	defer span.End()

	var amount int64
	err := o.ledger.WithEscrowLock(ctx, escrowID, func() error {
		m, err := o.ledger.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.Status == ledger.MilestoneReleased {
			return nil // already confirmed
		}
		if m.Status != ledger.MilestoneReleaseRequested {
			return fmt.Errorf("%w: cannot confirm release of %s milestone %s",
				ErrInvalidState, m.Status, m.ID)
		}

		entry, err := o.ledger.GetEntryByKey(ctx, releaseKey(m.ID))
		if err != nil {
			return err
		}
		if err := o.ledger.ConfirmEntry(ctx, entry.ID, externalID); err != nil {
			return err
		}

		now := time.Now()
		m.Status = ledger.MilestoneReleased
		m.ReleasedAt = &now
		m.ExternalRef = externalID
		if err := o.ledger.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		amount = m.Amount

		return o.recomputeLocked(ctx, escrowID)
	})
	if err != nil {
		return err
	}

	if amount > 0 {
		o.logger.Info("milestone released",
			"escrow_id", escrowID, "milestone_id", milestoneID, "external_id", externalID)
		o.notify(ctx, Event{Type: EventReleased, EscrowID: escrowID, MilestoneID: milestoneID,
			Status: string(ledger.MilestoneReleased), Amount: amount})
	}
	return nil
}

// MarkReleaseFailed records a terminal payout failure. The milestone parks in
// release_failed for an operator; the funds stay escrowed.
func (o *Orchestrator) MarkReleaseFailed(ctx context.Context, escrowID, milestoneID, reason string) error {
	err := o.ledger.WithEscrowLock(ctx, escrowID, func() error {
		m, err := o.ledger.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.Status == ledger.MilestoneReleaseFailed {
			return nil
		}
		if m.Status != ledger.MilestoneReleaseRequested {
			return fmt.Errorf("%w: cannot fail release of %s milestone %s",
				ErrInvalidState, m.Status, m.ID)
		}

		if entry, err := o.ledger.GetEntryByKey(ctx, releaseKey(m.ID)); err == nil {
			if err := o.ledger.FailEntry(ctx, entry.ID); err != nil && !errors.Is(err, ledger.ErrImmutable) {
				return err
			}
		}

		m.Status = ledger.MilestoneReleaseFailed
		return o.ledger.UpdateMilestone(ctx, m)
	})
	if err != nil {
		return err
	}

	o.logger.Error("milestone release failed terminally",
		"escrow_id", escrowID, "milestone_id", milestoneID, "reason", reason)
	o.notify(ctx, Event{Type: EventReleaseFailed, EscrowID: escrowID, MilestoneID: milestoneID,
		Status: string(ledger.MilestoneReleaseFailed), Reason: reason})
	return nil
}

// MarkDisputed freezes a pending milestone and flags the escrow as disputed;
// the escrow's other milestones remain releasable. Milestones already
// dispatched or settled cannot be disputed: once a payout is in flight it is
// irrevocable, so the dispute window closes at release request.
func (o *Orchestrator) MarkDisputed(ctx context.Context, escrowID, milestoneID, reason string) error {
	err := o.ledger.WithEscrowLock(ctx, escrowID, func() error {
		e, err := o.ledger.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if e.Status.IsTerminal() {
			return fmt.Errorf("%w: escrow %s is settled", ErrInvalidState, e.ID)
		}

		m, err := o.ledger.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.EscrowID != e.ID {
			return fmt.Errorf("%w: milestone %s does not belong to escrow %s",
				ledger.ErrValidation, milestoneID, escrowID)
		}
		switch m.Status {
		case ledger.MilestonePending:
		case ledger.MilestoneDisputed:
			return fmt.Errorf("%w: milestone %s", ErrDisputed, m.ID)
		default:
			return fmt.Errorf("%w: only pending milestones can be disputed, %s is %s",
				ErrInvalidState, m.ID, m.Status)
		}

		m.Status = ledger.MilestoneDisputed
		if err := o.ledger.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		return o.recomputeLocked(ctx, escrowID)
	})
	if err != nil {
		return err
	}

	o.logger.Info("milestone disputed", "escrow_id", escrowID, "milestone_id", milestoneID, "reason", reason)
	o.notify(ctx, Event{Type: EventDisputeOpened, EscrowID: escrowID, MilestoneID: milestoneID,
		Status: string(ledger.MilestoneDisputed), Reason: reason})
	return nil
}

// ResolveDisputeRelease resolves a dispute in the supplier's favor: the
// milestone re-enters the release path and a payout is dispatched.
func (o *Orchestrator) ResolveDisputeRelease(ctx context.Context, escrowID, milestoneID string) error {
	err := o.ledger.WithEscrowLock(ctx, escrowID, func() error {
		m, err := o.ledger.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.Status != ledger.MilestoneDisputed {
			return fmt.Errorf("%w: milestone %s is %s, not disputed", ErrInvalidState, m.ID, m.Status)
		}

		if _, _, err := o.ledger.AppendEntry(ctx, ledger.AppendRequest{
			EscrowID:       escrowID,
			MilestoneID:    m.ID,
			Type:           ledger.EntryRelease,
			Amount:         m.Amount,
			IdempotencyKey: releaseKey(m.ID),
		}); err != nil {
			return err
		}

		m.Status = ledger.MilestoneReleaseRequested
		if err := o.ledger.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		return o.recomputeLocked(ctx, escrowID)
	})
	if err != nil {
		return err
	}

	o.notify(ctx, Event{Type: EventDisputeResolved, EscrowID: escrowID, MilestoneID: milestoneID,
		Status: string(ledger.MilestoneReleaseRequested)})
	o.dispatch(escrowID, milestoneID)
	return nil
}

// ResolveDisputeRefund resolves a dispute in the buyer's favor: the milestone
// amount is refunded against the original deposit. The milestone is marked
// refunded as soon as the movement is recorded; the ledger entry tracks the
// money until the provider confirms, and reconciliation chases it if needed.
func (o *Orchestrator) ResolveDisputeRefund(ctx context.Context, escrowID, milestoneID string) error {
	var refundEntry *ledger.Entry
	var amount int64
	err := o.ledger.WithEscrowLock(ctx, escrowID, func() error {
		m, err := o.ledger.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.Status != ledger.MilestoneDisputed {
			return fmt.Errorf("%w: milestone %s is %s, not disputed", ErrInvalidState, m.ID, m.Status)
		}

		entry, _, err := o.ledger.AppendEntry(ctx, ledger.AppendRequest{
			EscrowID:       escrowID,
			MilestoneID:    m.ID,
			Type:           ledger.EntryRefund,
			Amount:         m.Amount,
			IdempotencyKey: refundKey(m.ID),
		})
		if err != nil {
			return err
		}
		refundEntry = entry
		amount = m.Amount

		m.Status = ledger.MilestoneRefunded
		if err := o.ledger.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		return o.recomputeLocked(ctx, escrowID)
	})
	if err != nil {
		return err
	}

	o.notify(ctx, Event{Type: EventDisputeResolved, EscrowID: escrowID, MilestoneID: milestoneID,
		Status: string(ledger.MilestoneRefunded), Amount: amount})

	return o.dispatchRefund(ctx, escrowID, refundEntry)
}

// Cancel cancels an escrow that was never funded. Confirmed partial deposits
// are refunded to the buyer.
func (o *Orchestrator) Cancel(ctx context.Context, escrowID string) (*ledger.Escrow, error) {
	return o.closeUnfunded(ctx, escrowID, ledger.EscrowCancelled, "cancel-refund:")
}

// Expire closes an escrow whose funding window lapsed. Confirmed partial
// deposits are refunded. Called by the expiry sweep.
func (o *Orchestrator) Expire(ctx context.Context, escrowID string) (*ledger.Escrow, error) {
	return o.closeUnfunded(ctx, escrowID, ledger.EscrowExpired, "expire-refund:")
}

func (o *Orchestrator) closeUnfunded(ctx context.Context, escrowID string, target ledger.EscrowStatus, keyPrefix string) (*ledger.Escrow, error) {
	var e *ledger.Escrow
	var refundEntry *ledger.Entry
	err := o.ledger.WithEscrowLock(ctx, escrowID, func() error {
		var err error
		e, err = o.ledger.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if e.Status != ledger.EscrowCreated && e.Status != ledger.EscrowFundingPending {
			return fmt.Errorf("%w: cannot close %s escrow %s before settlement",
				ErrInvalidState, e.Status, e.ID)
		}

		deposited, err := o.ledger.SumConfirmed(ctx, e.ID, ledger.EntryFund)
		if err != nil {
			return err
		}
		if deposited > 0 {
			refundEntry, _, err = o.ledger.AppendEntry(ctx, ledger.AppendRequest{
				EscrowID:       e.ID,
				Type:           ledger.EntryRefund,
				Amount:         deposited,
				IdempotencyKey: keyPrefix + e.ID,
			})
			if err != nil {
				return err
			}
		}

		if err := o.ledger.UpdateEscrowStatus(ctx, e.ID, target); err != nil {
			return err
		}
		e.Status = target
		return nil
	})
	if err != nil {
		return nil, err
	}

	eventType := EventEscrowCancelled
	if target == ledger.EscrowExpired {
		eventType = EventEscrowExpired
	}
	o.logger.Info("escrow closed before funding", "escrow_id", e.ID, "status", target)
	o.transitionMetric(target)
	o.notify(ctx, Event{Type: eventType, EscrowID: e.ID, Status: string(target)})

	if refundEntry != nil && refundEntry.Status == ledger.EntryPending {
		if err := o.dispatchRefund(ctx, escrowID, refundEntry); err != nil {
			// The entry stays pending; the reconciliation sweep retries it.
			o.logger.Warn("deposit refund dispatch failed",
				"escrow_id", e.ID, "entry_id", refundEntry.ID, "error", err)
		}
	}
	return e, nil
}

// recomputeLocked derives the escrow status from its milestones after one of
// them changed. Caller holds the escrow lock. release_failed milestones keep
// money escrowed, so they block settlement.
func (o *Orchestrator) recomputeLocked(ctx context.Context, escrowID string) error {
	e, err := o.ledger.GetEscrow(ctx, escrowID)
	if err != nil {
		return err
	}
	if e.Status.IsTerminal() {
		return nil
	}
	switch e.Status {
	case ledger.EscrowCreated, ledger.EscrowFundingPending:
		return nil // funding phase: milestone changes don't reclassify the escrow
	}

	milestones, err := o.ledger.ListMilestones(ctx, escrowID)
	if err != nil {
		return err
	}

	var anyDisputed, anyReleased bool
	allSettled := true
	for _, m := range milestones {
		switch m.Status {
		case ledger.MilestoneDisputed:
			anyDisputed = true
			allSettled = false
		case ledger.MilestoneReleased:
			anyReleased = true
		case ledger.MilestoneRefunded:
		default:
			allSettled = false
		}
	}

	next := e.Status
	switch {
	case anyDisputed:
		next = ledger.EscrowDisputed
	case allSettled && anyReleased:
		next = ledger.EscrowFullyReleased
	case allSettled:
		next = ledger.EscrowRefunded
	case anyReleased:
		next = ledger.EscrowPartiallyReleased
	default:
		next = ledger.EscrowFunded
	}

	if next == e.Status {
		return nil
	}
	if err := o.ledger.UpdateEscrowStatus(ctx, escrowID, next); err != nil {
		return err
	}
	o.transitionMetric(next)
	if next.IsTerminal() {
		o.notify(ctx, Event{Type: EventEscrowSettled, EscrowID: escrowID, Status: string(next)})
	}
	return nil
}

func (o *Orchestrator) transitionMetric(status ledger.EscrowStatus) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(status)).Inc()
}

func (o *Orchestrator) notify(ctx context.Context, ev Event) {
	if o.notifier == nil {
		return
	}
	o.notifier.EscrowEvent(ctx, ev)
}
