package reconciliation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mbd888/paylock/internal/escrow"
	"github.com/mbd888/paylock/internal/gateway"
	"github.com/mbd888/paylock/internal/ledger"
)

func newTestStack(t *testing.T) (*Service, *escrow.Orchestrator, *ledger.Service, *gateway.FakeGateway) {
	t.Helper()
	l := ledger.NewService(ledger.NewMemoryStore())
	gw := gateway.NewFakeGateway()
	orch := escrow.NewOrchestrator(l, gw).
		WithSyncDispatch().
		WithRetryPolicy(1, time.Millisecond)
	svc := NewService(l, orch, gw).WithStuckAfter(time.Nanosecond)
	return svc, orch, l, gw
}

func stuckMilestone(t *testing.T, orch *escrow.Orchestrator, l *ledger.Service, gw *gateway.FakeGateway) (*ledger.Escrow, *ledger.Milestone) {
	t.Helper()
	ctx := context.Background()

	e, _, err := orch.Create(ctx, ledger.CreateEscrowRequest{
		BuyerID:    "buy_recontest001",
		SupplierID: "sup_recontest001",
		Total:      5000,
		Currency:   "usd",
		Milestones: []ledger.MilestoneSpec{{Amount: 5000}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, _, err := orch.InitiateFunding(ctx, e.ID); err != nil {
		t.Fatalf("initiate funding failed: %v", err)
	}
	if err := orch.ApplyDeposit(ctx, e.ID, 5000, "ch_1", "evt_1"); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// The dispatch attempt dies in transit: no result, no external ID.
	gw.FailWith(fmt.Errorf("%w: connection reset", gateway.ErrTransient))
	milestones, _ := l.ListMilestones(ctx, e.ID)
	if _, err := orch.RequestRelease(ctx, e.ID, milestones[0].ID); err != nil {
		t.Fatalf("request release failed: %v", err)
	}

	m, _ := l.GetMilestone(ctx, milestones[0].ID)
	if m.Status != ledger.MilestoneReleaseRequested {
		t.Fatalf("expected stuck release_requested, got %s", m.Status)
	}
	return e, m
}

func TestSweepRedispatchesAmbiguousPayout(t *testing.T) {
	svc, orch, l, gw := newTestStack(t)
	ctx := context.Background()

	e, m := stuckMilestone(t, orch, l, gw)

	svc.Sweep(ctx)

	got, _ := l.GetMilestone(ctx, m.ID)
	if got.Status != ledger.MilestoneReleased {
		t.Errorf("expected released after sweep, got %s", got.Status)
	}
	if gw.Calls() != 1 {
		t.Errorf("expected exactly one movement across dispatch and sweep, got %d", gw.Calls())
	}
	esc, _ := l.GetEscrow(ctx, e.ID)
	if esc.Status != ledger.EscrowFullyReleased {
		t.Errorf("expected fully_released, got %s", esc.Status)
	}
}

func TestSweepConfirmsSettledDrift(t *testing.T) {
	svc, orch, l, gw := newTestStack(t)
	ctx := context.Background()

	_, m := stuckMilestone(t, orch, l, gw)

	// The payout actually landed at the provider; record its ID on the
	// entry as a pending dispatch would have, then settle it provider-side.
	result, err := gw.CreatePayout(ctx, gateway.PayoutRequest{
		IdempotencyKey: "release:" + m.ID, Amount: 5000, Currency: "usd",
	})
	if err != nil {
		t.Fatalf("seed payout failed: %v", err)
	}
	entry, _ := l.GetEntryByKey(ctx, "release:"+m.ID)
	if err := l.RecordExternalRef(ctx, entry.ID, result.ExternalID); err != nil {
		t.Fatalf("record external ref failed: %v", err)
	}

	svc.Sweep(ctx)

	got, _ := l.GetMilestone(ctx, m.ID)
	if got.Status != ledger.MilestoneReleased {
		t.Errorf("expected released after drift correction, got %s", got.Status)
	}
	if got.ExternalRef != result.ExternalID {
		t.Errorf("expected external ref %s, got %s", result.ExternalID, got.ExternalRef)
	}
}

func TestSweepRecordsProviderFailure(t *testing.T) {
	svc, orch, l, gw := newTestStack(t)
	ctx := context.Background()

	_, m := stuckMilestone(t, orch, l, gw)

	gw.SetPendingMode(true)
	result, err := gw.CreatePayout(ctx, gateway.PayoutRequest{
		IdempotencyKey: "release:" + m.ID, Amount: 5000, Currency: "usd",
	})
	if err != nil {
		t.Fatalf("seed payout failed: %v", err)
	}
	entry, _ := l.GetEntryByKey(ctx, "release:"+m.ID)
	_ = l.RecordExternalRef(ctx, entry.ID, result.ExternalID)

	// Still pending: the sweep leaves it alone.
	svc.Sweep(ctx)
	got, _ := l.GetMilestone(ctx, m.ID)
	if got.Status != ledger.MilestoneReleaseRequested {
		t.Fatalf("pending payout should stay release_requested, got %s", got.Status)
	}

	// Provider gives up on it: the sweep records the failure.
	gw.Settle(result.ExternalID, gateway.PayoutFailed)
	svc.Sweep(ctx)
	got, _ = l.GetMilestone(ctx, m.ID)
	if got.Status != ledger.MilestoneReleaseFailed {
		t.Errorf("expected release_failed, got %s", got.Status)
	}
}

func TestRepeatedFailuresFlagManual(t *testing.T) {
	svc, orch, l, gw := newTestStack(t)
	svc.WithMaxAttempts(2)
	ctx := context.Background()

	_, m := stuckMilestone(t, orch, l, gw)

	// Every chase keeps failing transiently.
	for i := 0; i < 2; i++ {
		gw.FailWith(fmt.Errorf("%w: still down", gateway.ErrTransient))
		svc.Sweep(ctx)
	}

	if _, flagged := svc.flagged.Load(m.ID); !flagged {
		t.Error("expected milestone flagged for manual reconciliation")
	}

	// Flagged milestones are skipped by later sweeps: the provider is
	// healthy again, yet the milestone is left for the operator.
	svc.Sweep(ctx)
	got, _ := l.GetMilestone(ctx, m.ID)
	if got.Status != ledger.MilestoneReleaseRequested {
		t.Errorf("flagged milestone was chased again: %s", got.Status)
	}
}

func TestReconcileEscrowManualTrigger(t *testing.T) {
	svc, orch, l, gw := newTestStack(t)
	ctx := context.Background()

	e, m := stuckMilestone(t, orch, l, gw)

	chased, err := svc.ReconcileEscrow(ctx, e.ID)
	if err != nil {
		t.Fatalf("manual reconcile failed: %v", err)
	}
	if chased != 1 {
		t.Errorf("expected 1 milestone chased, got %d", chased)
	}
	got, _ := l.GetMilestone(ctx, m.ID)
	if got.Status != ledger.MilestoneReleased {
		t.Errorf("expected released, got %s", got.Status)
	}
}
