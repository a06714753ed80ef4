package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/paylock/internal/gateway"
	"github.com/mbd888/paylock/internal/ledger"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *captureNotifier) EscrowEvent(_ context.Context, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *captureNotifier) has(eventType string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ev := range n.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

func newTestOrchestrator() (*Orchestrator, *gateway.FakeGateway, *ledger.Service) {
	l := ledger.NewService(ledger.NewMemoryStore())
	gw := gateway.NewFakeGateway()
	orch := NewOrchestrator(l, gw).
		WithSyncDispatch().
		WithRetryPolicy(2, time.Millisecond)
	return orch, gw, l
}

func fundedEscrow(t *testing.T, orch *Orchestrator, amounts ...int64) (*ledger.Escrow, []*ledger.Milestone) {
	t.Helper()
	ctx := context.Background()

	var total int64
	specs := make([]ledger.MilestoneSpec, len(amounts))
	for i, a := range amounts {
		specs[i] = ledger.MilestoneSpec{Amount: a}
		total += a
	}
	e, ms, err := orch.Create(ctx, ledger.CreateEscrowRequest{
		BuyerID:    "buy_testbuyer001",
		SupplierID: "sup_testsupplier",
		Total:      total,
		Currency:   "usd",
		Milestones: specs,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, _, err := orch.InitiateFunding(ctx, e.ID); err != nil {
		t.Fatalf("initiate funding failed: %v", err)
	}
	if err := orch.ApplyDeposit(ctx, e.ID, total, "ch_deposit_1", "evt_deposit_1_"+e.ID); err != nil {
		t.Fatalf("apply deposit failed: %v", err)
	}

	got, err := orch.ledger.GetEscrow(ctx, e.ID)
	if err != nil {
		t.Fatalf("get escrow failed: %v", err)
	}
	if got.Status != ledger.EscrowFunded {
		t.Fatalf("expected funded escrow, got %s", got.Status)
	}
	return got, ms
}

func TestFullReleaseLifecycle(t *testing.T) {
	orch, gw, l := newTestOrchestrator()
	ctx := context.Background()

	e, ms := fundedEscrow(t, orch, 4000, 6000)

	for _, m := range ms {
		if _, err := orch.RequestRelease(ctx, e.ID, m.ID); err != nil {
			t.Fatalf("release %s failed: %v", m.ID, err)
		}
	}

	got, _ := l.GetEscrow(ctx, e.ID)
	if got.Status != ledger.EscrowFullyReleased {
		t.Errorf("expected fully_released, got %s", got.Status)
	}
	for _, m := range ms {
		mm, _ := l.GetMilestone(ctx, m.ID)
		if mm.Status != ledger.MilestoneReleased {
			t.Errorf("milestone %s: expected released, got %s", m.ID, mm.Status)
		}
		if mm.ReleasedAt == nil || mm.ExternalRef == "" {
			t.Errorf("milestone %s missing release metadata", m.ID)
		}
	}
	if gw.Calls() != 2 {
		t.Errorf("expected 2 gateway movements, got %d", gw.Calls())
	}

	released, _ := l.SumConfirmed(ctx, e.ID, ledger.EntryRelease)
	if released != 10000 {
		t.Errorf("expected confirmed releases of 10000, got %d", released)
	}
}

func TestPartialDepositsAccumulate(t *testing.T) {
	orch, _, l := newTestOrchestrator()
	ctx := context.Background()

	e, _, err := orch.Create(ctx, ledger.CreateEscrowRequest{
		BuyerID:    "buy_testbuyer001",
		SupplierID: "sup_testsupplier",
		Total:      10000,
		Currency:   "usd",
		Milestones: []ledger.MilestoneSpec{{Amount: 10000}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, _, err := orch.InitiateFunding(ctx, e.ID); err != nil {
		t.Fatalf("initiate funding failed: %v", err)
	}

	if err := orch.ApplyDeposit(ctx, e.ID, 4000, "ch_1", "evt_1"); err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}
	got, _ := l.GetEscrow(ctx, e.ID)
	if got.Status != ledger.EscrowFundingPending {
		t.Errorf("expected funding_pending after partial deposit, got %s", got.Status)
	}

	// Replay of the first deposit must not move the needle.
	if err := orch.ApplyDeposit(ctx, e.ID, 4000, "ch_1", "evt_1"); err != nil {
		t.Fatalf("replayed deposit failed: %v", err)
	}
	deposited, _ := l.SumConfirmed(ctx, e.ID, ledger.EntryFund)
	if deposited != 4000 {
		t.Errorf("replay double-counted: deposited=%d", deposited)
	}

	if err := orch.ApplyDeposit(ctx, e.ID, 6000, "ch_2", "evt_2"); err != nil {
		t.Fatalf("second deposit failed: %v", err)
	}
	got, _ = l.GetEscrow(ctx, e.ID)
	if got.Status != ledger.EscrowFunded {
		t.Errorf("expected funded, got %s", got.Status)
	}
}

func TestConcurrentReleaseRequests(t *testing.T) {
	orch, gw, l := newTestOrchestrator()
	ctx := context.Background()

	e, ms := fundedEscrow(t, orch, 10000)

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orch.RequestRelease(ctx, e.ID, ms[0].ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidState):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != callers-1 {
		t.Errorf("expected 1 winner and %d conflicts, got %d/%d", callers-1, wins, conflicts)
	}
	if gw.Calls() != 1 {
		t.Errorf("expected exactly 1 gateway movement, got %d", gw.Calls())
	}

	entries, _ := l.ListEntriesForMilestone(ctx, ms[0].ID)
	if len(entries) != 1 {
		t.Errorf("expected 1 release entry, got %d", len(entries))
	}
}

func TestReleaseRequiresFundedEscrow(t *testing.T) {
	orch, _, _ := newTestOrchestrator()
	ctx := context.Background()

	e, ms, err := orch.Create(ctx, ledger.CreateEscrowRequest{
		BuyerID:    "buy_testbuyer001",
		SupplierID: "sup_testsupplier",
		Total:      5000,
		Currency:   "usd",
		Milestones: []ledger.MilestoneSpec{{Amount: 5000}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := orch.RequestRelease(ctx, e.ID, ms[0].ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on unfunded escrow, got %v", err)
	}
}

func TestTerminalPayoutFailureParksMilestone(t *testing.T) {
	orch, gw, l := newTestOrchestrator()
	notifier := &captureNotifier{}
	orch.WithNotifier(notifier)
	ctx := context.Background()

	e, ms := fundedEscrow(t, orch, 3000, 7000)

	gw.FailWith(fmt.Errorf("%w: destination account closed", gateway.ErrTerminal))
	if _, err := orch.RequestRelease(ctx, e.ID, ms[0].ID); err != nil {
		t.Fatalf("request release failed: %v", err)
	}

	m, _ := l.GetMilestone(ctx, ms[0].ID)
	if m.Status != ledger.MilestoneReleaseFailed {
		t.Errorf("expected release_failed, got %s", m.Status)
	}
	entry, _ := l.GetEntryByKey(ctx, "release:"+ms[0].ID)
	if entry.Status != ledger.EntryFailed {
		t.Errorf("expected failed entry, got %s", entry.Status)
	}
	if !notifier.has(EventReleaseFailed) {
		t.Error("expected a release_failed event")
	}

	// The escrow stays open: the failed milestone's money is still held.
	got, _ := l.GetEscrow(ctx, e.ID)
	if got.Status != ledger.EscrowFunded {
		t.Errorf("expected escrow to stay funded, got %s", got.Status)
	}

	// The other milestone still releases normally.
	if _, err := orch.RequestRelease(ctx, e.ID, ms[1].ID); err != nil {
		t.Fatalf("second release failed: %v", err)
	}
	got, _ = l.GetEscrow(ctx, e.ID)
	if got.Status != ledger.EscrowPartiallyReleased {
		t.Errorf("expected partially_released, got %s", got.Status)
	}
}

func TestTransientFailureLeavesReleaseRequested(t *testing.T) {
	orch, gw, l := newTestOrchestrator()
	ctx := context.Background()

	e, ms := fundedEscrow(t, orch, 5000)

	// Both retry attempts hit transient failures.
	gw.FailWith(
		fmt.Errorf("%w: outage", gateway.ErrTransient),
		fmt.Errorf("%w: outage", gateway.ErrTransient),
	)
	if _, err := orch.RequestRelease(ctx, e.ID, ms[0].ID); err != nil {
		t.Fatalf("request release failed: %v", err)
	}

	m, _ := l.GetMilestone(ctx, ms[0].ID)
	if m.Status != ledger.MilestoneReleaseRequested {
		t.Errorf("expected release_requested awaiting reconciliation, got %s", m.Status)
	}
	entry, _ := l.GetEntryByKey(ctx, "release:"+ms[0].ID)
	if entry.Status != ledger.EntryPending {
		t.Errorf("expected pending entry, got %s", entry.Status)
	}

	// A later dispatch (the reconciliation path) completes the release with
	// the same idempotency key.
	if err := orch.DispatchPayout(ctx, e.ID, ms[0].ID); err != nil {
		t.Fatalf("re-dispatch failed: %v", err)
	}
	m, _ = l.GetMilestone(ctx, ms[0].ID)
	if m.Status != ledger.MilestoneReleased {
		t.Errorf("expected released after re-dispatch, got %s", m.Status)
	}
	if gw.Calls() != 1 {
		t.Errorf("expected a single movement across retries, got %d", gw.Calls())
	}
}

func TestPendingPayoutConfirmedByWebhook(t *testing.T) {
	orch, gw, l := newTestOrchestrator()
	ctx := context.Background()

	e, ms := fundedEscrow(t, orch, 5000)

	gw.SetPendingMode(true)
	if _, err := orch.RequestRelease(ctx, e.ID, ms[0].ID); err != nil {
		t.Fatalf("request release failed: %v", err)
	}

	m, _ := l.GetMilestone(ctx, ms[0].ID)
	if m.Status != ledger.MilestoneReleaseRequested {
		t.Fatalf("expected release_requested while payout pends, got %s", m.Status)
	}
	entry, _ := l.GetEntryByKey(ctx, "release:"+ms[0].ID)
	if entry.ExternalTransactionID == "" {
		t.Fatal("expected the pending entry to carry the provider ID")
	}

	// The provider's payout.succeeded webhook lands.
	if err := orch.ConfirmRelease(ctx, e.ID, ms[0].ID, entry.ExternalTransactionID); err != nil {
		t.Fatalf("confirm release failed: %v", err)
	}
	// Replayed confirmation is a no-op.
	if err := orch.ConfirmRelease(ctx, e.ID, ms[0].ID, entry.ExternalTransactionID); err != nil {
		t.Errorf("replayed confirm failed: %v", err)
	}

	got, _ := l.GetEscrow(ctx, e.ID)
	if got.Status != ledger.EscrowFullyReleased {
		t.Errorf("expected fully_released, got %s", got.Status)
	}
}

func TestDisputeBlocksRelease(t *testing.T) {
	orch, _, l := newTestOrchestrator()
	ctx := context.Background()

	e, ms := fundedEscrow(t, orch, 5000, 5000)

	if err := orch.MarkDisputed(ctx, e.ID, ms[0].ID, "goods not delivered"); err != nil {
		t.Fatalf("mark disputed failed: %v", err)
	}
	got, _ := l.GetEscrow(ctx, e.ID)
	if got.Status != ledger.EscrowDisputed {
		t.Errorf("expected disputed escrow, got %s", got.Status)
	}

	if _, err := orch.RequestRelease(ctx, e.ID, ms[0].ID); !errors.Is(err, ErrInvalidState) && !errors.Is(err, ErrDisputed) {
		t.Errorf("expected release blocked on disputed escrow, got %v", err)
	}
}

func TestDisputeDoesNotBlockOtherMilestones(t *testing.T) {
	orch, _, l := newTestOrchestrator()
	ctx := context.Background()

	e, ms := fundedEscrow(t, orch, 60000, 40000)

	if err := orch.MarkDisputed(ctx, e.ID, ms[0].ID, "short shipment"); err != nil {
		t.Fatalf("mark disputed failed: %v", err)
	}

	// The undisputed milestone releases while the dispute is open.
	if _, err := orch.RequestRelease(ctx, e.ID, ms[1].ID); err != nil {
		t.Fatalf("release of undisputed milestone failed: %v", err)
	}
	m, _ := l.GetMilestone(ctx, ms[1].ID)
	if m.Status != ledger.MilestoneReleased {
		t.Errorf("expected released, got %s", m.Status)
	}

	// The open dispute keeps the escrow flagged.
	got, _ := l.GetEscrow(ctx, e.ID)
	if got.Status != ledger.EscrowDisputed {
		t.Errorf("expected disputed escrow while dispute open, got %s", got.Status)
	}

	// Refund verdict on the disputed milestone settles the escrow.
	if err := orch.ResolveDisputeRefund(ctx, e.ID, ms[0].ID); err != nil {
		t.Fatalf("resolve refund failed: %v", err)
	}
	m, _ = l.GetMilestone(ctx, ms[0].ID)
	if m.Status != ledger.MilestoneRefunded {
		t.Errorf("expected refunded, got %s", m.Status)
	}
	got, _ = l.GetEscrow(ctx, e.ID)
	if got.Status != ledger.EscrowFullyReleased {
		t.Errorf("expected fully_released after mixed settlement, got %s", got.Status)
	}
}

func TestDisputeWindowClosesAtReleaseRequest(t *testing.T) {
	orch, gw, l := newTestOrchestrator()
	ctx := context.Background()

	e, ms := fundedEscrow(t, orch, 5000)

	gw.SetPendingMode(true)
	if _, err := orch.RequestRelease(ctx, e.ID, ms[0].ID); err != nil {
		t.Fatalf("request release failed: %v", err)
	}
	m, _ := l.GetMilestone(ctx, ms[0].ID)
	if m.Status != ledger.MilestoneReleaseRequested {
		t.Fatalf("expected release_requested, got %s", m.Status)
	}

	// The payout is already in flight and irrevocable; too late to dispute.
	err := orch.MarkDisputed(ctx, e.ID, ms[0].ID, "changed my mind")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState disputing an in-flight release, got %v", err)
	}
}

func TestMarkDisputedTwice(t *testing.T) {
	orch, _, _ := newTestOrchestrator()
	ctx := context.Background()

	e, ms := fundedEscrow(t, orch, 5000)

	if err := orch.MarkDisputed(ctx, e.ID, ms[0].ID, "first"); err != nil {
		t.Fatalf("mark disputed failed: %v", err)
	}
	if err := orch.MarkDisputed(ctx, e.ID, ms[0].ID, "second"); !errors.Is(err, ErrDisputed) {
		t.Errorf("expected ErrDisputed on second open, got %v", err)
	}
}

func TestResolveDisputeRelease(t *testing.T) {
	orch, _, l := newTestOrchestrator()
	ctx := context.Background()

	e, ms := fundedEscrow(t, orch, 5000)

	if err := orch.MarkDisputed(ctx, e.ID, ms[0].ID, "quality issue"); err != nil {
		t.Fatalf("mark disputed failed: %v", err)
	}
	if err := orch.ResolveDisputeRelease(ctx, e.ID, ms[0].ID); err != nil {
		t.Fatalf("resolve release failed: %v", err)
	}

	m, _ := l.GetMilestone(ctx, ms[0].ID)
	if m.Status != ledger.MilestoneReleased {
		t.Errorf("expected released, got %s", m.Status)
	}
	got, _ := l.GetEscrow(ctx, e.ID)
	if got.Status != ledger.EscrowFullyReleased {
		t.Errorf("expected fully_released, got %s", got.Status)
	}
}

func TestResolveDisputeRefund(t *testing.T) {
	orch, _, l := newTestOrchestrator()
	ctx := context.Background()

	e, ms := fundedEscrow(t, orch, 4000, 6000)

	if err := orch.MarkDisputed(ctx, e.ID, ms[0].ID, "not delivered"); err != nil {
		t.Fatalf("mark disputed failed: %v", err)
	}
	if err := orch.ResolveDisputeRefund(ctx, e.ID, ms[0].ID); err != nil {
		t.Fatalf("resolve refund failed: %v", err)
	}

	m, _ := l.GetMilestone(ctx, ms[0].ID)
	if m.Status != ledger.MilestoneRefunded {
		t.Errorf("expected refunded, got %s", m.Status)
	}
	refunded, _ := l.SumConfirmed(ctx, e.ID, ledger.EntryRefund)
	if refunded != 4000 {
		t.Errorf("expected confirmed refund of 4000, got %d", refunded)
	}
	got, _ := l.GetEscrow(ctx, e.ID)
	if got.Status != ledger.EscrowFunded {
		t.Errorf("expected escrow back to funded, got %s", got.Status)
	}

	// Settle the remaining milestone: mixed outcome still closes the escrow.
	if _, err := orch.RequestRelease(ctx, e.ID, ms[1].ID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	got, _ = l.GetEscrow(ctx, e.ID)
	if got.Status != ledger.EscrowFullyReleased {
		t.Errorf("expected fully_released, got %s", got.Status)
	}
}

func TestCancelRefundsPartialDeposits(t *testing.T) {
	orch, gw, l := newTestOrchestrator()
	ctx := context.Background()

	e, _, err := orch.Create(ctx, ledger.CreateEscrowRequest{
		BuyerID:    "buy_testbuyer001",
		SupplierID: "sup_testsupplier",
		Total:      10000,
		Currency:   "usd",
		Milestones: []ledger.MilestoneSpec{{Amount: 10000}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, _, err := orch.InitiateFunding(ctx, e.ID); err != nil {
		t.Fatalf("initiate funding failed: %v", err)
	}
	if err := orch.ApplyDeposit(ctx, e.ID, 3000, "ch_part", "evt_part"); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	closed, err := orch.Cancel(ctx, e.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if closed.Status != ledger.EscrowCancelled {
		t.Errorf("expected cancelled, got %s", closed.Status)
	}
	refunded, _ := l.SumConfirmed(ctx, e.ID, ledger.EntryRefund)
	if refunded != 3000 {
		t.Errorf("expected partial deposit refunded, got %d", refunded)
	}
	if gw.Calls() != 1 {
		t.Errorf("expected 1 refund movement, got %d", gw.Calls())
	}
}

func TestCancelFundedEscrowRejected(t *testing.T) {
	orch, _, _ := newTestOrchestrator()
	ctx := context.Background()

	e, _ := fundedEscrow(t, orch, 5000)

	if _, err := orch.Cancel(ctx, e.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState cancelling funded escrow, got %v", err)
	}
}

func TestExpireStaleFunding(t *testing.T) {
	orch, _, l := newTestOrchestrator()
	ctx := context.Background()

	e, _, err := orch.Create(ctx, ledger.CreateEscrowRequest{
		BuyerID:    "buy_testbuyer001",
		SupplierID: "sup_testsupplier",
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

	closed, err := orch.Expire(ctx, e.ID)
	if err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if closed.Status != ledger.EscrowExpired {
		t.Errorf("expected expired, got %s", closed.Status)
	}
	got, _ := l.GetEscrow(ctx, e.ID)
	if got.Status != ledger.EscrowExpired {
		t.Errorf("expected expired in store, got %s", got.Status)
	}
}
