package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mbd888/paylock/internal/circuitbreaker"
)

func TestFakeGatewayIdempotency(t *testing.T) {
	g := NewFakeGateway()
	ctx := context.Background()

	req := PayoutRequest{
		IdempotencyKey: "release:mst_abc",
		Amount:         5000,
		Currency:       "usd",
		Destination:    "acct_supplier",
	}

	first, err := g.CreatePayout(ctx, req)
	if err != nil {
		t.Fatalf("first payout failed: %v", err)
	}
	second, err := g.CreatePayout(ctx, req)
	if err != nil {
		t.Fatalf("replayed payout failed: %v", err)
	}
	if first.ExternalID != second.ExternalID {
		t.Errorf("replay created a second movement: %s vs %s", first.ExternalID, second.ExternalID)
	}
	if g.Calls() != 1 {
		t.Errorf("expected 1 recorded movement, got %d", g.Calls())
	}
}

func TestFakeGatewayFailThenSucceed(t *testing.T) {
	g := NewFakeGateway()
	ctx := context.Background()

	g.FailWith(fmt.Errorf("%w: simulated outage", ErrTransient))

	req := PayoutRequest{IdempotencyKey: "release:mst_x", Amount: 100, Currency: "usd"}
	if _, err := g.CreatePayout(ctx, req); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	result, err := g.CreatePayout(ctx, req)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if result.Status != PayoutSucceeded {
		t.Errorf("expected succeeded, got %s", result.Status)
	}
}

func TestFakeGatewayPendingSettle(t *testing.T) {
	g := NewFakeGateway()
	g.SetPendingMode(true)
	ctx := context.Background()

	result, err := g.CreatePayout(ctx, PayoutRequest{IdempotencyKey: "k", Amount: 100, Currency: "usd"})
	if err != nil {
		t.Fatalf("payout failed: %v", err)
	}
	if result.Status != PayoutPending {
		t.Fatalf("expected pending, got %s", result.Status)
	}

	g.Settle(result.ExternalID, PayoutSucceeded)
	got, err := g.GetPayout(ctx, result.ExternalID)
	if err != nil {
		t.Fatalf("GetPayout failed: %v", err)
	}
	if got.Status != PayoutSucceeded {
		t.Errorf("expected succeeded after settle, got %s", got.Status)
	}

	if _, err := g.GetPayout(ctx, "po_unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestThrottledBreakerTripsOnTransient(t *testing.T) {
	inner := NewFakeGateway()
	breaker := circuitbreaker.New(2, time.Minute)
	g := NewThrottled(inner, 2, time.Second, breaker)
	ctx := context.Background()

	inner.FailWith(
		fmt.Errorf("%w: outage", ErrTransient),
		fmt.Errorf("%w: outage", ErrTransient),
	)

	req := PayoutRequest{IdempotencyKey: "k1", Amount: 100, Currency: "usd"}
	for i := 0; i < 2; i++ {
		if _, err := g.CreatePayout(ctx, req); !errors.Is(err, ErrTransient) {
			t.Fatalf("call %d: expected ErrTransient, got %v", i, err)
		}
	}

	// Circuit is now open; the fake would succeed but the call is shed.
	_, err := g.CreatePayout(ctx, req)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient rejection from open circuit, got %v", err)
	}
	if inner.Calls() != 0 {
		t.Errorf("open circuit still reached the provider: %d calls", inner.Calls())
	}
}

func TestThrottledTerminalDoesNotTrip(t *testing.T) {
	inner := NewFakeGateway()
	breaker := circuitbreaker.New(2, time.Minute)
	g := NewThrottled(inner, 2, time.Second, breaker)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		inner.FailWith(fmt.Errorf("%w: account closed", ErrTerminal))
		_, err := g.CreatePayout(ctx, PayoutRequest{IdempotencyKey: fmt.Sprintf("k%d", i), Amount: 100, Currency: "usd"})
		if !errors.Is(err, ErrTerminal) {
			t.Fatalf("expected ErrTerminal, got %v", err)
		}
	}

	if breaker.State(inner.Name()) != circuitbreaker.StateClosed {
		t.Errorf("terminal declines tripped the breaker")
	}
}

func TestThrottledHonorsContext(t *testing.T) {
	inner := NewFakeGateway()
	g := NewThrottled(inner, 1, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Saturate the single slot so acquisition blocks on the dead context.
	g.sem <- struct{}{}
	defer func() { <-g.sem }()

	_, err := g.CreatePayout(ctx, PayoutRequest{IdempotencyKey: "k", Amount: 100, Currency: "usd"})
	if !errors.Is(err, ErrTransient) {
		t.Errorf("expected transient error on cancelled context, got %v", err)
	}
}
