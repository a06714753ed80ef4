package notify

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/paylock/internal/escrow"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSendAllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	env := &Envelope{Type: escrow.EventReleased, Timestamp: time.Now()}
	if !h.shouldSend(client, env) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSendEventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{escrow.EventReleased, escrow.EventRefunded},
	}}

	released := &Envelope{Type: escrow.EventReleased}
	refunded := &Envelope{Type: escrow.EventRefunded}
	funded := &Envelope{Type: escrow.EventEscrowFunded}

	if !h.shouldSend(client, released) {
		t.Error("should receive milestone.released events")
	}
	if !h.shouldSend(client, refunded) {
		t.Error("should receive milestone.refunded events")
	}
	if h.shouldSend(client, funded) {
		t.Error("should NOT receive escrow.funded events")
	}
}

func TestShouldSendEscrowFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EscrowIDs: []string{"esc_watched00001"},
	}}

	matching := &Envelope{
		Type: escrow.EventReleased,
		Data: escrow.Event{EscrowID: "esc_watched00001"},
	}
	other := &Envelope{
		Type: escrow.EventReleased,
		Data: escrow.Event{EscrowID: "esc_other0000001"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("should match watched escrow")
	}
	if h.shouldSend(client, other) {
		t.Error("should NOT match unrelated escrow")
	}
}

func TestShouldSendMinAmountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{MinAmount: 1000}}

	large := &Envelope{Type: escrow.EventReleased, Data: escrow.Event{Amount: 5000}}
	small := &Envelope{Type: escrow.EventReleased, Data: escrow.Event{Amount: 500}}
	noAmount := &Envelope{Type: escrow.EventDisputeOpened, Data: escrow.Event{}}

	if !h.shouldSend(client, large) {
		t.Error("should receive large movement")
	}
	if h.shouldSend(client, small) {
		t.Error("should NOT receive small movement")
	}
	if !h.shouldSend(client, noAmount) {
		t.Error("amount filter should skip events without an amount")
	}
}

func TestShouldSendEmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	env := &Envelope{Type: escrow.EventReleased}
	if !h.shouldSend(client, env) {
		t.Error("empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHubStatsInitial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHubBroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.EscrowEvent(ctx, escrow.Event{Type: escrow.EventEscrowFunded, EscrowID: "esc_x"})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHubBroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.EscrowEvent(ctx, escrow.Event{
		Type:     escrow.EventReleased,
		EscrowID: "esc_x",
		Amount:   2500,
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for broadcast")
	}
}

func TestHubContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("hub did not stop after context cancellation")
	}
}

func TestHubFilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants dispute activity
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{escrow.EventDisputeOpened}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// A release event should be filtered out
	h.EscrowEvent(ctx, escrow.Event{Type: escrow.EventReleased, EscrowID: "esc_x"})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("client should NOT receive release event")
	default:
		// Good - filtered out
	}

	// A dispute event should be received
	h.EscrowEvent(ctx, escrow.Event{Type: escrow.EventDisputeOpened, EscrowID: "esc_x"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("client should receive dispute event")
	}
}
