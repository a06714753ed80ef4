package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/paylock/internal/ledger"
)

// Timer periodically expires escrows whose funding window lapsed.
type Timer struct {
	orch     *Orchestrator
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a funding-expiry timer.
func NewTimer(orch *Orchestrator, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		orch:     orch,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeExpire(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeExpire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.expireStale(ctx)
}

func (t *Timer) expireStale(ctx context.Context) {
	cutoff := time.Now().Add(-t.orch.fundingTimeout)

	for _, status := range []ledger.EscrowStatus{ledger.EscrowCreated, ledger.EscrowFundingPending} {
		stale, err := t.orch.ledger.ListEscrowsByStatus(ctx, status, cutoff, 100)
		if err != nil {
			t.logger.Warn("failed to list stale escrows", "status", status, "error", err)
			continue
		}

		for _, e := range stale {
			if _, err := t.orch.Expire(ctx, e.ID); err != nil {
				t.logger.Warn("failed to expire escrow", "escrow_id", e.ID, "error", err)
				continue
			}
			t.logger.Info("expired unfunded escrow",
				"escrow_id", e.ID, "buyer", e.BuyerID, "total", e.TotalAmount)
		}
	}
}
