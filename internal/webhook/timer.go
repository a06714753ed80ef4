package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically reprocesses failed deliveries whose cooldown elapsed.
type Timer struct {
	ingestor *Ingestor
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a delivery retry timer.
func NewTimer(ingestor *Ingestor, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		ingestor: ingestor,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the retry loop. Call in a goroutine.
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
			t.safeSweep(ctx)
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

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in webhook retry sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.ingestor.Sweep(ctx)
}

// Sweep reprocesses all due deliveries once.
func (i *Ingestor) Sweep(ctx context.Context) {
	due, err := i.store.ListDue(ctx, time.Now(), 100)
	if err != nil {
		i.logger.Warn("failed to list due webhook deliveries", "error", err)
		return
	}
	for _, d := range due {
		i.Process(ctx, d)
	}
}
