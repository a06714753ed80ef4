package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/paylock/internal/circuitbreaker"
)

// Throttled wraps a Gateway with a bounded-concurrency semaphore, a
// per-call timeout, and a circuit breaker. Only transient faults count
// toward tripping the breaker; terminal declines are the provider
// answering correctly.
type Throttled struct {
	inner   Gateway
	sem     chan struct{}
	timeout time.Duration
	breaker *circuitbreaker.Breaker
}

// NewThrottled wraps inner with at most workers concurrent calls and the
// given per-call timeout.
func NewThrottled(inner Gateway, workers int, timeout time.Duration, breaker *circuitbreaker.Breaker) *Throttled {
	if workers <= 0 {
		workers = 4
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Throttled{
		inner:   inner,
		sem:     make(chan struct{}, workers),
		timeout: timeout,
		breaker: breaker,
	}
}

func (t *Throttled) Name() string { return t.inner.Name() }

func (t *Throttled) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	var result *PayoutResult
	err := t.call(ctx, func(ctx context.Context) error {
		var err error
		result, err = t.inner.CreatePayout(ctx, req)
		return err
	})
	return result, err
}

func (t *Throttled) CreateRefund(ctx context.Context, req RefundRequest) (*PayoutResult, error) {
	var result *PayoutResult
	err := t.call(ctx, func(ctx context.Context) error {
		var err error
		result, err = t.inner.CreateRefund(ctx, req)
		return err
	})
	return result, err
}

func (t *Throttled) GetPayout(ctx context.Context, externalID string) (*PayoutResult, error) {
	var result *PayoutResult
	err := t.call(ctx, func(ctx context.Context) error {
		var err error
		result, err = t.inner.GetPayout(ctx, externalID)
		return err
	})
	return result, err
}

func (t *Throttled) call(ctx context.Context, fn func(context.Context) error) error {
	select {
	case t.sem <- struct{}{}:
		defer func() { <-t.sem }()
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for gateway slot: %v", ErrTransient, ctx.Err())
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	run := func() error {
		err := fn(callCtx)
		if callCtx.Err() != nil && err != nil && !errors.Is(err, ErrTerminal) {
			// The call may or may not have landed at the provider.
			// Treat as transient; reconciliation resolves ambiguity later.
			return fmt.Errorf("%w: gateway call timed out: %v", ErrTransient, err)
		}
		return err
	}

	if t.breaker == nil {
		return run()
	}
	err := t.breaker.Do(t.inner.Name(), run, func(err error) bool {
		return errors.Is(err, ErrTransient)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// Compile-time assertion that Throttled implements Gateway.
var _ Gateway = (*Throttled)(nil)
