package gateway

import (
	"context"
	"fmt"
	"sync"
)

// FakeGateway is an in-memory Gateway for demo mode and tests. It honors
// idempotency keys the way a real provider does: a replayed key returns
// the original result without a second movement.
type FakeGateway struct {
	mu      sync.Mutex
	seq     int
	byKey   map[string]*PayoutResult
	results map[string]*PayoutResult // by external ID

	// failNext queues errors returned before any movement is recorded.
	failNext []error
	// pendingMode makes new movements come back pending instead of succeeded.
	pendingMode bool
}

// NewFakeGateway creates a fake gateway where every movement succeeds.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		byKey:   make(map[string]*PayoutResult),
		results: make(map[string]*PayoutResult),
	}
}

func (g *FakeGateway) Name() string { return "fake" }

// FailWith queues errors to be returned by the next dispatches, in order.
func (g *FakeGateway) FailWith(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = append(g.failNext, errs...)
}

// SetPendingMode makes subsequent movements come back pending; Settle
// flips them later, the way a slow rail would.
func (g *FakeGateway) SetPendingMode(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pendingMode = on
}

// Settle transitions a pending movement to its final status.
func (g *FakeGateway) Settle(externalID string, status PayoutStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.results[externalID]; ok {
		r.Status = status
	}
}

// Calls returns how many distinct movements were recorded.
func (g *FakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

func (g *FakeGateway) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	return g.dispatch("po_fake_", req.IdempotencyKey)
}

func (g *FakeGateway) CreateRefund(ctx context.Context, req RefundRequest) (*PayoutResult, error) {
	return g.dispatch("re_fake_", req.IdempotencyKey)
}

func (g *FakeGateway) dispatch(prefix, idemKey string) (*PayoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.failNext) > 0 {
		err := g.failNext[0]
		g.failNext = g.failNext[1:]
		return nil, err
	}

	if prior, ok := g.byKey[idemKey]; ok {
		cp := *prior
		return &cp, nil
	}

	g.seq++
	status := PayoutSucceeded
	if g.pendingMode {
		status = PayoutPending
	}
	r := &PayoutResult{
		ExternalID: fmt.Sprintf("%s%06d", prefix, g.seq),
		Status:     status,
	}
	g.byKey[idemKey] = r
	g.results[r.ExternalID] = r
	cp := *r
	return &cp, nil
}

func (g *FakeGateway) GetPayout(ctx context.Context, externalID string) (*PayoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.results[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// Compile-time assertion that FakeGateway implements Gateway.
var _ Gateway = (*FakeGateway)(nil)
