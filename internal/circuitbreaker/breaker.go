// Package circuitbreaker provides a per-provider circuit breaker with
// closed → open → half-open state transitions. The gateway layer wraps
// payout dispatch with it so a failing payment rail sheds load instead
// of burning retries.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the circuit rejects the call.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "paylock",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by provider, from-state, and to-state.",
}, []string{"provider", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// entry tracks per-provider circuit state.
type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker is a per-provider circuit breaker. It tracks consecutive failure
// counts and trips open when they exceed the threshold. After openDuration,
// the circuit moves to half-open and allows one probe request.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
}

// New creates a circuit breaker that opens after threshold consecutive
// failures and stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
	}
}

// Allow returns true if a request to provider should be allowed.
// If the circuit is open and openDuration has elapsed, it transitions to half-open.
func (b *Breaker) Allow(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[provider]
	if !ok {
		return true // No entry = closed
	}

	switch e.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(e.lastFailure) >= b.openDuration {
			b.transition(e, provider, StateHalfOpen)
			return true // Allow one probe
		}
		return false
	case StateHalfOpen:
		return false // Already probing — reject until probe completes
	default:
		return true
	}
}

// RecordSuccess records a successful request. Resets the failure count and
// closes the circuit if it was half-open.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[provider]
	if !ok {
		return
	}

	if e.state == StateHalfOpen {
		b.transition(e, provider, StateClosed)
	}
	e.failures = 0
}

// RecordFailure records a failed request. If consecutive failures reach
// the threshold, trips the circuit open.
func (b *Breaker) RecordFailure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[provider]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[provider] = e
	}

	e.failures++
	e.lastFailure = time.Now()

	if e.state == StateHalfOpen {
		// Probe failed — back to open.
		b.transition(e, provider, StateOpen)
		return
	}

	if e.state == StateClosed && e.failures >= b.threshold {
		b.transition(e, provider, StateOpen)
	}
}

// State returns the current state for a provider. Unknown providers are closed.
func (b *Breaker) State(provider string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[provider]
	if !ok {
		return StateClosed
	}
	return e.state
}

// Do runs fn under the breaker for provider. Returns ErrOpen without calling
// fn when the circuit rejects the call. isFailure classifies fn's error: only
// errors it reports as failures count toward tripping the circuit (terminal
// declines are the rail working correctly, not the rail being down).
func (b *Breaker) Do(provider string, fn func() error, isFailure func(error) bool) error {
	if !b.Allow(provider) {
		return ErrOpen
	}
	err := fn()
	if err != nil && isFailure(err) {
		b.RecordFailure(provider)
		return err
	}
	b.RecordSuccess(provider)
	return err
}

// transition changes state and records the metric.
// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, provider string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	cbStateTransitions.WithLabelValues(provider, from.String(), to.String()).Inc()
}
