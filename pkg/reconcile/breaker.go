package reconcile

import (
	"context"
	"sync"
	"time"
)

// BreakerState represents the current state of the circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker guards outbound provider lookups.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open.
	Execute(ctx context.Context, fn func(context.Context) error) error
	// State returns the current state of the circuit breaker.
	State() BreakerState
}

// Breaker opens after a run of consecutive failures and lets a single trial call
// through once resetTimeout has elapsed.
type Breaker struct {
	mu sync.RWMutex

	state               BreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time

	// counts reports whether an error should count as a failure.
	counts        func(error) bool
	onStateChange func(state BreakerState)
}

// NewBreaker creates a circuit breaker. counts may be nil to count every error.
func NewBreaker(failureThreshold int, resetTimeout time.Duration, counts func(error) bool,
	onStateChange func(state BreakerState)) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		counts:           counts,
		onStateChange:    onStateChange,
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentState()
}

func (b *Breaker) currentState() BreakerState {
	if b.state == BreakerOpen && time.Since(b.lastFailureTime) >= b.resetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if b.State() == BreakerOpen {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	if err != nil && (b.counts == nil || b.counts(err)) {
		b.failure()
		return err
	}

	b.success()
	return err
}

func (b *Breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		b.changeState(BreakerClosed)
	}
	b.consecutiveFailures = 0
}

func (b *Breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	// read before lastFailureTime moves, otherwise an expired open state looks fresh
	state := b.currentState()
	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	switch {
	case state == BreakerClosed && b.consecutiveFailures >= b.failureThreshold:
		b.changeState(BreakerOpen)
	case state == BreakerHalfOpen:
		b.state = BreakerHalfOpen
		b.changeState(BreakerOpen)
	}
}

func (b *Breaker) changeState(newState BreakerState) {
	if b.state != newState {
		b.state = newState
		if b.onStateChange != nil {
			b.onStateChange(newState)
		}
	}
}
