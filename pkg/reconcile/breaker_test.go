package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker(t *testing.T) {
	threshold := 3
	timeout := 100 * time.Millisecond
	var lastState BreakerState
	cb := NewBreaker(threshold, timeout, nil, func(state BreakerState) {
		lastState = state
	})

	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("fail") }

	// Initial state: Closed
	assert.Equal(t, BreakerClosed, cb.State())

	for i := 0; i < threshold-1; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, BreakerClosed, cb.State())
	}

	// Next failure should open the circuit
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, BreakerOpen, cb.State())
	assert.Equal(t, BreakerOpen, lastState)

	// When open, Execute should fail fast
	err := cb.Execute(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(timeout + 10*time.Millisecond)
	assert.Equal(t, BreakerHalfOpen, cb.State())

	// Successful trial call closes the circuit
	assert.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, BreakerClosed, cb.State())
	assert.Equal(t, BreakerClosed, lastState)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	timeout := 50 * time.Millisecond
	cb := NewBreaker(1, timeout, nil, nil)
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("fail") }

	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, BreakerOpen, cb.State())

	time.Sleep(timeout + 10*time.Millisecond)
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestBreaker_OnlyCountsOutages(t *testing.T) {
	cb := NewBreaker(2, time.Minute, countsAsOutage, nil)
	ctx := context.Background()

	notFound := func(context.Context) error { return fmt.Errorf("no such subscription") }
	for i := 0; i < 5; i++ {
		assert.Error(t, cb.Execute(ctx, notFound))
	}
	assert.Equal(t, BreakerClosed, cb.State())

	outage := func(context.Context) error { return fmt.Errorf("%w: 503", ErrTransient) }
	assert.Error(t, cb.Execute(ctx, outage))
	assert.Error(t, cb.Execute(ctx, outage))
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestGuardedLookup_CircuitOpenIsTransient(t *testing.T) {
	cb := NewBreaker(1, time.Minute, countsAsOutage, nil)
	calls := 0
	lookup := &guardedLookup{
		next: SubscriptionLookupFunc(func(ctx context.Context, id string) (*SubscriptionDetail, error) {
			calls++
			return nil, fmt.Errorf("%w: provider unavailable", ErrTransient)
		}),
		timeout: time.Second,
		breaker: cb,
		metrics: &NoopMetrics{},
	}

	_, err := lookup.LookupSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, ErrTransient)

	_, err = lookup.LookupSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 1, calls)
}
