package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SubscriptionLookup fetches full subscription detail from the payment provider.
// Implementations should wrap retryable failures with ErrTransient.
type SubscriptionLookup interface {
	LookupSubscription(ctx context.Context, providerSubscriptionID string) (*SubscriptionDetail, error)
}

// SubscriptionLookupFunc adapts a function to SubscriptionLookup.
type SubscriptionLookupFunc func(ctx context.Context, providerSubscriptionID string) (*SubscriptionDetail, error)

func (f SubscriptionLookupFunc) LookupSubscription(ctx context.Context, id string) (*SubscriptionDetail, error) {
	return f(ctx, id)
}

// guardedLookup bounds each lookup with its own timeout and a circuit breaker.
type guardedLookup struct {
	next    SubscriptionLookup
	timeout time.Duration
	breaker CircuitBreaker
	metrics Metrics
}

func (g *guardedLookup) LookupSubscription(ctx context.Context, id string) (*SubscriptionDetail, error) {
	start := time.Now()
	var detail *SubscriptionDetail

	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		d, err := g.next.LookupSubscription(ctx, id)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: subscription lookup timed out after %s: %w", ErrTransient, g.timeout, err)
			}
			return err
		}
		detail = d
		return nil
	})

	switch {
	case err == nil:
		g.metrics.RecordLookup("success", time.Since(start))
		return detail, nil
	case errors.Is(err, ErrCircuitOpen):
		g.metrics.RecordLookup("circuit_open", time.Since(start))
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	case errors.Is(err, context.DeadlineExceeded):
		g.metrics.RecordLookup("timeout", time.Since(start))
		return nil, err
	default:
		g.metrics.RecordLookup("error", time.Since(start))
		return nil, err
	}
}

// countsAsOutage decides which lookup errors trip the breaker: only retryable ones.
func countsAsOutage(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
