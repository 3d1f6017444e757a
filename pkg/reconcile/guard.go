package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome describes what happened to a delivery.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// PrepareFunc runs outside the store transaction, after the event is claimed.
// It is where slow external lookups belong.
type PrepareFunc func(ctx context.Context, ev *Event) error

// ApplyFunc performs the core state mutation against a transaction-bound store.
type ApplyFunc func(ctx context.Context, tx Store, ev *Event, fx *Effects) error

// Guard applies each provider event id at most once.
type Guard struct {
	store  Store
	idem   IdempotencyStore
	shared bool
	lease  time.Duration
	now    func() time.Time
	logger Logger
}

// NewGuard creates a guard. If idem is nil, the store's own idempotency records
// are used and the done transition commits together with the state mutation.
func NewGuard(store Store, idem IdempotencyStore, lease time.Duration, now func() time.Time, logger Logger) *Guard {
	g := &Guard{store: store, idem: idem, lease: lease, now: now, logger: logger}
	if g.idem == nil {
		g.idem = store
		g.shared = true
	}
	if g.lease <= 0 {
		g.lease = 2 * time.Minute
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.logger == nil {
		g.logger = &NoopLogger{}
	}
	return g
}

// ApplyOnce claims ev.ID, runs prepare and apply, and marks the event done.
// A done record short-circuits with OutcomeDuplicate; a live claim held by another
// delivery returns ErrConflict. On any error before done the record is marked
// failed so a redelivery can take over. A delivery whose claim was taken over
// after its lease expired rolls back and returns ErrConflict.
func (g *Guard) ApplyOnce(ctx context.Context, ev *Event, prepare PrepareFunc, apply ApplyFunc, fx *Effects) (Outcome, error) {
	rec, err := g.idem.BeginEvent(ctx, &BeginRequest{
		EventID:   ev.ID,
		EventType: ev.Type,
		Payload:   ev.Raw,
		Now:       g.now().UTC(),
		Lease:     g.lease,
	})
	switch {
	case errors.Is(err, ErrEventDone):
		g.logger.Info("event already processed", eventFields(ev)...)
		return OutcomeDuplicate, nil
	case errors.Is(err, ErrEventInProgress):
		return "", fmt.Errorf("%w: %s", ErrConflict, ev.ID)
	case err != nil:
		return "", fmt.Errorf("%w: failed to claim event: %w", ErrTransient, err)
	}
	attempt := rec.Attempts

	if prepare != nil {
		if err := prepare(ctx, ev); err != nil {
			return "", g.fail(ctx, ev, attempt, err)
		}
	}

	err = g.store.Atomic(ctx, func(tx Store) error {
		if err := apply(ctx, tx, ev, fx); err != nil {
			return err
		}
		if g.shared {
			return tx.CompleteEvent(ctx, ev.ID, attempt, g.now().UTC())
		}
		return nil
	})
	if err != nil {
		return "", g.fail(ctx, ev, attempt, err)
	}

	if !g.shared {
		// state is committed; if this write is lost the redelivery re-runs
		// handlers that are idempotent on payload
		if err := g.idem.CompleteEvent(ctx, ev.ID, attempt, g.now().UTC()); err != nil {
			if !errors.Is(err, ErrClaimLost) {
				err = fmt.Errorf("%w: failed to mark event done: %w", ErrTransient, err)
			}
			return "", g.fail(ctx, ev, attempt, err)
		}
	}
	return OutcomeApplied, nil
}

func (g *Guard) fail(ctx context.Context, ev *Event, attempt int, cause error) error {
	if errors.Is(cause, ErrClaimLost) {
		// the delivery that took over owns the record now
		g.logger.Warn("event claim taken over by another delivery",
			eventFields(ev, Field{Key: "attempt", Value: attempt})...)
		return fmt.Errorf("%w: %s: %w", ErrConflict, ev.ID, cause)
	}

	// the claim context may be canceled already; the failed mark must still land
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := g.idem.FailEvent(failCtx, ev.ID, attempt, cause.Error(), g.now().UTC())
	switch {
	case errors.Is(err, ErrClaimLost):
		g.logger.Warn("event claim taken over before failure was recorded",
			eventFields(ev, Field{Key: "attempt", Value: attempt})...)
	case err != nil:
		g.logger.Error("failed to mark event failed", eventFields(ev, Field{Key: "error", Value: err})...)
	}
	return cause
}
