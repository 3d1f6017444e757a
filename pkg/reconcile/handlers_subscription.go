package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// handlers holds the collaborators shared by every reconciliation handler.
type handlers struct {
	lookup      SubscriptionLookup
	money       *MoneyFormatter
	logger      Logger
	now         func() time.Time
	parkOrphans bool
}

func (h *handlers) prepareCheckout(ctx context.Context, ev *Event) error {
	p := ev.Payload.(*CheckoutCompleted)
	if p.UserID == "" || p.PlanID == "" || p.ProviderSubscriptionID == "" || p.Subscription != nil {
		return nil
	}
	if h.lookup == nil {
		return nil
	}

	detail, err := h.lookup.LookupSubscription(ctx, p.ProviderSubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to look up subscription %s: %w", p.ProviderSubscriptionID, err)
	}
	p.Subscription = detail
	return nil
}

func (h *handlers) handleCheckoutCompleted(ctx context.Context, tx Store, ev *Event, fx *Effects) error {
	p := ev.Payload.(*CheckoutCompleted)
	if p.UserID == "" || p.PlanID == "" {
		h.logger.Warn("checkout session has no user or plan metadata, skipping",
			eventFields(ev, Field{Key: "session_id", Value: p.SessionID})...)
		return nil
	}
	if p.ProviderSubscriptionID == "" {
		h.logger.Info("checkout session has no subscription, skipping",
			eventFields(ev, Field{Key: "session_id", Value: p.SessionID})...)
		return nil
	}

	detail := p.Subscription
	if detail == nil {
		h.logger.Warn("subscription detail unavailable, assuming active",
			eventFields(ev, Field{Key: "provider_subscription_id", Value: p.ProviderSubscriptionID})...)
		detail = &SubscriptionDetail{
			ProviderSubscriptionID: p.ProviderSubscriptionID,
			ProviderCustomerID:     p.ProviderCustomerID,
			Status:                 SubscriptionActive,
		}
	}

	now := h.now().UTC()
	sub, err := h.findCheckoutSubscription(ctx, tx, p)
	if err != nil {
		return err
	}
	isNew := sub == nil
	if isNew {
		sub = &Subscription{ID: uuid.NewString(), CreatedAt: now}
	}

	sub.UserID = p.UserID
	sub.PlanID = p.PlanID
	sub.ProviderSubscriptionID = p.ProviderSubscriptionID
	sub.ProviderCustomerID = firstNonEmpty(p.ProviderCustomerID, detail.ProviderCustomerID, sub.ProviderCustomerID)
	applyDetail(sub, detail)
	sub.LastEventAt = laterOf(sub.LastEventAt, ev.Created)
	sub.UpdatedAt = now

	replayed, err := h.replayParked(ctx, tx, ev, sub, now)
	if err != nil {
		return err
	}

	if isNew {
		if err := tx.InsertSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to insert subscription: %w", err)
		}
	} else if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	update := MembershipUpdate{
		Status:             membershipPtr(MembershipActive),
		StartDate:          &now,
		ProviderCustomerID: &sub.ProviderCustomerID,
	}
	if replayed && sub.Status.Terminal() {
		update.Status = membershipPtr(MembershipInactive)
		update.EndDate = &now
	}
	if err := h.updateMembership(ctx, tx, ev, sub.UserID, update); err != nil {
		return err
	}

	h.logger.Info("subscription activated from checkout",
		eventFields(ev,
			Field{Key: "user_id", Value: sub.UserID},
			Field{Key: "plan_id", Value: sub.PlanID},
			Field{Key: "provider_subscription_id", Value: sub.ProviderSubscriptionID},
			Field{Key: "created", Value: isNew},
		)...)
	fx.Notify(sub.UserID, "Membership activated", "Your membership is now active.", NotificationPayment, sub.ID)
	return nil
}

// findCheckoutSubscription prefers the row already bound to the provider
// subscription, so re-applying the same checkout never inserts twice.
func (h *handlers) findCheckoutSubscription(ctx context.Context, tx Store, p *CheckoutCompleted) (*Subscription, error) {
	sub, err := tx.GetSubscriptionByProviderID(ctx, p.ProviderSubscriptionID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrEntityNotFound) {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub, err = tx.GetActiveSubscriptionByUser(ctx, p.UserID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrEntityNotFound) {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	return nil, nil
}

// replayParked applies the newest parked event for sub that is not older than
// the checkout event, then discards every parked event for the subscription.
func (h *handlers) replayParked(ctx context.Context, tx Store, ev *Event, sub *Subscription, now time.Time) (bool, error) {
	if !h.parkOrphans {
		return false, nil
	}
	parked, err := tx.TakeParkedEvents(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		return false, fmt.Errorf("failed to take parked events: %w", err)
	}

	var newest *ParkedEvent
	for _, pe := range parked {
		if pe.EventCreated.Before(ev.Created) {
			continue
		}
		if newest == nil || pe.EventCreated.After(newest.EventCreated) {
			newest = pe
		}
	}
	if newest == nil {
		return false, nil
	}

	if newest.Category == CategorySubscriptionDeleted {
		cancelSubscription(sub, now)
	} else {
		applyDetail(sub, &newest.Payload.SubscriptionDetail)
	}
	sub.LastEventAt = laterOf(sub.LastEventAt, newest.EventCreated)

	h.logger.Info("replayed parked subscription event",
		eventFields(ev,
			Field{Key: "parked_event_id", Value: newest.EventID},
			Field{Key: "parked_count", Value: len(parked)},
			Field{Key: "status", Value: string(sub.Status)},
		)...)
	return true, nil
}

func (h *handlers) handleSubscriptionUpsert(ctx context.Context, tx Store, ev *Event, fx *Effects) error {
	p := ev.Payload.(*SubscriptionChange)

	sub, err := tx.GetSubscriptionByProviderID(ctx, p.ProviderSubscriptionID)
	if errors.Is(err, ErrEntityNotFound) {
		return h.orphaned(ctx, tx, ev, p)
	}
	if err != nil {
		return fmt.Errorf("failed to get subscription: %w", err)
	}

	if !ev.Created.IsZero() && sub.LastEventAt.After(ev.Created) {
		h.logger.Info("ignoring stale subscription event",
			eventFields(ev,
				Field{Key: "provider_subscription_id", Value: p.ProviderSubscriptionID},
				Field{Key: "last_event_at", Value: sub.LastEventAt},
			)...)
		return nil
	}

	now := h.now().UTC()
	applyDetail(sub, &p.SubscriptionDetail)
	sub.LastEventAt = laterOf(sub.LastEventAt, ev.Created)
	sub.UpdatedAt = now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	var update MembershipUpdate
	switch {
	case sub.Status == SubscriptionActive:
		update.Status = membershipPtr(MembershipActive)
	case sub.Status.Terminal():
		update.Status = membershipPtr(MembershipInactive)
		update.EndDate = &now
	}
	if update.Empty() {
		return nil
	}
	return h.updateMembership(ctx, tx, ev, sub.UserID, update)
}

func (h *handlers) handleSubscriptionDeleted(ctx context.Context, tx Store, ev *Event, fx *Effects) error {
	p := ev.Payload.(*SubscriptionChange)

	sub, err := tx.GetSubscriptionByProviderID(ctx, p.ProviderSubscriptionID)
	if errors.Is(err, ErrEntityNotFound) {
		return h.orphaned(ctx, tx, ev, p)
	}
	if err != nil {
		return fmt.Errorf("failed to get subscription: %w", err)
	}

	now := h.now().UTC()
	cancelSubscription(sub, now)
	sub.LastEventAt = laterOf(sub.LastEventAt, ev.Created)
	sub.UpdatedAt = now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	return h.updateMembership(ctx, tx, ev, sub.UserID, MembershipUpdate{
		Status:  membershipPtr(MembershipInactive),
		EndDate: &now,
	})
}

// orphaned handles a subscription event whose row does not exist yet.
func (h *handlers) orphaned(ctx context.Context, tx Store, ev *Event, p *SubscriptionChange) error {
	fields := eventFields(ev, Field{Key: "provider_subscription_id", Value: p.ProviderSubscriptionID})
	if !h.parkOrphans {
		h.logger.Warn("subscription not found, skipping", fields...)
		return nil
	}

	err := tx.ParkEvent(ctx, &ParkedEvent{
		EventID:                ev.ID,
		ProviderSubscriptionID: p.ProviderSubscriptionID,
		Category:               ev.Category,
		EventCreated:           ev.Created,
		Payload:                *p,
		CreatedAt:              h.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to park subscription event: %w", err)
	}
	h.logger.Info("subscription not found, event parked", fields...)
	return nil
}

func (h *handlers) updateMembership(ctx context.Context, tx Store, ev *Event, userID string, update MembershipUpdate) error {
	err := tx.UpdateMembership(ctx, userID, update)
	if errors.Is(err, ErrEntityNotFound) {
		h.logger.Warn("profile not found, membership not updated",
			eventFields(ev, Field{Key: "user_id", Value: userID})...)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update membership: %w", err)
	}
	return nil
}

func applyDetail(sub *Subscription, d *SubscriptionDetail) {
	if d.Status != "" {
		sub.Status = d.Status
	}
	if !d.CurrentPeriodStart.IsZero() {
		sub.CurrentPeriodStart = d.CurrentPeriodStart.UTC()
	}
	if !d.CurrentPeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = d.CurrentPeriodEnd.UTC()
	}
	if sub.ProviderCustomerID == "" {
		sub.ProviderCustomerID = d.ProviderCustomerID
	}
	sub.CancelAtPeriodEnd = d.CancelAtPeriodEnd
	if d.CanceledAt != nil {
		t := d.CanceledAt.UTC()
		sub.CanceledAt = &t
	}
}

func cancelSubscription(sub *Subscription, now time.Time) {
	if sub.Status == SubscriptionCanceled && sub.CanceledAt != nil {
		return
	}
	sub.Status = SubscriptionCanceled
	sub.CanceledAt = &now
}

func membershipPtr(s MembershipStatus) *MembershipStatus {
	return &s
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
