package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

func (h *handlers) handleAccount(ctx context.Context, tx Store, ev *Event, fx *Effects) error {
	p := ev.Payload.(*AccountChange)
	connectID := firstNonEmpty(p.ProviderConnectID, ev.Account)

	profile, err := h.connectProfile(ctx, tx, ev, connectID)
	if profile == nil || err != nil {
		return err
	}

	status := ConnectStatusPending
	if ev.Category == CategoryAccountUpdated && p.Onboarded() {
		status = ConnectStatusComplete
	}
	if err := tx.UpdateConnectStatus(ctx, profile.UserID, connectID, status); err != nil {
		return fmt.Errorf("failed to update connect status: %w", err)
	}

	var title, message string
	switch {
	case ev.Category == CategoryAccountDeauthorized:
		title, message = "Payout account disconnected", "Your payout account was disconnected. Reconnect it to keep receiving payouts."
	case ev.Category == CategoryAccountAuthorized:
		title, message = "Payout account connected", "Your payout account was connected. Finish onboarding to start receiving payouts."
	case status == ConnectStatusComplete:
		title, message = "Payout account ready", "Your payout account is fully set up."
	default:
		title, message = "Payout account needs attention", "Your payout account setup is incomplete."
	}
	fx.Notify(profile.UserID, title, message, NotificationAccount, connectID)
	return nil
}

func (h *handlers) handlePayoutCreated(ctx context.Context, tx Store, ev *Event, fx *Effects) error {
	p := ev.Payload.(*PayoutChange)

	profile, err := h.connectProfile(ctx, tx, ev, firstNonEmpty(ev.Account, p.Destination))
	if profile == nil || err != nil {
		return err
	}

	now := h.now().UTC()
	status := firstNonEmpty(p.Status, "pending")

	existing, err := tx.GetPayout(ctx, p.ProviderPayoutID)
	switch {
	case err == nil:
		if existing.Status == status || payoutSettled(existing.Status) {
			h.logger.Info("payout already recorded",
				eventFields(ev, Field{Key: "provider_payout_id", Value: p.ProviderPayoutID})...)
			return nil
		}
		existing.Status = status
		if p.ArrivalDate != nil {
			existing.ArrivalDate = p.ArrivalDate
		}
		existing.UpdatedAt = now
		if err := tx.UpdatePayout(ctx, existing); err != nil {
			return fmt.Errorf("failed to update payout: %w", err)
		}
	case errors.Is(err, ErrEntityNotFound):
		payout := &Payout{
			ID:               uuid.NewString(),
			UserID:           profile.UserID,
			ProviderPayoutID: p.ProviderPayoutID,
			Amount:           FromMinorUnits(p.AmountMinor),
			Currency:         p.Currency,
			Status:           status,
			ArrivalDate:      p.ArrivalDate,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.InsertPayout(ctx, payout); err != nil {
			return fmt.Errorf("failed to insert payout: %w", err)
		}
	default:
		return fmt.Errorf("failed to get payout: %w", err)
	}

	fx.Notify(profile.UserID, "Payout initiated",
		fmt.Sprintf("A payout of %s is on its way to your bank account.", h.money.Format(p.AmountMinor, p.Currency)),
		NotificationPayout, p.ProviderPayoutID)
	return nil
}

func (h *handlers) handlePayoutStatus(ctx context.Context, tx Store, ev *Event, fx *Effects) error {
	p := ev.Payload.(*PayoutChange)

	profile, err := h.connectProfile(ctx, tx, ev, firstNonEmpty(ev.Account, p.Destination))
	if profile == nil || err != nil {
		return err
	}

	existing, err := tx.GetPayout(ctx, p.ProviderPayoutID)
	if errors.Is(err, ErrEntityNotFound) {
		h.logger.Warn("payout not found, skipping status update",
			eventFields(ev, Field{Key: "provider_payout_id", Value: p.ProviderPayoutID})...)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get payout: %w", err)
	}

	status := p.Status
	if status == "" {
		status = "paid"
		if ev.Category == CategoryPayoutFailed {
			status = "failed"
		}
	}
	if existing.Status == status {
		h.logger.Info("payout status already applied",
			eventFields(ev, Field{Key: "provider_payout_id", Value: p.ProviderPayoutID})...)
		return nil
	}

	existing.Status = status
	if p.ArrivalDate != nil {
		existing.ArrivalDate = p.ArrivalDate
	}
	existing.UpdatedAt = h.now().UTC()
	if err := tx.UpdatePayout(ctx, existing); err != nil {
		return fmt.Errorf("failed to update payout: %w", err)
	}

	amount := h.money.Format(p.AmountMinor, p.Currency)
	if ev.Category == CategoryPayoutFailed {
		message := fmt.Sprintf("Your payout of %s failed.", amount)
		if p.FailureMessage != "" {
			message += " " + p.FailureMessage
		}
		fx.Notify(profile.UserID, "Payout failed", message, NotificationPayout, p.ProviderPayoutID)
	} else {
		fx.Notify(profile.UserID, "Payout paid",
			fmt.Sprintf("Your payout of %s has arrived in your bank account.", amount),
			NotificationPayout, p.ProviderPayoutID)
	}
	return nil
}

// connectProfile resolves the profile owning a connected account. A nil profile
// with a nil error means the event should be skipped.
func (h *handlers) connectProfile(ctx context.Context, tx Store, ev *Event, connectID string) (*Profile, error) {
	if connectID == "" {
		h.logger.Warn("event has no connected account, skipping", eventFields(ev)...)
		return nil, nil
	}
	profile, err := tx.GetProfileByConnectID(ctx, connectID)
	if errors.Is(err, ErrEntityNotFound) {
		h.logger.Warn("no profile for connected account, skipping",
			eventFields(ev, Field{Key: "provider_connect_id", Value: connectID})...)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile by connect id: %w", err)
	}
	return profile, nil
}

func payoutSettled(status string) bool {
	switch status {
	case "paid", "failed", "canceled":
		return true
	}
	return false
}
