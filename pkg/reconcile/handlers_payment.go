package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

func (h *handlers) handleInvoice(ctx context.Context, tx Store, ev *Event, fx *Effects) error {
	p := ev.Payload.(*InvoiceSettled)
	if p.ProviderSubscriptionID == "" {
		h.logger.Debug("invoice has no subscription, ignoring",
			eventFields(ev, Field{Key: "provider_invoice_id", Value: p.ProviderInvoiceID})...)
		return nil
	}

	sub, err := tx.GetSubscriptionByProviderID(ctx, p.ProviderSubscriptionID)
	if errors.Is(err, ErrEntityNotFound) {
		h.logger.Warn("subscription not found for invoice, skipping",
			eventFields(ev,
				Field{Key: "provider_invoice_id", Value: p.ProviderInvoiceID},
				Field{Key: "provider_subscription_id", Value: p.ProviderSubscriptionID},
			)...)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get subscription: %w", err)
	}

	status := PaymentSucceeded
	if ev.Category == CategoryInvoiceFailed {
		status = PaymentFailed
	}

	// invoice.paid and invoice.payment_succeeded describe the same attempt;
	// each retried charge carries a new attempt count and gets its own row
	if p.ProviderInvoiceID != "" {
		_, err := tx.FindPaymentTransaction(ctx, p.ProviderInvoiceID, status, p.AttemptCount)
		if err == nil {
			h.logger.Info("payment already recorded for invoice attempt",
				eventFields(ev,
					Field{Key: "provider_invoice_id", Value: p.ProviderInvoiceID},
					Field{Key: "attempt_count", Value: p.AttemptCount},
				)...)
			return nil
		}
		if !errors.Is(err, ErrEntityNotFound) {
			return fmt.Errorf("failed to find payment transaction: %w", err)
		}
	}

	description := p.Description
	if description == "" {
		description = "Subscription payment"
	}
	txn := &PaymentTransaction{
		ID:                      uuid.NewString(),
		UserID:                  sub.UserID,
		SubscriptionID:          sub.ID,
		Amount:                  FromMinorUnits(p.AmountMinor),
		Currency:                p.Currency,
		Status:                  status,
		ProviderInvoiceID:       p.ProviderInvoiceID,
		ProviderPaymentIntentID: p.ProviderPaymentIntentID,
		Description:             description,
		AttemptCount:            p.AttemptCount,
		CreatedAt:               h.now().UTC(),
	}
	if err := tx.InsertPaymentTransaction(ctx, txn); err != nil {
		return fmt.Errorf("failed to insert payment transaction: %w", err)
	}

	amount := h.money.Format(p.AmountMinor, p.Currency)
	if status == PaymentFailed {
		fx.Notify(sub.UserID, "Payment failed",
			fmt.Sprintf("Your subscription payment of %s failed. Please update your payment method.", amount),
			NotificationPayment, txn.ID)
	} else {
		fx.Notify(sub.UserID, "Payment received",
			fmt.Sprintf("We received your subscription payment of %s.", amount),
			NotificationPayment, txn.ID)
	}
	return nil
}

func (h *handlers) handlePaymentMethodAttached(ctx context.Context, tx Store, ev *Event, fx *Effects) error {
	p := ev.Payload.(*PaymentMethodChange)

	profile, err := tx.GetProfileByCustomerID(ctx, p.ProviderCustomerID)
	if errors.Is(err, ErrEntityNotFound) {
		h.logger.Warn("no profile for customer, skipping payment method",
			eventFields(ev,
				Field{Key: "provider_customer_id", Value: p.ProviderCustomerID},
				Field{Key: "provider_payment_method_id", Value: p.ProviderPaymentMethodID},
			)...)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get profile: %w", err)
	}

	now := h.now().UTC()
	existing, err := tx.GetPaymentMethod(ctx, p.ProviderPaymentMethodID)
	switch {
	case err == nil:
		existing.CardBrand = p.CardBrand
		existing.CardLast4 = p.CardLast4
		existing.CardExpMonth = p.CardExpMonth
		existing.CardExpYear = p.CardExpYear
		existing.UpdatedAt = now
		if err := tx.UpdatePaymentMethod(ctx, existing); err != nil {
			return fmt.Errorf("failed to update payment method: %w", err)
		}
		return nil
	case !errors.Is(err, ErrEntityNotFound):
		return fmt.Errorf("failed to get payment method: %w", err)
	}

	count, err := tx.CountPaymentMethods(ctx, profile.UserID)
	if err != nil {
		return fmt.Errorf("failed to count payment methods: %w", err)
	}

	pm := &PaymentMethod{
		ID:                      uuid.NewString(),
		UserID:                  profile.UserID,
		ProviderPaymentMethodID: p.ProviderPaymentMethodID,
		CardBrand:               p.CardBrand,
		CardLast4:               p.CardLast4,
		CardExpMonth:            p.CardExpMonth,
		CardExpYear:             p.CardExpYear,
		IsDefault:               count == 0,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := tx.InsertPaymentMethod(ctx, pm); err != nil {
		return fmt.Errorf("failed to insert payment method: %w", err)
	}
	return nil
}

func (h *handlers) handlePaymentMethodDetached(ctx context.Context, tx Store, ev *Event, fx *Effects) error {
	p := ev.Payload.(*PaymentMethodChange)

	removed, err := tx.DeletePaymentMethod(ctx, p.ProviderPaymentMethodID)
	if err != nil {
		return fmt.Errorf("failed to delete payment method: %w", err)
	}
	if !removed {
		h.logger.Debug("payment method already removed",
			eventFields(ev, Field{Key: "provider_payment_method_id", Value: p.ProviderPaymentMethodID})...)
	}
	return nil
}

func (h *handlers) handlePaymentIntent(ctx context.Context, tx Store, ev *Event, fx *Effects) error {
	p := ev.Payload.(*PaymentIntentChange)
	if p.BookingID == "" {
		h.logger.Debug("payment intent has no booking, ignoring",
			eventFields(ev, Field{Key: "provider_payment_intent_id", Value: p.ProviderPaymentIntentID})...)
		return nil
	}

	booking, err := tx.GetBooking(ctx, p.BookingID)
	if errors.Is(err, ErrEntityNotFound) {
		h.logger.Warn("booking not found, skipping payment intent",
			eventFields(ev, Field{Key: "booking_id", Value: p.BookingID})...)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get booking: %w", err)
	}

	status := BookingPaid
	if ev.Category == CategoryPaymentIntentFailed {
		status = BookingFailed
	}
	if booking.PaymentStatus == status {
		h.logger.Info("booking payment status already applied",
			eventFields(ev, Field{Key: "booking_id", Value: p.BookingID})...)
		return nil
	}

	if err := tx.UpdateBookingPaymentStatus(ctx, booking.ID, status); err != nil {
		return fmt.Errorf("failed to update booking payment status: %w", err)
	}

	amount := h.money.Format(p.AmountMinor, p.Currency)
	if status == BookingPaid {
		fx.Notify(booking.CustomerID, "Payment confirmed",
			fmt.Sprintf("Your payment of %s for your booking was successful.", amount),
			NotificationPayment, booking.ID)
		fx.Notify(booking.ProviderID, "Booking paid",
			fmt.Sprintf("A customer paid %s for a booking.", amount),
			NotificationPayment, booking.ID)
	} else {
		fx.Notify(booking.CustomerID, "Payment failed",
			fmt.Sprintf("Your payment of %s for your booking failed. Please try again.", amount),
			NotificationPayment, booking.ID)
		fx.Notify(booking.ProviderID, "Booking payment failed",
			"The customer's payment for a booking failed.",
			NotificationPayment, booking.ID)
	}
	return nil
}
