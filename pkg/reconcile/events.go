package reconcile

import (
	"fmt"
	"time"
)

// Category is the provider-neutral class of an event; the router dispatches on it.
type Category string

const (
	CategoryCheckoutCompleted      Category = "checkout_completed"
	CategorySubscriptionUpsert     Category = "subscription_upsert"
	CategorySubscriptionDeleted    Category = "subscription_deleted"
	CategoryInvoicePaid            Category = "invoice_paid"
	CategoryInvoiceFailed          Category = "invoice_failed"
	CategoryPaymentMethodAttached  Category = "payment_method_attached"
	CategoryPaymentMethodDetached  Category = "payment_method_detached"
	CategoryAccountUpdated         Category = "account_updated"
	CategoryAccountAuthorized      Category = "account_authorized"
	CategoryAccountDeauthorized    Category = "account_deauthorized"
	CategoryPaymentIntentSucceeded Category = "payment_intent_succeeded"
	CategoryPaymentIntentFailed    Category = "payment_intent_failed"
	CategoryPayoutCreated          Category = "payout_created"
	CategoryPayoutPaid             Category = "payout_paid"
	CategoryPayoutFailed           Category = "payout_failed"

	// CategoryUnknown marks provider event types with no handler.
	CategoryUnknown Category = ""
)

// Event is a parsed, authenticated provider event. Payload holds one of the
// typed payloads below; which one is determined by Category.
type Event struct {
	ID       string
	Type     string
	Category Category
	Created  time.Time
	// Account is the connected account the event was emitted for, if any.
	Account string
	Payload Payload
	// Raw is the verified request body, kept for replay.
	Raw []byte
}

// Payload is implemented by the typed per-category event payloads.
type Payload interface {
	payload()
}

// CheckoutCompleted is a finished checkout session.
type CheckoutCompleted struct {
	SessionID              string
	UserID                 string
	PlanID                 string
	ProviderCustomerID     string
	ProviderSubscriptionID string
	// Subscription is filled from the event when expanded, or by the lookup.
	Subscription *SubscriptionDetail
}

// SubscriptionDetail is the full state of a provider subscription.
type SubscriptionDetail struct {
	ProviderSubscriptionID string
	ProviderCustomerID     string
	Status                 SubscriptionStatus
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
}

// SubscriptionChange carries subscription created/updated/deleted events.
type SubscriptionChange struct {
	SubscriptionDetail
}

// InvoiceSettled carries paid and failed invoice payments.
type InvoiceSettled struct {
	ProviderInvoiceID       string
	ProviderSubscriptionID  string
	ProviderCustomerID      string
	ProviderPaymentIntentID string
	// AmountMinor is in the currency's minor unit (cents).
	AmountMinor int64
	Currency    string
	Description string
	// AttemptCount is the provider's payment attempt number for the invoice.
	AttemptCount int
}

// PaymentMethodChange carries attach and detach events.
type PaymentMethodChange struct {
	ProviderPaymentMethodID string
	ProviderCustomerID      string
	CardBrand               string
	CardLast4               string
	CardExpMonth            int
	CardExpYear             int
}

// AccountChange carries connected-account lifecycle events.
type AccountChange struct {
	ProviderConnectID string
	DetailsSubmitted  bool
	ChargesEnabled    bool
	PayoutsEnabled    bool
}

// Onboarded reports whether the account can take charges and receive payouts.
func (a AccountChange) Onboarded() bool {
	return a.DetailsSubmitted && a.ChargesEnabled && a.PayoutsEnabled
}

// PaymentIntentChange carries ad-hoc booking payments.
type PaymentIntentChange struct {
	ProviderPaymentIntentID string
	BookingID               string
	AmountMinor             int64
	Currency                string
}

// PayoutChange carries payout lifecycle events.
type PayoutChange struct {
	ProviderPayoutID string
	Destination      string
	AmountMinor      int64
	Currency         string
	Status           string
	ArrivalDate      *time.Time
	FailureMessage   string
}

func (*CheckoutCompleted) payload()   {}
func (*SubscriptionChange) payload()  {}
func (*InvoiceSettled) payload()      {}
func (*PaymentMethodChange) payload() {}
func (*AccountChange) payload()       {}
func (*PaymentIntentChange) payload() {}
func (*PayoutChange) payload()        {}

// Validate checks the envelope and that the payload type matches the category.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}
	if e.Category == CategoryUnknown {
		return nil
	}

	var ok bool
	switch e.Category {
	case CategoryCheckoutCompleted:
		_, ok = e.Payload.(*CheckoutCompleted)
	case CategorySubscriptionUpsert, CategorySubscriptionDeleted:
		_, ok = e.Payload.(*SubscriptionChange)
	case CategoryInvoicePaid, CategoryInvoiceFailed:
		_, ok = e.Payload.(*InvoiceSettled)
	case CategoryPaymentMethodAttached, CategoryPaymentMethodDetached:
		_, ok = e.Payload.(*PaymentMethodChange)
	case CategoryAccountUpdated, CategoryAccountAuthorized, CategoryAccountDeauthorized:
		_, ok = e.Payload.(*AccountChange)
	case CategoryPaymentIntentSucceeded, CategoryPaymentIntentFailed:
		_, ok = e.Payload.(*PaymentIntentChange)
	case CategoryPayoutCreated, CategoryPayoutPaid, CategoryPayoutFailed:
		_, ok = e.Payload.(*PayoutChange)
	}
	if !ok {
		return fmt.Errorf("%w: %s payload does not match category %s", ErrMalformedEvent, e.Type, e.Category)
	}
	return nil
}
