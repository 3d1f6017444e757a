package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

// Metadata keys set on checkout sessions and payment intents by the application.
const (
	metadataUserID    = "user_id"
	metadataPlanID    = "plan_id"
	metadataBookingID = "booking_id"
)

// eventCategories maps Stripe event types to reconciliation categories.
// Types not listed here are acknowledged and ignored.
var eventCategories = map[stripe.EventType]reconcile.Category{
	"checkout.session.completed":       reconcile.CategoryCheckoutCompleted,
	"customer.subscription.created":    reconcile.CategorySubscriptionUpsert,
	"customer.subscription.updated":    reconcile.CategorySubscriptionUpsert,
	"customer.subscription.deleted":    reconcile.CategorySubscriptionDeleted,
	"invoice.paid":                     reconcile.CategoryInvoicePaid,
	"invoice.payment_succeeded":        reconcile.CategoryInvoicePaid,
	"invoice.payment_failed":           reconcile.CategoryInvoiceFailed,
	"payment_method.attached":          reconcile.CategoryPaymentMethodAttached,
	"payment_method.updated":           reconcile.CategoryPaymentMethodAttached,
	"payment_method.detached":          reconcile.CategoryPaymentMethodDetached,
	"account.updated":                  reconcile.CategoryAccountUpdated,
	"account.application.authorized":   reconcile.CategoryAccountAuthorized,
	"account.application.deauthorized": reconcile.CategoryAccountDeauthorized,
	"payment_intent.succeeded":         reconcile.CategoryPaymentIntentSucceeded,
	"payment_intent.payment_failed":    reconcile.CategoryPaymentIntentFailed,
	"payout.created":                   reconcile.CategoryPayoutCreated,
	"payout.paid":                      reconcile.CategoryPayoutPaid,
	"payout.failed":                    reconcile.CategoryPayoutFailed,
}

// CategoryFor returns the reconciliation category for a Stripe event type.
func CategoryFor(eventType string) reconcile.Category {
	return eventCategories[stripe.EventType(eventType)]
}

// expandableID decodes a field Stripe sends either as an id string or as an
// expanded object with an "id".
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	Customer          expandableID      `json:"customer"`
	Subscription      json.RawMessage   `json:"subscription"`
}

type subscriptionObject struct {
	ID                 string       `json:"id"`
	Customer           expandableID `json:"customer"`
	Status             string       `json:"status"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	CanceledAt         *int64       `json:"canceled_at"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type invoiceObject struct {
	ID            string       `json:"id"`
	Customer      expandableID `json:"customer"`
	Subscription  expandableID `json:"subscription"`
	PaymentIntent expandableID `json:"payment_intent"`
	AmountPaid    int64        `json:"amount_paid"`
	AmountDue     int64        `json:"amount_due"`
	AttemptCount  int          `json:"attempt_count"`
	Currency      string       `json:"currency"`
	Description   string       `json:"description"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

type paymentMethodObject struct {
	ID       string       `json:"id"`
	Customer expandableID `json:"customer"`
	Card     *struct {
		Brand    string `json:"brand"`
		Last4    string `json:"last4"`
		ExpMonth int    `json:"exp_month"`
		ExpYear  int    `json:"exp_year"`
	} `json:"card"`
}

type accountObject struct {
	ID               string `json:"id"`
	DetailsSubmitted bool   `json:"details_submitted"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
}

type paymentIntentObject struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

type payoutObject struct {
	ID             string       `json:"id"`
	Amount         int64        `json:"amount"`
	Currency       string       `json:"currency"`
	Status         string       `json:"status"`
	ArrivalDate    int64        `json:"arrival_date"`
	Destination    expandableID `json:"destination"`
	FailureMessage string       `json:"failure_message"`
}

// ParseEvent decodes an authenticated Stripe payload into a typed event.
// Required fields are checked here once; handlers trust the payload shape.
func ParseEvent(payload []byte) (*reconcile.Event, error) {
	var se stripe.Event
	if err := json.Unmarshal(payload, &se); err != nil {
		return nil, fmt.Errorf("%w: %v", reconcile.ErrMalformedEvent, err)
	}
	if se.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", reconcile.ErrMalformedEvent)
	}
	if se.Type == "" {
		return nil, fmt.Errorf("%w: missing event type on %s", reconcile.ErrMalformedEvent, se.ID)
	}

	ev := &reconcile.Event{
		ID:       se.ID,
		Type:     string(se.Type),
		Category: eventCategories[se.Type],
		Account:  se.Account,
		Raw:      payload,
	}
	if se.Created > 0 {
		ev.Created = time.Unix(se.Created, 0).UTC()
	}
	if ev.Category == reconcile.CategoryUnknown {
		return ev, nil
	}
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: %s has no data object", reconcile.ErrMalformedEvent, se.ID)
	}

	payloadObj, err := parseObject(ev, se.Data.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", reconcile.ErrMalformedEvent, se.Type, se.ID, err)
	}
	ev.Payload = payloadObj
	return ev, nil
}

func parseObject(ev *reconcile.Event, raw json.RawMessage) (reconcile.Payload, error) {
	switch ev.Category {
	case reconcile.CategoryCheckoutCompleted:
		return parseCheckout(raw)
	case reconcile.CategorySubscriptionUpsert, reconcile.CategorySubscriptionDeleted:
		detail, err := parseSubscription(raw)
		if err != nil {
			return nil, err
		}
		return &reconcile.SubscriptionChange{SubscriptionDetail: *detail}, nil
	case reconcile.CategoryInvoicePaid, reconcile.CategoryInvoiceFailed:
		return parseInvoice(raw, ev.Category)
	case reconcile.CategoryPaymentMethodAttached, reconcile.CategoryPaymentMethodDetached:
		return parsePaymentMethod(raw)
	case reconcile.CategoryAccountUpdated, reconcile.CategoryAccountAuthorized, reconcile.CategoryAccountDeauthorized:
		return parseAccount(raw, ev)
	case reconcile.CategoryPaymentIntentSucceeded, reconcile.CategoryPaymentIntentFailed:
		return parsePaymentIntent(raw)
	case reconcile.CategoryPayoutCreated, reconcile.CategoryPayoutPaid, reconcile.CategoryPayoutFailed:
		return parsePayout(raw)
	}
	return nil, fmt.Errorf("no parser for category %s", ev.Category)
}

func parseCheckout(raw json.RawMessage) (*reconcile.CheckoutCompleted, error) {
	var obj checkoutSessionObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj.ID == "" {
		return nil, fmt.Errorf("checkout session has no id")
	}

	out := &reconcile.CheckoutCompleted{
		SessionID:          obj.ID,
		UserID:             obj.Metadata[metadataUserID],
		PlanID:             obj.Metadata[metadataPlanID],
		ProviderCustomerID: string(obj.Customer),
	}
	if out.UserID == "" {
		out.UserID = obj.ClientReferenceID
	}

	sub := bytes.TrimSpace(obj.Subscription)
	switch {
	case len(sub) == 0 || bytes.Equal(sub, []byte("null")):
	case sub[0] == '{':
		detail, err := parseSubscription(sub)
		if err != nil {
			return nil, err
		}
		out.ProviderSubscriptionID = detail.ProviderSubscriptionID
		if detail.Status != "" {
			out.Subscription = detail
		}
	default:
		var id expandableID
		if err := json.Unmarshal(sub, &id); err != nil {
			return nil, err
		}
		out.ProviderSubscriptionID = string(id)
	}
	return out, nil
}

func parseSubscription(raw json.RawMessage) (*reconcile.SubscriptionDetail, error) {
	var obj subscriptionObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj.ID == "" {
		return nil, fmt.Errorf("subscription has no id")
	}

	// Newer API versions moved the billing period onto subscription items.
	start, end := obj.CurrentPeriodStart, obj.CurrentPeriodEnd
	if len(obj.Items.Data) > 0 {
		if start == 0 {
			start = obj.Items.Data[0].CurrentPeriodStart
		}
		if end == 0 {
			end = obj.Items.Data[0].CurrentPeriodEnd
		}
	}

	return &reconcile.SubscriptionDetail{
		ProviderSubscriptionID: obj.ID,
		ProviderCustomerID:     string(obj.Customer),
		Status:                 reconcile.SubscriptionStatus(obj.Status),
		CurrentPeriodStart:     unixTime(start),
		CurrentPeriodEnd:       unixTime(end),
		CancelAtPeriodEnd:      obj.CancelAtPeriodEnd,
		CanceledAt:             unixTimePtr(obj.CanceledAt),
	}, nil
}

func parseInvoice(raw json.RawMessage, category reconcile.Category) (*reconcile.InvoiceSettled, error) {
	var obj invoiceObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj.ID == "" {
		return nil, fmt.Errorf("invoice has no id")
	}

	subscriptionID := string(obj.Subscription)
	if subscriptionID == "" && obj.Parent != nil && obj.Parent.SubscriptionDetails != nil {
		subscriptionID = string(obj.Parent.SubscriptionDetails.Subscription)
	}

	amount := obj.AmountPaid
	if category == reconcile.CategoryInvoiceFailed {
		amount = obj.AmountDue
	}

	return &reconcile.InvoiceSettled{
		ProviderInvoiceID:       obj.ID,
		ProviderSubscriptionID:  subscriptionID,
		ProviderCustomerID:      string(obj.Customer),
		ProviderPaymentIntentID: string(obj.PaymentIntent),
		AmountMinor:             amount,
		Currency:                obj.Currency,
		Description:             obj.Description,
		AttemptCount:            obj.AttemptCount,
	}, nil
}

func parsePaymentMethod(raw json.RawMessage) (*reconcile.PaymentMethodChange, error) {
	var obj paymentMethodObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj.ID == "" {
		return nil, fmt.Errorf("payment method has no id")
	}

	out := &reconcile.PaymentMethodChange{
		ProviderPaymentMethodID: obj.ID,
		ProviderCustomerID:      string(obj.Customer),
	}
	if obj.Card != nil {
		out.CardBrand = obj.Card.Brand
		out.CardLast4 = obj.Card.Last4
		out.CardExpMonth = obj.Card.ExpMonth
		out.CardExpYear = obj.Card.ExpYear
	}
	return out, nil
}

func parseAccount(raw json.RawMessage, ev *reconcile.Event) (*reconcile.AccountChange, error) {
	// account.application.* carry an application object; the account is on the envelope.
	if ev.Category != reconcile.CategoryAccountUpdated {
		if ev.Account == "" {
			return nil, fmt.Errorf("application event has no account")
		}
		return &reconcile.AccountChange{ProviderConnectID: ev.Account}, nil
	}

	var obj accountObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj.ID == "" {
		return nil, fmt.Errorf("account has no id")
	}
	return &reconcile.AccountChange{
		ProviderConnectID: obj.ID,
		DetailsSubmitted:  obj.DetailsSubmitted,
		ChargesEnabled:    obj.ChargesEnabled,
		PayoutsEnabled:    obj.PayoutsEnabled,
	}, nil
}

func parsePaymentIntent(raw json.RawMessage) (*reconcile.PaymentIntentChange, error) {
	var obj paymentIntentObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj.ID == "" {
		return nil, fmt.Errorf("payment intent has no id")
	}
	return &reconcile.PaymentIntentChange{
		ProviderPaymentIntentID: obj.ID,
		BookingID:               obj.Metadata[metadataBookingID],
		AmountMinor:             obj.Amount,
		Currency:                obj.Currency,
	}, nil
}

func parsePayout(raw json.RawMessage) (*reconcile.PayoutChange, error) {
	var obj payoutObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj.ID == "" {
		return nil, fmt.Errorf("payout has no id")
	}
	var arrival *time.Time
	if obj.ArrivalDate > 0 {
		t := time.Unix(obj.ArrivalDate, 0).UTC()
		arrival = &t
	}
	return &reconcile.PayoutChange{
		ProviderPayoutID: obj.ID,
		Destination:      string(obj.Destination),
		AmountMinor:      obj.Amount,
		Currency:         obj.Currency,
		Status:           obj.Status,
		ArrivalDate:      arrival,
		FailureMessage:   obj.FailureMessage,
	}, nil
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixTimePtr(sec *int64) *time.Time {
	if sec == nil || *sec <= 0 {
		return nil
	}
	t := time.Unix(*sec, 0).UTC()
	return &t
}
