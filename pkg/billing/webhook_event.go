package billing

import (
	"time"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

// WebhookEvent describes a delivery that was reconciled successfully. It is
// passed to Config.WebhookCallback just before the provider is acknowledged.
type WebhookEvent struct {
	// Provider is the billing provider name ("stripe")
	Provider string

	// EventID is the provider-assigned event identifier
	EventID string

	// EventType is the provider-specific event type
	// Stripe: "invoice.paid", "customer.subscription.updated", etc.
	EventType string

	// Category is the provider-neutral category the event was routed by
	Category reconcile.Category

	// Outcome is applied, duplicate or ignored
	Outcome reconcile.Outcome

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Notifications is the number of notifications written for the event
	Notifications int
}
