package billing

import (
	"net/http"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

// Provider is the generic interface a payment provider integration implements.
// The reconciliation engine only ever sees the provider-neutral reconcile.Event.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that receives provider events.
	// The implementation verifies, parses and hands events to the engine internally.
	WebhookHandler() http.Handler

	// Verify authenticates a raw payload against its signature header.
	// Failures wrap reconcile.ErrSignatureInvalid.
	Verify(payload []byte, signature string) error

	// ParseEvent decodes an already authenticated payload.
	// Failures wrap reconcile.ErrMalformedEvent.
	ParseEvent(payload []byte) (*reconcile.Event, error)
}
