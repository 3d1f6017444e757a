package stripe

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/payrecon/pkg/billing"
	"github.com/mihaimyh/payrecon/pkg/billing/internal"
	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

// handleWebhook verifies, parses and reconciles a single Stripe delivery.
// 2xx acknowledges the event; 4xx and 5xx make Stripe redeliver it.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		_ = internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if p.config.WebhookSecret == "" {
		_ = internal.WriteError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, p.config.BodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			_ = internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			_ = internal.WriteError(w, http.StatusBadRequest, "invalid payload")
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	if err := p.verifier.Verify(body, r.Header.Get(signatureHeader)); err != nil {
		p.logger.Warn("rejecting webhook with invalid signature", reconcile.Field{Key: "error", Value: err})
		_ = internal.WriteError(w, http.StatusBadRequest, "invalid signature")
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	event, err := ParseEvent(body)
	if err != nil {
		p.logger.Error("rejecting malformed webhook", reconcile.Field{Key: "error", Value: err})
		_ = internal.WriteError(w, http.StatusBadRequest, "malformed event")
		p.metrics.RecordWebhookError(providerName, "malformed_event")
		return
	}

	res, err := p.engine.Process(r.Context(), event)
	if err != nil {
		status := reconcile.StatusCode(err)
		_ = internal.WriteError(w, status, http.StatusText(status))
		p.metrics.RecordWebhookEvent(providerName, event.Type, "error")
		p.metrics.RecordWebhookError(providerName, reconcile.ErrorKind(err))
		p.metrics.RecordWebhookProcessingDuration(providerName, event.Type, time.Since(startTime))
		return
	}

	if p.config.WebhookCallback != nil {
		cbErr := p.config.WebhookCallback(r.Context(), billing.WebhookEvent{
			Provider:       providerName,
			EventID:        res.EventID,
			EventType:      event.Type,
			Category:       res.Category,
			Outcome:        res.Outcome,
			EventTimestamp: event.Created,
			Notifications:  res.Notifications,
		})
		if cbErr != nil {
			p.logger.Warn("webhook callback failed",
				reconcile.Field{Key: "event_id", Value: res.EventID},
				reconcile.Field{Key: "error", Value: cbErr},
			)
		}
	}

	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
	p.metrics.RecordWebhookEvent(providerName, event.Type, string(res.Outcome))
	p.metrics.RecordWebhookProcessingDuration(providerName, event.Type, time.Since(startTime))
}
