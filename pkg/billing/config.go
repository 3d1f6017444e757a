package billing

import (
	"context"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Engine receives every verified, parsed event.
	Engine *reconcile.Engine

	// WebhookSecret is used to verify incoming webhook requests.
	WebhookSecret string

	// Metrics is an optional metrics collector for webhook and API traffic.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional structured logger (default: no-op).
	Logger reconcile.Logger

	// WebhookCallback is invoked after an event has been reconciled and is
	// about to be acknowledged. Its error is logged and never fails the delivery.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error
}
