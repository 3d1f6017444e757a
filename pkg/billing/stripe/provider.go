package stripe

import (
	"net/http"
	"time"

	"github.com/mihaimyh/payrecon/pkg/billing"
	"github.com/mihaimyh/payrecon/pkg/billing/internal"
	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

const (
	providerName             = "stripe"
	defaultBodyLimit         = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Engine, WebhookSecret, etc.)

	// SignatureTolerance is the accepted age of a signed timestamp (default: 5m)
	SignatureTolerance time.Duration

	// BodyLimit caps the webhook request body in bytes (default: 256KiB)
	BodyLimit int64

	// RateLimit is the number of webhook requests allowed per client IP per
	// RateLimitWindow (default: 100 per minute). Negative disables limiting.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	engine      *reconcile.Engine
	config      Config
	verifier    *Verifier
	rateLimiter *internal.RateLimiter
	metrics     billing.Metrics
	logger      reconcile.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Engine == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	if config.BodyLimit <= 0 {
		config.BodyLimit = defaultBodyLimit
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaultRateLimitRequests
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = defaultRateLimitWindow
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &reconcile.NoopLogger{}
	}

	p := &Provider{
		engine:   config.Engine,
		config:   config,
		verifier: NewVerifier(config.WebhookSecret, config.SignatureTolerance),
		metrics:  metrics,
		logger:   logger,
	}
	if config.RateLimit > 0 {
		p.rateLimiter = internal.NewRateLimiter(config.RateLimit, config.RateLimitWindow)
		p.rateLimiter.OnLimited = func(ip string) {
			p.metrics.RecordWebhookError(providerName, "rate_limited")
			p.logger.Warn("webhook rate limit exceeded", reconcile.Field{Key: "client_ip", Value: ip})
		}
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(handler)
}

// Verify implements billing.Provider.
func (p *Provider) Verify(payload []byte, signature string) error {
	return p.verifier.Verify(payload, signature)
}

// ParseEvent implements billing.Provider.
func (p *Provider) ParseEvent(payload []byte) (*reconcile.Event, error) {
	return ParseEvent(payload)
}
