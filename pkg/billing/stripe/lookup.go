package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/payrecon/pkg/billing"
	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

const subscriptionsEndpoint = "/v1/subscriptions/{id}"

// LookupConfig configures the subscription lookup client.
type LookupConfig struct {
	// APIKey is a secret or restricted key with read access to subscriptions.
	APIKey string

	// Metrics records API calls (optional).
	Metrics billing.Metrics

	// Backends overrides the Stripe API backends, e.g. to point at stripe-mock.
	Backends *stripe.Backends
}

// Lookup fetches full subscription detail from the Stripe API. It implements
// reconcile.SubscriptionLookup; the engine adds the timeout and circuit breaker.
type Lookup struct {
	client  *stripe.Client
	metrics billing.Metrics
}

// NewLookup creates a Stripe subscription lookup.
func NewLookup(config LookupConfig) (*Lookup, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	var opts []stripe.ClientOption
	if config.Backends != nil {
		opts = append(opts, stripe.WithBackends(config.Backends))
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Lookup{
		client:  stripe.NewClient(apiKey, opts...),
		metrics: metrics,
	}, nil
}

// LookupSubscription implements reconcile.SubscriptionLookup.
func (l *Lookup) LookupSubscription(ctx context.Context, id string) (*reconcile.SubscriptionDetail, error) {
	start := time.Now()
	sub, err := l.client.V1Subscriptions.Retrieve(ctx, id, nil)
	l.metrics.RecordAPICallDuration(providerName, subscriptionsEndpoint, time.Since(start))
	if err != nil {
		l.metrics.RecordAPICall(providerName, subscriptionsEndpoint, apiStatus(err))
		return nil, classifyAPIError(err)
	}
	l.metrics.RecordAPICall(providerName, subscriptionsEndpoint, strconv.Itoa(http.StatusOK))

	// Decode from the raw response so period fields are read the same way as in
	// webhook payloads, whichever API version the account is pinned to.
	if sub.LastResponse != nil && len(sub.LastResponse.RawJSON) > 0 {
		detail, err := parseSubscription(json.RawMessage(sub.LastResponse.RawJSON))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decode subscription %s: %v", billing.ErrProviderAPIError, id, err)
		}
		return detail, nil
	}

	detail := &reconcile.SubscriptionDetail{
		ProviderSubscriptionID: sub.ID,
		Status:                 reconcile.SubscriptionStatus(sub.Status),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		CanceledAt:             unixTimePtr(&sub.CanceledAt),
	}
	if sub.Customer != nil {
		detail.ProviderCustomerID = sub.Customer.ID
	}
	return detail, nil
}

// classifyAPIError marks rate limits, server errors and network failures as
// retryable. Other 4xx responses are permanent.
func classifyAPIError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := stripeErr.HTTPStatusCode
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %w: %v", reconcile.ErrTransient, billing.ErrProviderAPIError, err)
		}
		return fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w: %v", reconcile.ErrTransient, billing.ErrProviderAPIError, err)
}

func apiStatus(err error) string {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode > 0 {
		return strconv.Itoa(stripeErr.HTTPStatusCode)
	}
	return "error"
}
