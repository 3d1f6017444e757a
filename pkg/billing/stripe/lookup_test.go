package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/payrecon/pkg/billing"
	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

func newTestLookup(t *testing.T, handler http.HandlerFunc) *Lookup {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		URL:               stripe.String(server.URL),
		HTTPClient:        server.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	lookup, err := NewLookup(LookupConfig{APIKey: "sk_test_123", Backends: backends})
	require.NoError(t, err)
	return lookup
}

func TestNewLookup_RequiresAPIKey(t *testing.T) {
	_, err := NewLookup(LookupConfig{APIKey: "  "})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestLookup_LookupSubscription(t *testing.T) {
	lookup := newTestLookup(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions/sub_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sub_1","object":"subscription","customer":"cus_1","status":"active",` +
			`"cancel_at_period_end":false,"items":{"object":"list","data":[{"id":"si_1","current_period_start":1700000000,"current_period_end":1702592000}]}}`))
	})

	var _ reconcile.SubscriptionLookup = lookup

	detail, err := lookup.LookupSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", detail.ProviderSubscriptionID)
	assert.Equal(t, "cus_1", detail.ProviderCustomerID)
	assert.Equal(t, reconcile.SubscriptionActive, detail.Status)
	assert.Equal(t, time.Unix(1702592000, 0).UTC(), detail.CurrentPeriodEnd)
}

func TestLookup_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"not found is permanent", http.StatusNotFound, false},
		{"unauthorized is permanent", http.StatusUnauthorized, false},
		{"rate limited is transient", http.StatusTooManyRequests, true},
		{"server error is transient", http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := newTestLookup(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"nope"}}`))
			})

			_, err := lookup.LookupSubscription(context.Background(), "sub_1")
			require.Error(t, err)
			assert.ErrorIs(t, err, billing.ErrProviderAPIError)
			assert.Equal(t, tt.wantTransient, errors.Is(err, reconcile.ErrTransient))
		})
	}
}
