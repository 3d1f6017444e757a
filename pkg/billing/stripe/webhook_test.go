package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
	"github.com/mihaimyh/payrecon/storage/memory"
)

// failingStore rejects every atomic write, as a database outage would.
type failingStore struct {
	*memory.Storage
}

func (s *failingStore) Atomic(context.Context, func(tx reconcile.Store) error) error {
	return errors.Join(reconcile.ErrStoreUnavailable, errors.New("connection refused"))
}

func seedSubscriber(t *testing.T, store *memory.Storage) {
	t.Helper()
	store.PutProfile(&reconcile.Profile{UserID: testUserID, MembershipStatus: reconcile.MembershipActive})
	require.NoError(t, store.InsertSubscription(context.Background(), &reconcile.Subscription{
		ID:                     "local-sub",
		UserID:                 testUserID,
		PlanID:                 "pro",
		ProviderSubscriptionID: testSubID,
		Status:                 reconcile.SubscriptionActive,
	}))
}

const invoiceObjectJSON = `{"id":"in_1","object":"invoice","customer":"cus_1","subscription":"sub_123","amount_paid":1999,"amount_due":1999,"currency":"usd"}`

func TestWebhook_InvalidSignatureRejected(t *testing.T) {
	store := memory.New()
	seedSubscriber(t, store)
	provider := newTestProvider(t, store)

	eventTypes := []string{
		"checkout.session.completed",
		"customer.subscription.updated",
		"invoice.paid",
		"payout.paid",
		"some.unknown.type",
	}
	for _, eventType := range eventTypes {
		t.Run(eventType, func(t *testing.T) {
			payload := eventJSON("evt_forged", eventType, invoiceObjectJSON)
			rec := deliver(provider, signedRequest("whsec_attacker", payload))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	assert.Empty(t, store.PaymentTransactions(testUserID))
	_, err := store.GetEvent(context.Background(), "evt_forged")
	assert.ErrorIs(t, err, reconcile.ErrEntityNotFound)
}

func TestWebhook_UnknownTypeAcknowledged(t *testing.T) {
	provider := newTestProvider(t, memory.New())

	rec := deliver(provider, signedRequest(testSecret, eventJSON("evt_1", "customer.tax_id.created", `{"id":"txi_1"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
}

func TestWebhook_MalformedEventRejected(t *testing.T) {
	provider := newTestProvider(t, memory.New())

	tests := map[string][]byte{
		"not json":       []byte(`{"id":`),
		"missing object": []byte(`{"id":"evt_1","type":"invoice.paid","created":1700000000,"data":{}}`),
		"object no id":   eventJSON("evt_2", "invoice.paid", `{"amount_paid":100}`),
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			rec := deliver(provider, signedRequest(testSecret, payload))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestWebhook_InvoiceRedeliveryAppliedOnce(t *testing.T) {
	store := memory.New()
	seedSubscriber(t, store)
	provider := newTestProvider(t, store)
	payload := eventJSON("evt_inv", "invoice.paid", invoiceObjectJSON)

	for i := 0; i < 3; i++ {
		rec := deliver(provider, signedRequest(testSecret, payload))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	txns := store.PaymentTransactions(testUserID)
	require.Len(t, txns, 1)
	assert.Equal(t, reconcile.PaymentSucceeded, txns[0].Status)
	assert.Equal(t, "19.99", txns[0].Amount.StringFixed(2))
	assert.Len(t, store.Notifications(testUserID), 1)

	rec, err := store.GetEvent(context.Background(), "evt_inv")
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventDone, rec.State)
}

func TestWebhook_ConcurrentDeliveries(t *testing.T) {
	store := memory.New()
	seedSubscriber(t, store)
	provider := newTestProvider(t, store)
	payload := eventJSON("evt_race", "invoice.paid", invoiceObjectJSON)

	var wg sync.WaitGroup
	codes := make([]int, 10)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = deliver(provider, signedRequest(testSecret, payload)).Code
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Contains(t, []int{http.StatusOK, http.StatusConflict}, code)
	}
	assert.Len(t, store.PaymentTransactions(testUserID), 1)
	assert.Len(t, store.Notifications(testUserID), 1)
}

func TestWebhook_StoreFailureIsRetryable(t *testing.T) {
	store := &failingStore{Storage: memory.New()}
	seedSubscriber(t, store.Storage)
	provider := newTestProvider(t, store)

	rec := deliver(provider, signedRequest(testSecret, eventJSON("evt_down", "invoice.paid", invoiceObjectJSON)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])

	got, err := store.GetEvent(context.Background(), "evt_down")
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventFailed, got.State)

	// Once the store recovers the same event is applied.
	healthy := newTestProvider(t, store.Storage)
	rec = deliver(healthy, signedRequest(testSecret, eventJSON("evt_down", "invoice.paid", invoiceObjectJSON)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, store.PaymentTransactions(testUserID), 1)
}

func TestWebhook_SubscriptionLifecycle(t *testing.T) {
	store := memory.New()
	seedSubscriber(t, store)
	provider := newTestProvider(t, store)

	updated := eventJSON("evt_upd", "customer.subscription.updated",
		`{"id":"sub_123","customer":"cus_1","status":"past_due","current_period_start":1700000000,"current_period_end":1702592000}`)
	require.Equal(t, http.StatusOK, deliver(provider, signedRequest(testSecret, updated)).Code)

	subs := store.Subscriptions(testUserID)
	require.Len(t, subs, 1)
	assert.Equal(t, reconcile.SubscriptionPastDue, subs[0].Status)

	deleted := eventJSON("evt_del", "customer.subscription.deleted",
		`{"id":"sub_123","customer":"cus_1","status":"canceled","canceled_at":1700000500}`)
	require.Equal(t, http.StatusOK, deliver(provider, signedRequest(testSecret, deleted)).Code)

	subs = store.Subscriptions(testUserID)
	require.Len(t, subs, 1)
	assert.Equal(t, reconcile.SubscriptionCanceled, subs[0].Status)

	profile, err := store.GetProfile(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, reconcile.MembershipInactive, profile.MembershipStatus)
	assert.NotNil(t, profile.MembershipEndDate)
}

func TestWebhook_ConnectAccountUpdated(t *testing.T) {
	store := memory.New()
	store.PutProfile(&reconcile.Profile{UserID: "host_1", ProviderConnectID: "acct_1", ProviderConnectStatus: reconcile.ConnectStatusPending})
	provider := newTestProvider(t, store)

	payload := connectEventJSON("evt_acct", "account.updated", "acct_1",
		`{"id":"acct_1","details_submitted":true,"charges_enabled":true,"payouts_enabled":true}`)
	require.Equal(t, http.StatusOK, deliver(provider, signedRequest(testSecret, payload)).Code)

	profile, err := store.GetProfile(context.Background(), "host_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.ConnectStatusComplete, profile.ProviderConnectStatus)
	assert.Len(t, store.Notifications("host_1"), 1)
}
