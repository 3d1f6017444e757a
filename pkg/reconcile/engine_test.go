package reconcile_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
	"github.com/mihaimyh/payrecon/storage/memory"
)

var testNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, store reconcile.Store, mutate ...func(*reconcile.Config)) *reconcile.Engine {
	t.Helper()
	cfg := reconcile.Config{
		Now: func() time.Time { return testNow },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	engine, err := reconcile.NewEngine(store, cfg)
	require.NoError(t, err)
	return engine
}

func seedSubscription(t *testing.T, store *memory.Storage, userID, providerSubID string, status reconcile.SubscriptionStatus) {
	t.Helper()
	store.PutProfile(&reconcile.Profile{UserID: userID, ProviderCustomerID: "cus_" + userID})
	require.NoError(t, store.InsertSubscription(context.Background(), &reconcile.Subscription{
		ID:                     "local-" + providerSubID,
		UserID:                 userID,
		PlanID:                 "pro",
		ProviderSubscriptionID: providerSubID,
		ProviderCustomerID:     "cus_" + userID,
		Status:                 status,
		LastEventAt:            testNow.Add(-time.Hour),
	}))
}

func invoicePaid(id, subID string) *reconcile.Event {
	return &reconcile.Event{
		ID:       id,
		Type:     "invoice.paid",
		Category: reconcile.CategoryInvoicePaid,
		Created:  testNow,
		Payload: &reconcile.InvoiceSettled{
			ProviderInvoiceID:      "in_" + id,
			ProviderSubscriptionID: subID,
			AmountMinor:            1999,
			Currency:               "usd",
		},
	}
}

func TestNewEngine_RequiresStore(t *testing.T) {
	_, err := reconcile.NewEngine(nil, reconcile.Config{})
	assert.ErrorIs(t, err, reconcile.ErrNotConfigured)
}

func TestNewEngine_LeaseMustOutlastLookup(t *testing.T) {
	_, err := reconcile.NewEngine(memory.New(), reconcile.Config{
		InProgressTTL: time.Second,
		LookupTimeout: 5 * time.Second,
	})
	assert.ErrorIs(t, err, reconcile.ErrNotConfigured)

	_, err = reconcile.NewEngine(memory.New(), reconcile.Config{InProgressTTL: 5 * time.Second})
	assert.ErrorIs(t, err, reconcile.ErrNotConfigured)

	_, err = reconcile.NewEngine(memory.New(), reconcile.Config{InProgressTTL: 6 * time.Second})
	assert.NoError(t, err)
}

func TestEngine_Idempotency_Sequential(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, "user1", "sub_1", reconcile.SubscriptionActive)
	engine := newTestEngine(t, store)
	ctx := context.Background()

	ev := invoicePaid("evt_1", "sub_1")
	res, err := engine.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, res.Outcome)
	assert.Equal(t, 1, res.Notifications)

	for i := 0; i < 3; i++ {
		res, err = engine.Process(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, reconcile.OutcomeDuplicate, res.Outcome)
	}

	txns := store.PaymentTransactions("user1")
	require.Len(t, txns, 1)
	assert.True(t, decimal.RequireFromString("19.99").Equal(txns[0].Amount))
	assert.Equal(t, reconcile.PaymentSucceeded, txns[0].Status)
	assert.Equal(t, "local-sub_1", txns[0].SubscriptionID)
	assert.Len(t, store.Notifications("user1"), 1)

	rec, err := store.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventDone, rec.State)
}

func TestEngine_Idempotency_Concurrent(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, "user1", "sub_1", reconcile.SubscriptionActive)
	engine := newTestEngine(t, store)

	outcomes := make([]reconcile.Outcome, 10)
	errs := make([]error, 10)
	var g errgroup.Group
	for i := range outcomes {
		g.Go(func() error {
			res, err := engine.Process(context.Background(), invoicePaid("evt_c", "sub_1"))
			outcomes[i], errs[i] = res.Outcome, err
			return nil
		})
	}
	require.NoError(t, g.Wait())

	applied := 0
	for i := range outcomes {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], reconcile.ErrConflict)
			assert.Equal(t, http.StatusConflict, reconcile.StatusCode(errs[i]))
			continue
		}
		if outcomes[i] == reconcile.OutcomeApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
	assert.Len(t, store.PaymentTransactions("user1"), 1)
	assert.Len(t, store.Notifications("user1"), 1)
}

func TestEngine_UnknownCategoryIgnored(t *testing.T) {
	store := memory.New()
	engine := newTestEngine(t, store)
	ctx := context.Background()

	res, err := engine.Process(ctx, &reconcile.Event{ID: "evt_x", Type: "customer.tax_id.created"})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeIgnored, res.Outcome)

	_, err = store.GetEvent(ctx, "evt_x")
	assert.ErrorIs(t, err, reconcile.ErrEntityNotFound)
}

func TestEngine_MalformedEventRejected(t *testing.T) {
	engine := newTestEngine(t, memory.New())

	_, err := engine.Process(context.Background(), &reconcile.Event{
		ID:       "evt_bad",
		Type:     "invoice.paid",
		Category: reconcile.CategoryInvoicePaid,
		Payload:  &reconcile.PayoutChange{},
	})
	assert.ErrorIs(t, err, reconcile.ErrMalformedEvent)
	assert.Equal(t, http.StatusBadRequest, reconcile.StatusCode(err))
}

func TestEngine_NilEventRejected(t *testing.T) {
	engine := newTestEngine(t, memory.New())

	res, err := engine.Process(context.Background(), nil)
	assert.ErrorIs(t, err, reconcile.ErrMalformedEvent)
	assert.Equal(t, http.StatusBadRequest, reconcile.StatusCode(err))
	assert.Empty(t, res.EventID)
}

func TestEngine_SubscriptionStatusMapping(t *testing.T) {
	tests := []struct {
		status     reconcile.SubscriptionStatus
		wantStatus reconcile.MembershipStatus
		wantEnd    bool
	}{
		{reconcile.SubscriptionActive, reconcile.MembershipActive, false},
		{reconcile.SubscriptionCanceled, reconcile.MembershipInactive, true},
		{reconcile.SubscriptionUnpaid, reconcile.MembershipInactive, true},
		{reconcile.SubscriptionIncompleteExpired, reconcile.MembershipInactive, true},
		{reconcile.SubscriptionPastDue, "unchanged", false},
		{reconcile.SubscriptionTrialing, "unchanged", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			store := memory.New()
			seedSubscription(t, store, "user1", "sub_1", reconcile.SubscriptionIncomplete)
			require.NoError(t, store.UpdateMembership(context.Background(), "user1", reconcile.MembershipUpdate{
				Status: statusPtr("unchanged"),
			}))
			engine := newTestEngine(t, store)

			start := testNow.Add(-24 * time.Hour)
			end := testNow.Add(29 * 24 * time.Hour)
			_, err := engine.Process(context.Background(), &reconcile.Event{
				ID:       "evt_" + string(tt.status),
				Type:     "customer.subscription.updated",
				Category: reconcile.CategorySubscriptionUpsert,
				Created:  testNow,
				Payload: &reconcile.SubscriptionChange{SubscriptionDetail: reconcile.SubscriptionDetail{
					ProviderSubscriptionID: "sub_1",
					Status:                 tt.status,
					CurrentPeriodStart:     start,
					CurrentPeriodEnd:       end,
				}},
			})
			require.NoError(t, err)

			sub, err := store.GetSubscriptionByProviderID(context.Background(), "sub_1")
			require.NoError(t, err)
			assert.Equal(t, tt.status, sub.Status)
			assert.Equal(t, start, sub.CurrentPeriodStart)
			assert.Equal(t, end, sub.CurrentPeriodEnd)

			profile, err := store.GetProfile(context.Background(), "user1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, profile.MembershipStatus)
			if tt.wantEnd {
				require.NotNil(t, profile.MembershipEndDate)
				assert.Equal(t, testNow, *profile.MembershipEndDate)
			} else {
				assert.Nil(t, profile.MembershipEndDate)
			}
		})
	}
}

func statusPtr(s reconcile.MembershipStatus) *reconcile.MembershipStatus {
	return &s
}

func TestEngine_SubscriptionUpsert_StaleEventIgnored(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, "user1", "sub_1", reconcile.SubscriptionActive)
	engine := newTestEngine(t, store)

	_, err := engine.Process(context.Background(), &reconcile.Event{
		ID:       "evt_old",
		Type:     "customer.subscription.updated",
		Category: reconcile.CategorySubscriptionUpsert,
		Created:  testNow.Add(-2 * time.Hour),
		Payload: &reconcile.SubscriptionChange{SubscriptionDetail: reconcile.SubscriptionDetail{
			ProviderSubscriptionID: "sub_1",
			Status:                 reconcile.SubscriptionPastDue,
		}},
	})
	require.NoError(t, err)

	sub, err := store.GetSubscriptionByProviderID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.SubscriptionActive, sub.Status)
}

func TestEngine_SubscriptionUpsert_UnknownSubscriptionIsNoop(t *testing.T) {
	store := memory.New()
	engine := newTestEngine(t, store)

	res, err := engine.Process(context.Background(), &reconcile.Event{
		ID:       "evt_orphan",
		Type:     "customer.subscription.updated",
		Category: reconcile.CategorySubscriptionUpsert,
		Created:  testNow,
		Payload: &reconcile.SubscriptionChange{SubscriptionDetail: reconcile.SubscriptionDetail{
			ProviderSubscriptionID: "sub_missing",
			Status:                 reconcile.SubscriptionActive,
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, res.Outcome)
	assert.Equal(t, 0, store.Parked("sub_missing"))
}

func TestEngine_SubscriptionDeleted(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, "user1", "sub_1", reconcile.SubscriptionActive)
	engine := newTestEngine(t, store)
	ctx := context.Background()

	_, err := engine.Process(ctx, &reconcile.Event{
		ID:       "evt_del",
		Type:     "customer.subscription.deleted",
		Category: reconcile.CategorySubscriptionDeleted,
		Created:  testNow,
		Payload: &reconcile.SubscriptionChange{SubscriptionDetail: reconcile.SubscriptionDetail{
			ProviderSubscriptionID: "sub_1",
		}},
	})
	require.NoError(t, err)

	sub, err := store.GetSubscriptionByProviderID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.SubscriptionCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
	assert.Equal(t, testNow, *sub.CanceledAt)

	profile, err := store.GetProfile(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.MembershipInactive, profile.MembershipStatus)
	require.NotNil(t, profile.MembershipEndDate)

	// Missing subscription is a benign no-op
	_, err = engine.Process(ctx, &reconcile.Event{
		ID:       "evt_del_missing",
		Type:     "customer.subscription.deleted",
		Category: reconcile.CategorySubscriptionDeleted,
		Payload: &reconcile.SubscriptionChange{SubscriptionDetail: reconcile.SubscriptionDetail{
			ProviderSubscriptionID: "sub_other",
		}},
	})
	assert.NoError(t, err)
}

func checkoutEvent(id string, detail *reconcile.SubscriptionDetail) *reconcile.Event {
	return &reconcile.Event{
		ID:       id,
		Type:     "checkout.session.completed",
		Category: reconcile.CategoryCheckoutCompleted,
		Created:  testNow,
		Payload: &reconcile.CheckoutCompleted{
			SessionID:              "cs_" + id,
			UserID:                 "user1",
			PlanID:                 "pro",
			ProviderCustomerID:     "cus_new",
			ProviderSubscriptionID: "sub_new",
			Subscription:           detail,
		},
	}
}

func TestEngine_CheckoutCompleted_InsertsAndActivates(t *testing.T) {
	store := memory.New()
	store.PutProfile(&reconcile.Profile{UserID: "user1", MembershipStatus: reconcile.MembershipInactive})
	engine := newTestEngine(t, store)
	ctx := context.Background()

	detail := &reconcile.SubscriptionDetail{
		ProviderSubscriptionID: "sub_new",
		Status:                 reconcile.SubscriptionActive,
		CurrentPeriodStart:     testNow,
		CurrentPeriodEnd:       testNow.AddDate(0, 1, 0),
	}
	_, err := engine.Process(ctx, checkoutEvent("evt_co", detail))
	require.NoError(t, err)

	// A second checkout event for the same subscription updates in place
	_, err = engine.Process(ctx, checkoutEvent("evt_co_2", detail))
	require.NoError(t, err)

	subs := store.Subscriptions("user1")
	require.Len(t, subs, 1)
	assert.Equal(t, "pro", subs[0].PlanID)
	assert.Equal(t, "cus_new", subs[0].ProviderCustomerID)
	assert.Equal(t, reconcile.SubscriptionActive, subs[0].Status)

	profile, err := store.GetProfile(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.MembershipActive, profile.MembershipStatus)
	assert.Equal(t, "cus_new", profile.ProviderCustomerID)
	require.NotNil(t, profile.MembershipStartDate)
	assert.Equal(t, testNow, *profile.MembershipStartDate)
}

func TestEngine_CheckoutCompleted_UpdatesActiveSubscription(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, "user1", "sub_old", reconcile.SubscriptionActive)
	engine := newTestEngine(t, store)

	_, err := engine.Process(context.Background(), checkoutEvent("evt_co", &reconcile.SubscriptionDetail{
		ProviderSubscriptionID: "sub_new",
		Status:                 reconcile.SubscriptionActive,
	}))
	require.NoError(t, err)

	subs := store.Subscriptions("user1")
	require.Len(t, subs, 1)
	assert.Equal(t, "local-sub_old", subs[0].ID)
	assert.Equal(t, "sub_new", subs[0].ProviderSubscriptionID)
}

func TestEngine_CheckoutCompleted_MissingMetadataIsNoop(t *testing.T) {
	store := memory.New()
	engine := newTestEngine(t, store)

	ev := checkoutEvent("evt_co", nil)
	ev.Payload.(*reconcile.CheckoutCompleted).UserID = ""
	res, err := engine.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, res.Outcome)
	assert.Empty(t, store.Subscriptions("user1"))
}

func TestEngine_CheckoutCompleted_UsesLookup(t *testing.T) {
	store := memory.New()
	store.PutProfile(&reconcile.Profile{UserID: "user1"})
	calls := 0
	engine := newTestEngine(t, store, func(c *reconcile.Config) {
		c.Lookup = reconcile.SubscriptionLookupFunc(func(ctx context.Context, id string) (*reconcile.SubscriptionDetail, error) {
			calls++
			return &reconcile.SubscriptionDetail{
				ProviderSubscriptionID: id,
				Status:                 reconcile.SubscriptionTrialing,
				CurrentPeriodEnd:       testNow.AddDate(0, 0, 14),
			}, nil
		})
	})

	_, err := engine.Process(context.Background(), checkoutEvent("evt_co", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	subs := store.Subscriptions("user1")
	require.Len(t, subs, 1)
	assert.Equal(t, reconcile.SubscriptionTrialing, subs[0].Status)
	assert.Equal(t, testNow.AddDate(0, 0, 14), subs[0].CurrentPeriodEnd)
}

func TestEngine_CheckoutCompleted_LookupTimeoutIsRetryable(t *testing.T) {
	store := memory.New()
	store.PutProfile(&reconcile.Profile{UserID: "user1"})
	slow := true
	engine := newTestEngine(t, store, func(c *reconcile.Config) {
		c.LookupTimeout = 20 * time.Millisecond
		c.Lookup = reconcile.SubscriptionLookupFunc(func(ctx context.Context, id string) (*reconcile.SubscriptionDetail, error) {
			if slow {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return &reconcile.SubscriptionDetail{ProviderSubscriptionID: id, Status: reconcile.SubscriptionActive}, nil
		})
	})
	ctx := context.Background()

	_, err := engine.Process(ctx, checkoutEvent("evt_co", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, reconcile.ErrTransient)
	assert.Equal(t, http.StatusInternalServerError, reconcile.StatusCode(err))

	rec, err := store.GetEvent(ctx, "evt_co")
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventFailed, rec.State)
	assert.Empty(t, store.Subscriptions("user1"))

	// Redelivery takes over the failed record
	slow = false
	res, err := engine.Process(ctx, checkoutEvent("evt_co", nil))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, res.Outcome)
	assert.Len(t, store.Subscriptions("user1"), 1)

	rec, err = store.GetEvent(ctx, "evt_co")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
}

func TestEngine_ExpiredClaimCannotCommit(t *testing.T) {
	store := memory.New()
	store.PutProfile(&reconcile.Profile{UserID: "user1"})

	var mu sync.Mutex
	now := testNow
	calls := 0
	entered := make(chan struct{})
	release := make(chan struct{})
	engine, err := reconcile.NewEngine(store, reconcile.Config{
		InProgressTTL: time.Minute,
		LookupTimeout: 10 * time.Second,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
		Lookup: reconcile.SubscriptionLookupFunc(func(ctx context.Context, id string) (*reconcile.SubscriptionDetail, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				close(entered)
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return &reconcile.SubscriptionDetail{ProviderSubscriptionID: id, Status: reconcile.SubscriptionActive}, nil
		}),
	})
	require.NoError(t, err)
	ctx := context.Background()

	slowErr := make(chan error, 1)
	go func() {
		_, err := engine.Process(ctx, checkoutEvent("evt_co", nil))
		slowErr <- err
	}()
	<-entered

	// the first delivery's lease runs out and a redelivery takes over
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	res, err := engine.Process(ctx, checkoutEvent("evt_co", nil))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, res.Outcome)

	close(release)
	err = <-slowErr
	assert.ErrorIs(t, err, reconcile.ErrConflict)
	assert.Equal(t, http.StatusConflict, reconcile.StatusCode(err))

	assert.Len(t, store.Subscriptions("user1"), 1)
	assert.Len(t, store.Notifications("user1"), res.Notifications)

	rec, err := store.GetEvent(ctx, "evt_co")
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventDone, rec.State)
	assert.Equal(t, 2, rec.Attempts)
}

func TestEngine_ParkOrphans_ReplayedOnCheckout(t *testing.T) {
	store := memory.New()
	store.PutProfile(&reconcile.Profile{UserID: "user1"})
	engine := newTestEngine(t, store, func(c *reconcile.Config) { c.ParkOrphans = true })
	ctx := context.Background()

	periodEnd := testNow.AddDate(0, 1, 0)
	_, err := engine.Process(ctx, &reconcile.Event{
		ID:       "evt_early",
		Type:     "customer.subscription.updated",
		Category: reconcile.CategorySubscriptionUpsert,
		Created:  testNow.Add(time.Second),
		Payload: &reconcile.SubscriptionChange{SubscriptionDetail: reconcile.SubscriptionDetail{
			ProviderSubscriptionID: "sub_new",
			Status:                 reconcile.SubscriptionActive,
			CurrentPeriodEnd:       periodEnd,
			CancelAtPeriodEnd:      true,
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.Parked("sub_new"))

	_, err = engine.Process(ctx, checkoutEvent("evt_co", &reconcile.SubscriptionDetail{
		ProviderSubscriptionID: "sub_new",
		Status:                 reconcile.SubscriptionIncomplete,
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, store.Parked("sub_new"))

	sub, err := store.GetSubscriptionByProviderID(ctx, "sub_new")
	require.NoError(t, err)
	assert.Equal(t, reconcile.SubscriptionActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, periodEnd, sub.CurrentPeriodEnd)
}

func TestEngine_InvoiceWithoutSubscriptionIgnored(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, "user1", "sub_1", reconcile.SubscriptionActive)
	engine := newTestEngine(t, store)

	res, err := engine.Process(context.Background(), invoicePaid("evt_oneoff", ""))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, res.Outcome)
	assert.Empty(t, store.PaymentTransactions("user1"))
	assert.Empty(t, store.Notifications("user1"))
}

func TestEngine_InvoiceFailed_RecordsAmountDue(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, "user1", "sub_1", reconcile.SubscriptionPastDue)
	engine := newTestEngine(t, store)

	ev := invoicePaid("evt_fail", "sub_1")
	ev.Type = "invoice.payment_failed"
	ev.Category = reconcile.CategoryInvoiceFailed
	ev.Payload.(*reconcile.InvoiceSettled).AttemptCount = 1
	_, err := engine.Process(context.Background(), ev)
	require.NoError(t, err)

	// Same attempt under a new event id is not recorded twice
	dup := invoicePaid("evt_fail_2", "sub_1")
	dup.Category = reconcile.CategoryInvoiceFailed
	dup.Payload.(*reconcile.InvoiceSettled).ProviderInvoiceID = "in_evt_fail"
	dup.Payload.(*reconcile.InvoiceSettled).AttemptCount = 1
	_, err = engine.Process(context.Background(), dup)
	require.NoError(t, err)

	txns := store.PaymentTransactions("user1")
	require.Len(t, txns, 1)
	assert.Equal(t, reconcile.PaymentFailed, txns[0].Status)
	notes := store.Notifications("user1")
	require.Len(t, notes, 1)
	assert.Equal(t, "Payment failed", notes[0].Title)
	assert.False(t, notes[0].Read)
}

func TestEngine_InvoiceFailed_EachAttemptRecorded(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, "user1", "sub_1", reconcile.SubscriptionPastDue)
	engine := newTestEngine(t, store)
	ctx := context.Background()

	for attempt, id := range []string{"evt_fail_attempt1", "evt_fail_attempt2"} {
		ev := invoicePaid(id, "sub_1")
		ev.Type = "invoice.payment_failed"
		ev.Category = reconcile.CategoryInvoiceFailed
		p := ev.Payload.(*reconcile.InvoiceSettled)
		p.ProviderInvoiceID = "in_1"
		p.AttemptCount = attempt + 1
		res, err := engine.Process(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Notifications)
	}

	txns := store.PaymentTransactions("user1")
	require.Len(t, txns, 2)
	assert.ElementsMatch(t, []int{1, 2}, []int{txns[0].AttemptCount, txns[1].AttemptCount})
	assert.Len(t, store.Notifications("user1"), 2)

	// invoice.paid and invoice.payment_succeeded for the settling attempt collapse
	for _, typ := range []string{"invoice.paid", "invoice.payment_succeeded"} {
		ev := invoicePaid("evt_"+typ, "sub_1")
		ev.Type = typ
		p := ev.Payload.(*reconcile.InvoiceSettled)
		p.ProviderInvoiceID = "in_1"
		p.AttemptCount = 3
		_, err := engine.Process(ctx, ev)
		require.NoError(t, err)
	}
	assert.Len(t, store.PaymentTransactions("user1"), 3)
	assert.Len(t, store.Notifications("user1"), 3)
}

func TestEngine_FirstPaymentMethodIsDefault(t *testing.T) {
	store := memory.New()
	store.PutProfile(&reconcile.Profile{UserID: "user1", ProviderCustomerID: "cus_1"})
	engine := newTestEngine(t, store)
	ctx := context.Background()

	attach := func(eventID, pmID, last4 string) {
		_, err := engine.Process(ctx, &reconcile.Event{
			ID:       eventID,
			Type:     "payment_method.attached",
			Category: reconcile.CategoryPaymentMethodAttached,
			Payload: &reconcile.PaymentMethodChange{
				ProviderPaymentMethodID: pmID,
				ProviderCustomerID:      "cus_1",
				CardBrand:               "visa",
				CardLast4:               last4,
				CardExpMonth:            12,
				CardExpYear:             2030,
			},
		})
		require.NoError(t, err)
	}

	attach("evt_a", "pm_A", "4242")
	attach("evt_b", "pm_B", "0005")
	attach("evt_a2", "pm_A", "1111")

	methods := store.PaymentMethods("user1")
	require.Len(t, methods, 2)
	assert.Equal(t, "pm_A", methods[0].ProviderPaymentMethodID)
	assert.True(t, methods[0].IsDefault)
	assert.Equal(t, "1111", methods[0].CardLast4)
	assert.Equal(t, "pm_B", methods[1].ProviderPaymentMethodID)
	assert.False(t, methods[1].IsDefault)

	_, err := engine.Process(ctx, &reconcile.Event{
		ID:       "evt_detach",
		Type:     "payment_method.detached",
		Category: reconcile.CategoryPaymentMethodDetached,
		Payload:  &reconcile.PaymentMethodChange{ProviderPaymentMethodID: "pm_B"},
	})
	require.NoError(t, err)
	_, err = engine.Process(ctx, &reconcile.Event{
		ID:       "evt_detach_missing",
		Type:     "payment_method.detached",
		Category: reconcile.CategoryPaymentMethodDetached,
		Payload:  &reconcile.PaymentMethodChange{ProviderPaymentMethodID: "pm_missing"},
	})
	require.NoError(t, err)
	assert.Len(t, store.PaymentMethods("user1"), 1)
}

func TestEngine_PaymentMethodUnknownCustomerIsNoop(t *testing.T) {
	store := memory.New()
	engine := newTestEngine(t, store)

	_, err := engine.Process(context.Background(), &reconcile.Event{
		ID:       "evt_pm",
		Type:     "payment_method.attached",
		Category: reconcile.CategoryPaymentMethodAttached,
		Payload:  &reconcile.PaymentMethodChange{ProviderPaymentMethodID: "pm_1", ProviderCustomerID: "cus_nobody"},
	})
	require.NoError(t, err)
	_, err = store.GetPaymentMethod(context.Background(), "pm_1")
	assert.ErrorIs(t, err, reconcile.ErrEntityNotFound)
}

func TestEngine_AccountStatus(t *testing.T) {
	tests := []struct {
		name     string
		category reconcile.Category
		change   reconcile.AccountChange
		want     string
	}{
		{"onboarded", reconcile.CategoryAccountUpdated, reconcile.AccountChange{DetailsSubmitted: true, ChargesEnabled: true, PayoutsEnabled: true}, reconcile.ConnectStatusComplete},
		{"incomplete", reconcile.CategoryAccountUpdated, reconcile.AccountChange{DetailsSubmitted: true}, reconcile.ConnectStatusPending},
		{"authorized", reconcile.CategoryAccountAuthorized, reconcile.AccountChange{}, reconcile.ConnectStatusPending},
		{"deauthorized", reconcile.CategoryAccountDeauthorized, reconcile.AccountChange{}, reconcile.ConnectStatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			store.PutProfile(&reconcile.Profile{UserID: "pro1", ProviderConnectID: "acct_1"})
			engine := newTestEngine(t, store)

			change := tt.change
			_, err := engine.Process(context.Background(), &reconcile.Event{
				ID:       "evt_" + tt.name,
				Type:     "account.updated",
				Category: tt.category,
				Account:  "acct_1",
				Payload:  &change,
			})
			require.NoError(t, err)

			profile, err := store.GetProfile(context.Background(), "pro1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, profile.ProviderConnectStatus)
			notes := store.Notifications("pro1")
			require.Len(t, notes, 1)
			assert.Equal(t, reconcile.NotificationAccount, notes[0].Type)
			assert.Equal(t, "acct_1", notes[0].RelatedID)
		})
	}
}

func TestEngine_PaymentIntent_NotifiesBothParties(t *testing.T) {
	store := memory.New()
	store.PutBooking(&reconcile.Booking{ID: "bk_1", CustomerID: "cust1", ProviderID: "pro1"})
	store.PutBooking(&reconcile.Booking{ID: "bk_2", CustomerID: "cust2"})
	engine := newTestEngine(t, store)
	ctx := context.Background()

	intent := func(id, booking string, category reconcile.Category) *reconcile.Event {
		return &reconcile.Event{
			ID:       id,
			Type:     "payment_intent.succeeded",
			Category: category,
			Payload: &reconcile.PaymentIntentChange{
				ProviderPaymentIntentID: "pi_" + id,
				BookingID:               booking,
				AmountMinor:             5000,
				Currency:                "usd",
			},
		}
	}

	_, err := engine.Process(ctx, intent("evt_1", "bk_1", reconcile.CategoryPaymentIntentSucceeded))
	require.NoError(t, err)
	booking, err := store.GetBooking(ctx, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.BookingPaid, booking.PaymentStatus)
	assert.Len(t, store.Notifications("cust1"), 1)
	assert.Len(t, store.Notifications("pro1"), 1)

	_, err = engine.Process(ctx, intent("evt_2", "bk_2", reconcile.CategoryPaymentIntentFailed))
	require.NoError(t, err)
	booking, err = store.GetBooking(ctx, "bk_2")
	require.NoError(t, err)
	assert.Equal(t, reconcile.BookingFailed, booking.PaymentStatus)
	assert.Len(t, store.Notifications("cust2"), 1)

	// No booking metadata: nothing happens
	res, err := engine.Process(ctx, intent("evt_3", "", reconcile.CategoryPaymentIntentSucceeded))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Notifications)
}

func TestEngine_PayoutLifecycle(t *testing.T) {
	store := memory.New()
	store.PutProfile(&reconcile.Profile{UserID: "pro1", ProviderConnectID: "acct_1"})
	engine := newTestEngine(t, store)
	ctx := context.Background()

	payout := func(id string, category reconcile.Category, status string) *reconcile.Event {
		return &reconcile.Event{
			ID:       id,
			Type:     "payout." + status,
			Category: category,
			Account:  "acct_1",
			Payload: &reconcile.PayoutChange{
				ProviderPayoutID: "po_1",
				AmountMinor:      12345,
				Currency:         "usd",
				Status:           status,
			},
		}
	}

	_, err := engine.Process(ctx, payout("evt_created", reconcile.CategoryPayoutCreated, "pending"))
	require.NoError(t, err)
	payouts := store.Payouts("pro1")
	require.Len(t, payouts, 1)
	assert.Equal(t, "pending", payouts[0].Status)
	assert.True(t, decimal.RequireFromString("123.45").Equal(payouts[0].Amount))

	_, err = engine.Process(ctx, payout("evt_paid", reconcile.CategoryPayoutPaid, "paid"))
	require.NoError(t, err)
	payouts = store.Payouts("pro1")
	require.Len(t, payouts, 1)
	assert.Equal(t, "paid", payouts[0].Status)

	notes := store.Notifications("pro1")
	require.Len(t, notes, 2)
	assert.Equal(t, "Payout initiated", notes[0].Title)
	assert.Contains(t, notes[0].Message, "123.45")
	assert.Equal(t, "Payout paid", notes[1].Title)
}

func TestEngine_PayoutStatusForUnknownPayoutIsNoop(t *testing.T) {
	store := memory.New()
	store.PutProfile(&reconcile.Profile{UserID: "pro1", ProviderConnectID: "acct_1"})
	engine := newTestEngine(t, store)

	_, err := engine.Process(context.Background(), &reconcile.Event{
		ID:       "evt_failed",
		Type:     "payout.failed",
		Category: reconcile.CategoryPayoutFailed,
		Payload: &reconcile.PayoutChange{
			ProviderPayoutID: "po_missing",
			Destination:      "acct_1",
			Status:           "failed",
		},
	})
	require.NoError(t, err)
	assert.Empty(t, store.Payouts("pro1"))
	assert.Empty(t, store.Notifications("pro1"))
}

// notificationFailingStore rejects every notification write.
type notificationFailingStore struct {
	*memory.Storage
}

func (s *notificationFailingStore) InsertNotification(ctx context.Context, n *reconcile.Notification) error {
	return errors.New("notifications table unavailable")
}

func TestEngine_SideEffectFailureDoesNotFailDelivery(t *testing.T) {
	mem := memory.New()
	seedSubscription(t, mem, "user1", "sub_1", reconcile.SubscriptionActive)
	engine := newTestEngine(t, &notificationFailingStore{Storage: mem})

	res, err := engine.Process(context.Background(), invoicePaid("evt_1", "sub_1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, res.Outcome)
	assert.Equal(t, 0, res.Notifications)
	assert.Len(t, mem.PaymentTransactions("user1"), 1)

	rec, err := mem.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventDone, rec.State)
}

// atomicFailingStore fails every transaction.
type atomicFailingStore struct {
	*memory.Storage
}

func (s *atomicFailingStore) Atomic(ctx context.Context, fn func(tx reconcile.Store) error) error {
	return errors.Join(reconcile.ErrStoreUnavailable, errors.New("connection reset"))
}

func TestEngine_StoreFailureMarksEventFailed(t *testing.T) {
	mem := memory.New()
	seedSubscription(t, mem, "user1", "sub_1", reconcile.SubscriptionActive)
	engine := newTestEngine(t, &atomicFailingStore{Storage: mem})

	_, err := engine.Process(context.Background(), invoicePaid("evt_1", "sub_1"))
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, reconcile.StatusCode(err))

	rec, err := mem.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventFailed, rec.State)
	assert.Contains(t, rec.LastError, "connection reset")
	assert.Empty(t, mem.PaymentTransactions("user1"))
	assert.Empty(t, mem.Notifications("user1"))
}
