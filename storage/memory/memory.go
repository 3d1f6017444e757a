// Package memory provides an in-memory implementation of the reconcile.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

// Storage implements reconcile.Store using in-memory maps
type Storage struct {
	mu   sync.RWMutex
	data *data
}

type data struct {
	events         map[string]*reconcile.EventRecord
	subscriptions  map[string]*reconcile.Subscription // by provider subscription id
	transactions   []*reconcile.PaymentTransaction
	paymentMethods map[string]*reconcile.PaymentMethod // by provider payment method id
	payouts        map[string]*reconcile.Payout        // by provider payout id
	profiles       map[string]*reconcile.Profile       // by user id
	bookings       map[string]*reconcile.Booking
	notifications  []*reconcile.Notification
	parked         map[string][]*reconcile.ParkedEvent
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{data: newData()}
}

func newData() *data {
	return &data{
		events:         make(map[string]*reconcile.EventRecord),
		subscriptions:  make(map[string]*reconcile.Subscription),
		paymentMethods: make(map[string]*reconcile.PaymentMethod),
		payouts:        make(map[string]*reconcile.Payout),
		profiles:       make(map[string]*reconcile.Profile),
		bookings:       make(map[string]*reconcile.Booking),
		parked:         make(map[string][]*reconcile.ParkedEvent),
	}
}

func (d *data) clone() *data {
	c := &data{
		events:         cloneMap(d.events),
		subscriptions:  cloneMap(d.subscriptions),
		transactions:   cloneSlice(d.transactions),
		paymentMethods: cloneMap(d.paymentMethods),
		payouts:        cloneMap(d.payouts),
		profiles:       cloneMap(d.profiles),
		bookings:       cloneMap(d.bookings),
		notifications:  cloneSlice(d.notifications),
		parked:         make(map[string][]*reconcile.ParkedEvent, len(d.parked)),
	}
	for k, v := range d.parked {
		c.parked[k] = cloneSlice(v)
	}
	return c
}

func cloneMap[K comparable, V any](m map[K]*V) map[K]*V {
	out := make(map[K]*V, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

func cloneSlice[V any](s []*V) []*V {
	out := make([]*V, len(s))
	for i, v := range s {
		cp := *v
		out[i] = &cp
	}
	return out
}

// Atomic implements reconcile.Store. fn runs against a copy of the data that
// replaces the live data only if fn succeeds. Other callers block meanwhile.
func (s *Storage) Atomic(ctx context.Context, fn func(tx reconcile.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Storage{data: s.data.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

// BeginEvent implements reconcile.IdempotencyStore
func (s *Storage) BeginEvent(ctx context.Context, req *reconcile.BeginRequest) (*reconcile.EventRecord, error) {
	if req == nil || req.EventID == "" {
		return nil, fmt.Errorf("%w: event id is required", reconcile.ErrMalformedEvent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data.events[req.EventID]
	if !ok {
		rec = &reconcile.EventRecord{
			EventID:   req.EventID,
			EventType: req.EventType,
			Payload:   append([]byte(nil), req.Payload...),
			CreatedAt: req.Now,
		}
		s.data.events[req.EventID] = rec
	} else {
		switch {
		case rec.State == reconcile.EventDone:
			return nil, reconcile.ErrEventDone
		case rec.State == reconcile.EventInProgress && req.Now.Before(rec.LockedUntil):
			return nil, reconcile.ErrEventInProgress
		}
		if len(rec.Payload) == 0 {
			rec.Payload = append([]byte(nil), req.Payload...)
		}
	}

	rec.State = reconcile.EventInProgress
	rec.Attempts++
	rec.LockedUntil = req.Now.Add(req.Lease)
	rec.UpdatedAt = req.Now

	recCopy := *rec
	return &recCopy, nil
}

// CompleteEvent implements reconcile.IdempotencyStore
func (s *Storage) CompleteEvent(ctx context.Context, eventID string, attempt int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.claimed(eventID, attempt)
	if err != nil {
		return err
	}
	rec.State = reconcile.EventDone
	rec.LastError = ""
	rec.LockedUntil = time.Time{}
	rec.UpdatedAt = now
	return nil
}

// FailEvent implements reconcile.IdempotencyStore
func (s *Storage) FailEvent(ctx context.Context, eventID string, attempt int, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.claimed(eventID, attempt)
	if err != nil {
		return err
	}
	rec.State = reconcile.EventFailed
	rec.LastError = reason
	rec.LockedUntil = time.Time{}
	rec.UpdatedAt = now
	return nil
}

// claimed returns the record if it is still in_progress under attempt. Callers hold mu.
func (s *Storage) claimed(eventID string, attempt int) (*reconcile.EventRecord, error) {
	rec, ok := s.data.events[eventID]
	if !ok {
		return nil, reconcile.ErrEntityNotFound
	}
	if rec.State != reconcile.EventInProgress || rec.Attempts != attempt {
		return nil, reconcile.ErrClaimLost
	}
	return rec, nil
}

// GetEvent implements reconcile.IdempotencyStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*reconcile.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data.events[eventID]
	if !ok {
		return nil, reconcile.ErrEntityNotFound
	}
	recCopy := *rec
	return &recCopy, nil
}

// ListEvents implements reconcile.EventLister, newest first
func (s *Storage) ListEvents(ctx context.Context, filter reconcile.EventFilter) ([]*reconcile.EventRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*reconcile.EventRecord, 0)
	for _, rec := range s.data.events {
		if filter.State != "" && rec.State != filter.State {
			continue
		}
		recCopy := *rec
		out = append(out, &recCopy)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetSubscriptionByProviderID implements reconcile.SubscriptionStore
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*reconcile.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.data.subscriptions[providerSubscriptionID]
	if !ok {
		return nil, reconcile.ErrEntityNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// GetActiveSubscriptionByUser implements reconcile.SubscriptionStore
func (s *Storage) GetActiveSubscriptionByUser(ctx context.Context, userID string) (*reconcile.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *reconcile.Subscription
	for _, sub := range s.data.subscriptions {
		if sub.UserID != userID || sub.Status != reconcile.SubscriptionActive {
			continue
		}
		if found == nil || sub.UpdatedAt.After(found.UpdatedAt) {
			found = sub
		}
	}
	if found == nil {
		return nil, reconcile.ErrEntityNotFound
	}
	subCopy := *found
	return &subCopy, nil
}

// InsertSubscription implements reconcile.SubscriptionStore
func (s *Storage) InsertSubscription(ctx context.Context, sub *reconcile.Subscription) error {
	if sub == nil || sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.subscriptions[sub.ProviderSubscriptionID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.ProviderSubscriptionID)
	}
	subCopy := *sub
	s.data.subscriptions[sub.ProviderSubscriptionID] = &subCopy
	return nil
}

// UpdateSubscription implements reconcile.SubscriptionStore. The row is matched
// by local id, so a checkout may rebind it to a new provider subscription.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *reconcile.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, existing := range s.data.subscriptions {
		if existing.ID != sub.ID {
			continue
		}
		delete(s.data.subscriptions, key)
		subCopy := *sub
		s.data.subscriptions[sub.ProviderSubscriptionID] = &subCopy
		return nil
	}
	return reconcile.ErrEntityNotFound
}

// InsertPaymentTransaction implements reconcile.PaymentStore
func (s *Storage) InsertPaymentTransaction(ctx context.Context, txn *reconcile.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txnCopy := *txn
	s.data.transactions = append(s.data.transactions, &txnCopy)
	return nil
}

// FindPaymentTransaction implements reconcile.PaymentStore
func (s *Storage) FindPaymentTransaction(ctx context.Context, providerInvoiceID string, status reconcile.PaymentStatus, attempt int) (*reconcile.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, txn := range s.data.transactions {
		if txn.ProviderInvoiceID == providerInvoiceID && txn.Status == status && txn.AttemptCount == attempt {
			txnCopy := *txn
			return &txnCopy, nil
		}
	}
	return nil, reconcile.ErrEntityNotFound
}

// GetPaymentMethod implements reconcile.PaymentStore
func (s *Storage) GetPaymentMethod(ctx context.Context, providerPaymentMethodID string) (*reconcile.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pm, ok := s.data.paymentMethods[providerPaymentMethodID]
	if !ok {
		return nil, reconcile.ErrEntityNotFound
	}
	pmCopy := *pm
	return &pmCopy, nil
}

// CountPaymentMethods implements reconcile.PaymentStore
func (s *Storage) CountPaymentMethods(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, pm := range s.data.paymentMethods {
		if pm.UserID == userID {
			count++
		}
	}
	return count, nil
}

// InsertPaymentMethod implements reconcile.PaymentStore
func (s *Storage) InsertPaymentMethod(ctx context.Context, pm *reconcile.PaymentMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.paymentMethods[pm.ProviderPaymentMethodID]; exists {
		return fmt.Errorf("payment method %s already exists", pm.ProviderPaymentMethodID)
	}
	pmCopy := *pm
	s.data.paymentMethods[pm.ProviderPaymentMethodID] = &pmCopy
	return nil
}

// UpdatePaymentMethod implements reconcile.PaymentStore
func (s *Storage) UpdatePaymentMethod(ctx context.Context, pm *reconcile.PaymentMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.paymentMethods[pm.ProviderPaymentMethodID]; !exists {
		return reconcile.ErrEntityNotFound
	}
	pmCopy := *pm
	s.data.paymentMethods[pm.ProviderPaymentMethodID] = &pmCopy
	return nil
}

// DeletePaymentMethod implements reconcile.PaymentStore
func (s *Storage) DeletePaymentMethod(ctx context.Context, providerPaymentMethodID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.paymentMethods[providerPaymentMethodID]; !exists {
		return false, nil
	}
	delete(s.data.paymentMethods, providerPaymentMethodID)
	return true, nil
}

// GetPayout implements reconcile.PayoutStore
func (s *Storage) GetPayout(ctx context.Context, providerPayoutID string) (*reconcile.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data.payouts[providerPayoutID]
	if !ok {
		return nil, reconcile.ErrEntityNotFound
	}
	pCopy := *p
	return &pCopy, nil
}

// InsertPayout implements reconcile.PayoutStore
func (s *Storage) InsertPayout(ctx context.Context, p *reconcile.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.payouts[p.ProviderPayoutID]; exists {
		return fmt.Errorf("payout %s already exists", p.ProviderPayoutID)
	}
	pCopy := *p
	s.data.payouts[p.ProviderPayoutID] = &pCopy
	return nil
}

// UpdatePayout implements reconcile.PayoutStore
func (s *Storage) UpdatePayout(ctx context.Context, p *reconcile.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.payouts[p.ProviderPayoutID]; !exists {
		return reconcile.ErrEntityNotFound
	}
	pCopy := *p
	s.data.payouts[p.ProviderPayoutID] = &pCopy
	return nil
}

// GetProfile implements reconcile.ProfileStore
func (s *Storage) GetProfile(ctx context.Context, userID string) (*reconcile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data.profiles[userID]
	if !ok {
		return nil, reconcile.ErrEntityNotFound
	}
	pCopy := *p
	return &pCopy, nil
}

// GetProfileByCustomerID implements reconcile.ProfileStore
func (s *Storage) GetProfileByCustomerID(ctx context.Context, providerCustomerID string) (*reconcile.Profile, error) {
	return s.findProfile(func(p *reconcile.Profile) bool {
		return providerCustomerID != "" && p.ProviderCustomerID == providerCustomerID
	})
}

// GetProfileByConnectID implements reconcile.ProfileStore
func (s *Storage) GetProfileByConnectID(ctx context.Context, providerConnectID string) (*reconcile.Profile, error) {
	return s.findProfile(func(p *reconcile.Profile) bool {
		return providerConnectID != "" && p.ProviderConnectID == providerConnectID
	})
}

func (s *Storage) findProfile(match func(*reconcile.Profile) bool) (*reconcile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.data.profiles {
		if match(p) {
			pCopy := *p
			return &pCopy, nil
		}
	}
	return nil, reconcile.ErrEntityNotFound
}

// UpdateMembership implements reconcile.ProfileStore
func (s *Storage) UpdateMembership(ctx context.Context, userID string, update reconcile.MembershipUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data.profiles[userID]
	if !ok {
		return reconcile.ErrEntityNotFound
	}
	if update.Status != nil {
		p.MembershipStatus = *update.Status
	}
	if update.StartDate != nil {
		t := *update.StartDate
		p.MembershipStartDate = &t
	}
	if update.EndDate != nil {
		t := *update.EndDate
		p.MembershipEndDate = &t
	}
	if update.ProviderCustomerID != nil {
		p.ProviderCustomerID = *update.ProviderCustomerID
	}
	return nil
}

// UpdateConnectStatus implements reconcile.ProfileStore
func (s *Storage) UpdateConnectStatus(ctx context.Context, userID, connectID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data.profiles[userID]
	if !ok {
		return reconcile.ErrEntityNotFound
	}
	p.ProviderConnectID = connectID
	p.ProviderConnectStatus = status
	return nil
}

// GetBooking implements reconcile.BookingStore
func (s *Storage) GetBooking(ctx context.Context, bookingID string) (*reconcile.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.data.bookings[bookingID]
	if !ok {
		return nil, reconcile.ErrEntityNotFound
	}
	bCopy := *b
	return &bCopy, nil
}

// UpdateBookingPaymentStatus implements reconcile.BookingStore
func (s *Storage) UpdateBookingPaymentStatus(ctx context.Context, bookingID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.data.bookings[bookingID]
	if !ok {
		return reconcile.ErrEntityNotFound
	}
	b.PaymentStatus = status
	return nil
}

// InsertNotification implements reconcile.NotificationStore
func (s *Storage) InsertNotification(ctx context.Context, n *reconcile.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nCopy := *n
	s.data.notifications = append(s.data.notifications, &nCopy)
	return nil
}

// ParkEvent implements reconcile.ParkingStore
func (s *Storage) ParkEvent(ctx context.Context, p *reconcile.ParkedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.parked[p.ProviderSubscriptionID] {
		if existing.EventID == p.EventID {
			return nil
		}
	}
	pCopy := *p
	s.data.parked[p.ProviderSubscriptionID] = append(s.data.parked[p.ProviderSubscriptionID], &pCopy)
	return nil
}

// TakeParkedEvents implements reconcile.ParkingStore
func (s *Storage) TakeParkedEvents(ctx context.Context, providerSubscriptionID string) ([]*reconcile.ParkedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parked := s.data.parked[providerSubscriptionID]
	delete(s.data.parked, providerSubscriptionID)
	return parked, nil
}

// PutProfile seeds a profile. Profiles are owned outside this system.
func (s *Storage) PutProfile(p *reconcile.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pCopy := *p
	s.data.profiles[p.UserID] = &pCopy
}

// PutBooking seeds a booking.
func (s *Storage) PutBooking(b *reconcile.Booking) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bCopy := *b
	s.data.bookings[b.ID] = &bCopy
}

// Subscriptions returns copies of all subscriptions for a user.
func (s *Storage) Subscriptions(userID string) []*reconcile.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*reconcile.Subscription
	for _, sub := range s.data.subscriptions {
		if sub.UserID == userID {
			subCopy := *sub
			out = append(out, &subCopy)
		}
	}
	return out
}

// PaymentTransactions returns copies of all payment transactions for a user.
func (s *Storage) PaymentTransactions(userID string) []*reconcile.PaymentTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*reconcile.PaymentTransaction
	for _, txn := range s.data.transactions {
		if txn.UserID == userID {
			txnCopy := *txn
			out = append(out, &txnCopy)
		}
	}
	return out
}

// PaymentMethods returns copies of a user's payment methods ordered by provider id.
func (s *Storage) PaymentMethods(userID string) []*reconcile.PaymentMethod {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*reconcile.PaymentMethod
	for _, pm := range s.data.paymentMethods {
		if pm.UserID == userID {
			pmCopy := *pm
			out = append(out, &pmCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProviderPaymentMethodID < out[j].ProviderPaymentMethodID
	})
	return out
}

// Payouts returns copies of all payouts for a user.
func (s *Storage) Payouts(userID string) []*reconcile.Payout {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*reconcile.Payout
	for _, p := range s.data.payouts {
		if p.UserID == userID {
			pCopy := *p
			out = append(out, &pCopy)
		}
	}
	return out
}

// Notifications returns copies of all notifications for a user in insertion order.
func (s *Storage) Notifications(userID string) []*reconcile.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*reconcile.Notification
	for _, n := range s.data.notifications {
		if n.UserID == userID {
			nCopy := *n
			out = append(out, &nCopy)
		}
	}
	return out
}

// Parked returns the number of parked events for a subscription.
func (s *Storage) Parked(providerSubscriptionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.data.parked[providerSubscriptionID])
}
