package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

// create writes a new document, failing if it already exists.
func (s *Storage) create(ctx context.Context, ref *firestore.DocumentRef, data map[string]interface{}) error {
	if s.tx != nil {
		*s.writes = append(*s.writes, func(tx *firestore.Transaction) error { return tx.Create(ref, data) })
		return nil
	}
	_, err := ref.Create(ctx, data)
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("%s already exists", ref.Path)
	}
	if err != nil {
		return storeError("failed to create "+ref.Path, err)
	}
	return nil
}

// GetSubscriptionByProviderID implements reconcile.SubscriptionStore
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*reconcile.Subscription, error) {
	snap, err := s.first(ctx, s.collection(s.config.SubscriptionsCollection).
		Where("providerSubscriptionId", "==", providerSubscriptionID))
	if err != nil {
		return nil, err
	}
	return decodeSubscription(snap.Ref.ID, snap.Data()), nil
}

// GetActiveSubscriptionByUser implements reconcile.SubscriptionStore
func (s *Storage) GetActiveSubscriptionByUser(ctx context.Context, userID string) (*reconcile.Subscription, error) {
	snap, err := s.first(ctx, s.collection(s.config.SubscriptionsCollection).
		Where("userId", "==", userID).
		Where("status", "==", string(reconcile.SubscriptionActive)).
		OrderBy("updatedAt", firestore.Desc))
	if err != nil {
		return nil, err
	}
	return decodeSubscription(snap.Ref.ID, snap.Data()), nil
}

// InsertSubscription implements reconcile.SubscriptionStore. Documents are keyed
// by local id; the provider id is checked for uniqueness before the write.
func (s *Storage) InsertSubscription(ctx context.Context, sub *reconcile.Subscription) error {
	if sub == nil || sub.ID == "" || sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}
	_, err := s.GetSubscriptionByProviderID(ctx, sub.ProviderSubscriptionID)
	if err == nil {
		return fmt.Errorf("subscription %s already exists", sub.ProviderSubscriptionID)
	}
	if !errors.Is(err, reconcile.ErrEntityNotFound) {
		return err
	}
	return s.create(ctx, s.collection(s.config.SubscriptionsCollection).Doc(sub.ID), encodeSubscription(sub))
}

// UpdateSubscription implements reconcile.SubscriptionStore. Inside Atomic the
// row may have been inserted earlier in the same transaction, so the write is
// an overwrite rather than an existence-checked update.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *reconcile.Subscription) error {
	ref := s.collection(s.config.SubscriptionsCollection).Doc(sub.ID)
	if s.tx == nil {
		if _, err := s.get(ctx, ref); err != nil {
			return err
		}
	}
	return s.set(ctx, ref, encodeSubscription(sub))
}

func encodeSubscription(sub *reconcile.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"userId":                 sub.UserID,
		"planId":                 sub.PlanID,
		"providerSubscriptionId": sub.ProviderSubscriptionID,
		"providerCustomerId":     sub.ProviderCustomerID,
		"status":                 string(sub.Status),
		"currentPeriodStart":     timeValue(sub.CurrentPeriodStart),
		"currentPeriodEnd":       timeValue(sub.CurrentPeriodEnd),
		"cancelAtPeriodEnd":      sub.CancelAtPeriodEnd,
		"canceledAt":             timePtrValue(sub.CanceledAt),
		"lastEventAt":            timeValue(sub.LastEventAt),
		"createdAt":              sub.CreatedAt,
		"updatedAt":              sub.UpdatedAt,
	}
}

func decodeSubscription(id string, data map[string]interface{}) *reconcile.Subscription {
	return &reconcile.Subscription{
		ID:                     id,
		UserID:                 getString(data, "userId"),
		PlanID:                 getString(data, "planId"),
		ProviderSubscriptionID: getString(data, "providerSubscriptionId"),
		ProviderCustomerID:     getString(data, "providerCustomerId"),
		Status:                 reconcile.SubscriptionStatus(getString(data, "status")),
		CurrentPeriodStart:     getTime(data, "currentPeriodStart"),
		CurrentPeriodEnd:       getTime(data, "currentPeriodEnd"),
		CancelAtPeriodEnd:      getBool(data, "cancelAtPeriodEnd"),
		CanceledAt:             getTimePtr(data, "canceledAt"),
		LastEventAt:            getTime(data, "lastEventAt"),
		CreatedAt:              getTime(data, "createdAt"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
}

// InsertPaymentTransaction implements reconcile.PaymentStore
func (s *Storage) InsertPaymentTransaction(ctx context.Context, txn *reconcile.PaymentTransaction) error {
	return s.create(ctx, s.collection(s.config.TransactionsCollection).Doc(txn.ID), map[string]interface{}{
		"userId":                  txn.UserID,
		"subscriptionId":          txn.SubscriptionID,
		"amount":                  txn.Amount.String(),
		"currency":                txn.Currency,
		"status":                  string(txn.Status),
		"providerInvoiceId":       txn.ProviderInvoiceID,
		"providerPaymentIntentId": txn.ProviderPaymentIntentID,
		"description":             txn.Description,
		"attemptCount":            txn.AttemptCount,
		"createdAt":               txn.CreatedAt,
	})
}

// FindPaymentTransaction implements reconcile.PaymentStore
func (s *Storage) FindPaymentTransaction(
	ctx context.Context, providerInvoiceID string, status reconcile.PaymentStatus, attempt int,
) (*reconcile.PaymentTransaction, error) {
	snap, err := s.first(ctx, s.collection(s.config.TransactionsCollection).
		Where("providerInvoiceId", "==", providerInvoiceID).
		Where("status", "==", string(status)).
		Where("attemptCount", "==", attempt))
	if err != nil {
		return nil, err
	}
	data := snap.Data()
	return &reconcile.PaymentTransaction{
		ID:                      snap.Ref.ID,
		UserID:                  getString(data, "userId"),
		SubscriptionID:          getString(data, "subscriptionId"),
		Amount:                  getDecimal(data, "amount"),
		Currency:                getString(data, "currency"),
		Status:                  reconcile.PaymentStatus(getString(data, "status")),
		ProviderInvoiceID:       getString(data, "providerInvoiceId"),
		ProviderPaymentIntentID: getString(data, "providerPaymentIntentId"),
		Description:             getString(data, "description"),
		AttemptCount:            getInt(data, "attemptCount"),
		CreatedAt:               getTime(data, "createdAt"),
	}, nil
}

// GetPaymentMethod implements reconcile.PaymentStore
func (s *Storage) GetPaymentMethod(ctx context.Context, providerPaymentMethodID string) (*reconcile.PaymentMethod, error) {
	snap, err := s.get(ctx, s.collection(s.config.PaymentMethodsCollection).Doc(providerPaymentMethodID))
	if err != nil {
		return nil, err
	}
	data := snap.Data()
	return &reconcile.PaymentMethod{
		ID:                      getString(data, "id"),
		UserID:                  getString(data, "userId"),
		ProviderPaymentMethodID: snap.Ref.ID,
		CardBrand:               getString(data, "cardBrand"),
		CardLast4:               getString(data, "cardLast4"),
		CardExpMonth:            getInt(data, "cardExpMonth"),
		CardExpYear:             getInt(data, "cardExpYear"),
		IsDefault:               getBool(data, "isDefault"),
		CreatedAt:               getTime(data, "createdAt"),
		UpdatedAt:               getTime(data, "updatedAt"),
	}, nil
}

// CountPaymentMethods implements reconcile.PaymentStore
func (s *Storage) CountPaymentMethods(ctx context.Context, userID string) (int, error) {
	snaps, err := s.query(ctx, s.collection(s.config.PaymentMethodsCollection).Where("userId", "==", userID))
	if err != nil {
		return 0, err
	}
	return len(snaps), nil
}

// InsertPaymentMethod implements reconcile.PaymentStore
func (s *Storage) InsertPaymentMethod(ctx context.Context, pm *reconcile.PaymentMethod) error {
	return s.create(ctx, s.collection(s.config.PaymentMethodsCollection).Doc(pm.ProviderPaymentMethodID), encodePaymentMethod(pm))
}

// UpdatePaymentMethod implements reconcile.PaymentStore
func (s *Storage) UpdatePaymentMethod(ctx context.Context, pm *reconcile.PaymentMethod) error {
	ref := s.collection(s.config.PaymentMethodsCollection).Doc(pm.ProviderPaymentMethodID)
	if _, err := s.get(ctx, ref); err != nil {
		return err
	}
	return s.set(ctx, ref, encodePaymentMethod(pm))
}

// DeletePaymentMethod implements reconcile.PaymentStore
func (s *Storage) DeletePaymentMethod(ctx context.Context, providerPaymentMethodID string) (bool, error) {
	ref := s.collection(s.config.PaymentMethodsCollection).Doc(providerPaymentMethodID)
	if _, err := s.get(ctx, ref); err != nil {
		if errors.Is(err, reconcile.ErrEntityNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.delete(ctx, ref); err != nil {
		return false, err
	}
	return true, nil
}

func encodePaymentMethod(pm *reconcile.PaymentMethod) map[string]interface{} {
	return map[string]interface{}{
		"id":           pm.ID,
		"userId":       pm.UserID,
		"cardBrand":    pm.CardBrand,
		"cardLast4":    pm.CardLast4,
		"cardExpMonth": pm.CardExpMonth,
		"cardExpYear":  pm.CardExpYear,
		"isDefault":    pm.IsDefault,
		"createdAt":    pm.CreatedAt,
		"updatedAt":    pm.UpdatedAt,
	}
}

// GetPayout implements reconcile.PayoutStore
func (s *Storage) GetPayout(ctx context.Context, providerPayoutID string) (*reconcile.Payout, error) {
	snap, err := s.get(ctx, s.collection(s.config.PayoutsCollection).Doc(providerPayoutID))
	if err != nil {
		return nil, err
	}
	data := snap.Data()
	return &reconcile.Payout{
		ID:               getString(data, "id"),
		UserID:           getString(data, "userId"),
		ProviderPayoutID: snap.Ref.ID,
		Amount:           getDecimal(data, "amount"),
		Currency:         getString(data, "currency"),
		Status:           getString(data, "status"),
		ArrivalDate:      getTimePtr(data, "arrivalDate"),
		CreatedAt:        getTime(data, "createdAt"),
		UpdatedAt:        getTime(data, "updatedAt"),
	}, nil
}

// InsertPayout implements reconcile.PayoutStore
func (s *Storage) InsertPayout(ctx context.Context, p *reconcile.Payout) error {
	return s.create(ctx, s.collection(s.config.PayoutsCollection).Doc(p.ProviderPayoutID), encodePayout(p))
}

// UpdatePayout implements reconcile.PayoutStore
func (s *Storage) UpdatePayout(ctx context.Context, p *reconcile.Payout) error {
	ref := s.collection(s.config.PayoutsCollection).Doc(p.ProviderPayoutID)
	if _, err := s.get(ctx, ref); err != nil {
		return err
	}
	return s.set(ctx, ref, encodePayout(p))
}

func encodePayout(p *reconcile.Payout) map[string]interface{} {
	return map[string]interface{}{
		"id":          p.ID,
		"userId":      p.UserID,
		"amount":      p.Amount.String(),
		"currency":    p.Currency,
		"status":      p.Status,
		"arrivalDate": timePtrValue(p.ArrivalDate),
		"createdAt":   p.CreatedAt,
		"updatedAt":   p.UpdatedAt,
	}
}

// GetProfile implements reconcile.ProfileStore
func (s *Storage) GetProfile(ctx context.Context, userID string) (*reconcile.Profile, error) {
	snap, err := s.get(ctx, s.collection(s.config.ProfilesCollection).Doc(userID))
	if err != nil {
		return nil, err
	}
	return decodeProfile(snap.Ref.ID, snap.Data()), nil
}

// GetProfileByCustomerID implements reconcile.ProfileStore
func (s *Storage) GetProfileByCustomerID(ctx context.Context, providerCustomerID string) (*reconcile.Profile, error) {
	if providerCustomerID == "" {
		return nil, reconcile.ErrEntityNotFound
	}
	snap, err := s.first(ctx, s.collection(s.config.ProfilesCollection).Where("providerCustomerId", "==", providerCustomerID))
	if err != nil {
		return nil, err
	}
	return decodeProfile(snap.Ref.ID, snap.Data()), nil
}

// GetProfileByConnectID implements reconcile.ProfileStore
func (s *Storage) GetProfileByConnectID(ctx context.Context, providerConnectID string) (*reconcile.Profile, error) {
	if providerConnectID == "" {
		return nil, reconcile.ErrEntityNotFound
	}
	snap, err := s.first(ctx, s.collection(s.config.ProfilesCollection).Where("providerConnectId", "==", providerConnectID))
	if err != nil {
		return nil, err
	}
	return decodeProfile(snap.Ref.ID, snap.Data()), nil
}

// UpdateMembership implements reconcile.ProfileStore
func (s *Storage) UpdateMembership(ctx context.Context, userID string, update reconcile.MembershipUpdate) error {
	ref := s.collection(s.config.ProfilesCollection).Doc(userID)
	if _, err := s.get(ctx, ref); err != nil {
		return err
	}
	if update.Empty() {
		return nil
	}

	var updates []firestore.Update
	if update.Status != nil {
		updates = append(updates, firestore.Update{Path: "membershipStatus", Value: string(*update.Status)})
	}
	if update.StartDate != nil {
		updates = append(updates, firestore.Update{Path: "membershipStartDate", Value: *update.StartDate})
	}
	if update.EndDate != nil {
		updates = append(updates, firestore.Update{Path: "membershipEndDate", Value: *update.EndDate})
	}
	if update.ProviderCustomerID != nil {
		updates = append(updates, firestore.Update{Path: "providerCustomerId", Value: *update.ProviderCustomerID})
	}
	return s.update(ctx, ref, updates)
}

// UpdateConnectStatus implements reconcile.ProfileStore
func (s *Storage) UpdateConnectStatus(ctx context.Context, userID, connectID, connectStatus string) error {
	ref := s.collection(s.config.ProfilesCollection).Doc(userID)
	if _, err := s.get(ctx, ref); err != nil {
		return err
	}
	return s.update(ctx, ref, []firestore.Update{
		{Path: "providerConnectId", Value: connectID},
		{Path: "providerConnectStatus", Value: connectStatus},
	})
}

func decodeProfile(userID string, data map[string]interface{}) *reconcile.Profile {
	return &reconcile.Profile{
		UserID:                userID,
		MembershipStatus:      reconcile.MembershipStatus(getString(data, "membershipStatus")),
		MembershipStartDate:   getTimePtr(data, "membershipStartDate"),
		MembershipEndDate:     getTimePtr(data, "membershipEndDate"),
		ProviderCustomerID:    getString(data, "providerCustomerId"),
		ProviderConnectID:     getString(data, "providerConnectId"),
		ProviderConnectStatus: getString(data, "providerConnectStatus"),
	}
}

// PutProfile writes a profile. Profiles are owned outside this system; this
// exists for seeding and tests.
func (s *Storage) PutProfile(ctx context.Context, p *reconcile.Profile) error {
	return s.set(ctx, s.collection(s.config.ProfilesCollection).Doc(p.UserID), map[string]interface{}{
		"membershipStatus":      string(p.MembershipStatus),
		"membershipStartDate":   timePtrValue(p.MembershipStartDate),
		"membershipEndDate":     timePtrValue(p.MembershipEndDate),
		"providerCustomerId":    p.ProviderCustomerID,
		"providerConnectId":     p.ProviderConnectID,
		"providerConnectStatus": p.ProviderConnectStatus,
	})
}

// GetBooking implements reconcile.BookingStore
func (s *Storage) GetBooking(ctx context.Context, bookingID string) (*reconcile.Booking, error) {
	snap, err := s.get(ctx, s.collection(s.config.BookingsCollection).Doc(bookingID))
	if err != nil {
		return nil, err
	}
	data := snap.Data()
	return &reconcile.Booking{
		ID:            snap.Ref.ID,
		CustomerID:    getString(data, "customerId"),
		ProviderID:    getString(data, "providerId"),
		PaymentStatus: getString(data, "paymentStatus"),
	}, nil
}

// UpdateBookingPaymentStatus implements reconcile.BookingStore
func (s *Storage) UpdateBookingPaymentStatus(ctx context.Context, bookingID, paymentStatus string) error {
	ref := s.collection(s.config.BookingsCollection).Doc(bookingID)
	if _, err := s.get(ctx, ref); err != nil {
		return err
	}
	return s.update(ctx, ref, []firestore.Update{{Path: "paymentStatus", Value: paymentStatus}})
}

// PutBooking writes a booking for seeding and tests.
func (s *Storage) PutBooking(ctx context.Context, b *reconcile.Booking) error {
	return s.set(ctx, s.collection(s.config.BookingsCollection).Doc(b.ID), map[string]interface{}{
		"customerId":    b.CustomerID,
		"providerId":    b.ProviderID,
		"paymentStatus": b.PaymentStatus,
	})
}

// InsertNotification implements reconcile.NotificationStore
func (s *Storage) InsertNotification(ctx context.Context, n *reconcile.Notification) error {
	return s.create(ctx, s.collection(s.config.NotificationsCollection).Doc(n.ID), map[string]interface{}{
		"userId":    n.UserID,
		"title":     n.Title,
		"message":   n.Message,
		"type":      n.Type,
		"relatedId": n.RelatedID,
		"read":      n.Read,
		"createdAt": n.CreatedAt,
	})
}

// ParkEvent implements reconcile.ParkingStore. Parking the same event twice
// overwrites the first document.
func (s *Storage) ParkEvent(ctx context.Context, p *reconcile.ParkedEvent) error {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode parked event %s: %w", p.EventID, err)
	}
	return s.set(ctx, s.collection(s.config.ParkedCollection).Doc(p.EventID), map[string]interface{}{
		"providerSubscriptionId": p.ProviderSubscriptionID,
		"category":               string(p.Category),
		"eventCreated":           timeValue(p.EventCreated),
		"payload":                payload,
		"createdAt":              p.CreatedAt,
	})
}

// TakeParkedEvents implements reconcile.ParkingStore
func (s *Storage) TakeParkedEvents(ctx context.Context, providerSubscriptionID string) ([]*reconcile.ParkedEvent, error) {
	snaps, err := s.query(ctx, s.collection(s.config.ParkedCollection).
		Where("providerSubscriptionId", "==", providerSubscriptionID))
	if err != nil {
		return nil, err
	}

	out := make([]*reconcile.ParkedEvent, 0, len(snaps))
	for _, snap := range snaps {
		data := snap.Data()
		pe := &reconcile.ParkedEvent{
			EventID:                snap.Ref.ID,
			ProviderSubscriptionID: getString(data, "providerSubscriptionId"),
			Category:               reconcile.Category(getString(data, "category")),
			EventCreated:           getTime(data, "eventCreated"),
			CreatedAt:              getTime(data, "createdAt"),
		}
		if raw, ok := data["payload"].([]byte); ok {
			if err := json.Unmarshal(raw, &pe.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode parked event %s: %w", pe.EventID, err)
			}
		}
		if err := s.delete(ctx, snap.Ref); err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	return out, nil
}

func getDecimal(data map[string]interface{}, key string) decimal.Decimal {
	d, err := decimal.NewFromString(getString(data, key))
	if err != nil {
		return decimal.Zero
	}
	return d
}
