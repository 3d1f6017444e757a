package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

const subscriptionColumns = `id, user_id, plan_id, provider_subscription_id, provider_customer_id, status,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at, last_event_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*reconcile.Subscription, error) {
	var sub reconcile.Subscription
	var status string
	var periodStart, periodEnd, lastEventAt *time.Time
	if err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.PlanID,
		&sub.ProviderSubscriptionID,
		&sub.ProviderCustomerID,
		&status,
		&periodStart,
		&periodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CanceledAt,
		&lastEventAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.Status = reconcile.SubscriptionStatus(status)
	sub.CurrentPeriodStart = derefTime(periodStart)
	sub.CurrentPeriodEnd = derefTime(periodEnd)
	sub.LastEventAt = derefTime(lastEventAt)
	return &sub, nil
}

// GetSubscriptionByProviderID implements reconcile.SubscriptionStore
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*reconcile.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`,
		providerSubscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrEntityNotFound
	}
	if err != nil {
		return nil, storeError("failed to get subscription", err)
	}
	return sub, nil
}

// GetActiveSubscriptionByUser implements reconcile.SubscriptionStore
func (s *Storage) GetActiveSubscriptionByUser(ctx context.Context, userID string) (*reconcile.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1 AND status = $2
			ORDER BY updated_at DESC
			LIMIT 1`,
		userID, string(reconcile.SubscriptionActive)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrEntityNotFound
	}
	if err != nil {
		return nil, storeError("failed to get active subscription", err)
	}
	return sub, nil
}

// InsertSubscription implements reconcile.SubscriptionStore
func (s *Storage) InsertSubscription(ctx context.Context, sub *reconcile.Subscription) error {
	if sub == nil || sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sub.ID, sub.UserID, sub.PlanID, sub.ProviderSubscriptionID, sub.ProviderCustomerID, string(sub.Status),
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd, sub.CanceledAt,
		nullTime(sub.LastEventAt), sub.CreatedAt, sub.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("subscription %s already exists: %w", sub.ProviderSubscriptionID, err)
	}
	if err != nil {
		return storeError("failed to insert subscription", err)
	}
	return nil
}

// UpdateSubscription implements reconcile.SubscriptionStore. The row is matched by local id.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *reconcile.Subscription) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE subscriptions SET
				user_id = $2, plan_id = $3, provider_subscription_id = $4, provider_customer_id = $5, status = $6,
				current_period_start = $7, current_period_end = $8, cancel_at_period_end = $9, canceled_at = $10,
				last_event_at = $11, updated_at = $12
			WHERE id = $1`,
		sub.ID, sub.UserID, sub.PlanID, sub.ProviderSubscriptionID, sub.ProviderCustomerID, string(sub.Status),
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd, sub.CanceledAt,
		nullTime(sub.LastEventAt), sub.UpdatedAt,
	)
	if err != nil {
		return storeError("failed to update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrEntityNotFound
	}
	return nil
}

// InsertPaymentTransaction implements reconcile.PaymentStore
func (s *Storage) InsertPaymentTransaction(ctx context.Context, txn *reconcile.PaymentTransaction) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO payment_transactions
				(id, user_id, subscription_id, amount, currency, status,
				 provider_invoice_id, provider_payment_intent_id, description, attempt_count, created_at)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11)`,
		txn.ID, txn.UserID, txn.SubscriptionID, txn.Amount.String(), txn.Currency, string(txn.Status),
		txn.ProviderInvoiceID, txn.ProviderPaymentIntentID, txn.Description, txn.AttemptCount, txn.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment transaction for invoice %s already exists: %w", txn.ProviderInvoiceID, err)
	}
	if err != nil {
		return storeError("failed to insert payment transaction", err)
	}
	return nil
}

// FindPaymentTransaction implements reconcile.PaymentStore
func (s *Storage) FindPaymentTransaction(
	ctx context.Context, providerInvoiceID string, status reconcile.PaymentStatus, attempt int,
) (*reconcile.PaymentTransaction, error) {
	var txn reconcile.PaymentTransaction
	var amount, txnStatus string
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, subscription_id, amount::text, currency, status,
				provider_invoice_id, provider_payment_intent_id, description, attempt_count, created_at
			FROM payment_transactions
			WHERE provider_invoice_id = $1 AND status = $2 AND attempt_count = $3`,
		providerInvoiceID, string(status), attempt).Scan(
		&txn.ID,
		&txn.UserID,
		&txn.SubscriptionID,
		&amount,
		&txn.Currency,
		&txnStatus,
		&txn.ProviderInvoiceID,
		&txn.ProviderPaymentIntentID,
		&txn.Description,
		&txn.AttemptCount,
		&txn.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrEntityNotFound
	}
	if err != nil {
		return nil, storeError("failed to find payment transaction", err)
	}
	if txn.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	txn.Status = reconcile.PaymentStatus(txnStatus)
	return &txn, nil
}

// GetPaymentMethod implements reconcile.PaymentStore
func (s *Storage) GetPaymentMethod(ctx context.Context, providerPaymentMethodID string) (*reconcile.PaymentMethod, error) {
	var pm reconcile.PaymentMethod
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, provider_payment_method_id, card_brand, card_last4,
				card_exp_month, card_exp_year, is_default, created_at, updated_at
			FROM payment_methods WHERE provider_payment_method_id = $1`,
		providerPaymentMethodID).Scan(
		&pm.ID,
		&pm.UserID,
		&pm.ProviderPaymentMethodID,
		&pm.CardBrand,
		&pm.CardLast4,
		&pm.CardExpMonth,
		&pm.CardExpYear,
		&pm.IsDefault,
		&pm.CreatedAt,
		&pm.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrEntityNotFound
	}
	if err != nil {
		return nil, storeError("failed to get payment method", err)
	}
	return &pm, nil
}

// CountPaymentMethods implements reconcile.PaymentStore. Inside Atomic the
// user's profile row is locked first so concurrent attaches count in turn.
func (s *Storage) CountPaymentMethods(ctx context.Context, userID string) (int, error) {
	if s.inTx {
		if _, err := s.db.Exec(ctx,
			`SELECT user_id FROM profiles WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
			return 0, storeError("failed to lock profile", err)
		}
	}

	var count int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_methods WHERE user_id = $1`, userID).Scan(&count); err != nil {
		return 0, storeError("failed to count payment methods", err)
	}
	return count, nil
}

// InsertPaymentMethod implements reconcile.PaymentStore
func (s *Storage) InsertPaymentMethod(ctx context.Context, pm *reconcile.PaymentMethod) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO payment_methods
				(id, user_id, provider_payment_method_id, card_brand, card_last4,
				 card_exp_month, card_exp_year, is_default, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pm.ID, pm.UserID, pm.ProviderPaymentMethodID, pm.CardBrand, pm.CardLast4,
		pm.CardExpMonth, pm.CardExpYear, pm.IsDefault, pm.CreatedAt, pm.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment method %s already exists: %w", pm.ProviderPaymentMethodID, err)
	}
	if err != nil {
		return storeError("failed to insert payment method", err)
	}
	return nil
}

// UpdatePaymentMethod implements reconcile.PaymentStore
func (s *Storage) UpdatePaymentMethod(ctx context.Context, pm *reconcile.PaymentMethod) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE payment_methods SET
				card_brand = $2, card_last4 = $3, card_exp_month = $4, card_exp_year = $5,
				is_default = $6, updated_at = $7
			WHERE provider_payment_method_id = $1`,
		pm.ProviderPaymentMethodID, pm.CardBrand, pm.CardLast4, pm.CardExpMonth, pm.CardExpYear,
		pm.IsDefault, pm.UpdatedAt,
	)
	if err != nil {
		return storeError("failed to update payment method", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrEntityNotFound
	}
	return nil
}

// DeletePaymentMethod implements reconcile.PaymentStore
func (s *Storage) DeletePaymentMethod(ctx context.Context, providerPaymentMethodID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM payment_methods WHERE provider_payment_method_id = $1`, providerPaymentMethodID)
	if err != nil {
		return false, storeError("failed to delete payment method", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetPayout implements reconcile.PayoutStore
func (s *Storage) GetPayout(ctx context.Context, providerPayoutID string) (*reconcile.Payout, error) {
	var p reconcile.Payout
	var amount string
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, provider_payout_id, amount::text, currency, status, arrival_date, created_at, updated_at
			FROM payouts WHERE provider_payout_id = $1`,
		providerPayoutID).Scan(
		&p.ID,
		&p.UserID,
		&p.ProviderPayoutID,
		&amount,
		&p.Currency,
		&p.Status,
		&p.ArrivalDate,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrEntityNotFound
	}
	if err != nil {
		return nil, storeError("failed to get payout", err)
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	return &p, nil
}

// InsertPayout implements reconcile.PayoutStore
func (s *Storage) InsertPayout(ctx context.Context, p *reconcile.Payout) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO payouts
				(id, user_id, provider_payout_id, amount, currency, status, arrival_date, created_at, updated_at)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)`,
		p.ID, p.UserID, p.ProviderPayoutID, p.Amount.String(), p.Currency, p.Status,
		p.ArrivalDate, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("payout %s already exists: %w", p.ProviderPayoutID, err)
	}
	if err != nil {
		return storeError("failed to insert payout", err)
	}
	return nil
}

// UpdatePayout implements reconcile.PayoutStore
func (s *Storage) UpdatePayout(ctx context.Context, p *reconcile.Payout) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE payouts SET amount = $2::numeric, currency = $3, status = $4, arrival_date = $5, updated_at = $6
			WHERE provider_payout_id = $1`,
		p.ProviderPayoutID, p.Amount.String(), p.Currency, p.Status, p.ArrivalDate, p.UpdatedAt,
	)
	if err != nil {
		return storeError("failed to update payout", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrEntityNotFound
	}
	return nil
}

const profileColumns = `user_id, membership_status, membership_start_date, membership_end_date,
	provider_customer_id, provider_connect_id, provider_connect_status`

func (s *Storage) getProfileWhere(ctx context.Context, where string, arg string) (*reconcile.Profile, error) {
	var p reconcile.Profile
	var status string
	err := s.db.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE `+where+` LIMIT 1`, arg).Scan(
		&p.UserID,
		&status,
		&p.MembershipStartDate,
		&p.MembershipEndDate,
		&p.ProviderCustomerID,
		&p.ProviderConnectID,
		&p.ProviderConnectStatus,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrEntityNotFound
	}
	if err != nil {
		return nil, storeError("failed to get profile", err)
	}
	p.MembershipStatus = reconcile.MembershipStatus(status)
	return &p, nil
}

// GetProfile implements reconcile.ProfileStore
func (s *Storage) GetProfile(ctx context.Context, userID string) (*reconcile.Profile, error) {
	return s.getProfileWhere(ctx, "user_id = $1", userID)
}

// GetProfileByCustomerID implements reconcile.ProfileStore
func (s *Storage) GetProfileByCustomerID(ctx context.Context, providerCustomerID string) (*reconcile.Profile, error) {
	if providerCustomerID == "" {
		return nil, reconcile.ErrEntityNotFound
	}
	return s.getProfileWhere(ctx, "provider_customer_id = $1", providerCustomerID)
}

// GetProfileByConnectID implements reconcile.ProfileStore
func (s *Storage) GetProfileByConnectID(ctx context.Context, providerConnectID string) (*reconcile.Profile, error) {
	if providerConnectID == "" {
		return nil, reconcile.ErrEntityNotFound
	}
	return s.getProfileWhere(ctx, "provider_connect_id = $1", providerConnectID)
}

// UpdateMembership implements reconcile.ProfileStore. Nil fields are left unchanged.
func (s *Storage) UpdateMembership(ctx context.Context, userID string, update reconcile.MembershipUpdate) error {
	var status *string
	if update.Status != nil {
		v := string(*update.Status)
		status = &v
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE profiles SET
				membership_status = COALESCE($2, membership_status),
				membership_start_date = COALESCE($3, membership_start_date),
				membership_end_date = COALESCE($4, membership_end_date),
				provider_customer_id = COALESCE($5, provider_customer_id)
			WHERE user_id = $1`,
		userID, status, update.StartDate, update.EndDate, update.ProviderCustomerID,
	)
	if err != nil {
		return storeError("failed to update membership", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrEntityNotFound
	}
	return nil
}

// UpdateConnectStatus implements reconcile.ProfileStore
func (s *Storage) UpdateConnectStatus(ctx context.Context, userID, connectID, status string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE profiles SET provider_connect_id = $2, provider_connect_status = $3 WHERE user_id = $1`,
		userID, connectID, status)
	if err != nil {
		return storeError("failed to update connect status", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrEntityNotFound
	}
	return nil
}

// GetBooking implements reconcile.BookingStore
func (s *Storage) GetBooking(ctx context.Context, bookingID string) (*reconcile.Booking, error) {
	var b reconcile.Booking
	err := s.db.QueryRow(ctx,
		`SELECT id, customer_id, provider_id, payment_status FROM bookings WHERE id = $1`,
		bookingID).Scan(&b.ID, &b.CustomerID, &b.ProviderID, &b.PaymentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrEntityNotFound
	}
	if err != nil {
		return nil, storeError("failed to get booking", err)
	}
	return &b, nil
}

// UpdateBookingPaymentStatus implements reconcile.BookingStore
func (s *Storage) UpdateBookingPaymentStatus(ctx context.Context, bookingID, status string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE bookings SET payment_status = $2 WHERE id = $1`, bookingID, status)
	if err != nil {
		return storeError("failed to update booking", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrEntityNotFound
	}
	return nil
}

// InsertNotification implements reconcile.NotificationStore
func (s *Storage) InsertNotification(ctx context.Context, n *reconcile.Notification) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO notifications (id, user_id, title, message, type, related_id, read, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.UserID, n.Title, n.Message, n.Type, n.RelatedID, n.Read, n.CreatedAt,
	)
	if err != nil {
		return storeError("failed to insert notification", err)
	}
	return nil
}

// ParkEvent implements reconcile.ParkingStore
func (s *Storage) ParkEvent(ctx context.Context, p *reconcile.ParkedEvent) error {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal parked payload: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO parked_events (event_id, provider_subscription_id, category, event_created, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (event_id) DO NOTHING`,
		p.EventID, p.ProviderSubscriptionID, string(p.Category), p.EventCreated, payload, p.CreatedAt,
	)
	if err != nil {
		return storeError("failed to park event", err)
	}
	return nil
}

// TakeParkedEvents implements reconcile.ParkingStore
func (s *Storage) TakeParkedEvents(ctx context.Context, providerSubscriptionID string) ([]*reconcile.ParkedEvent, error) {
	rows, err := s.db.Query(ctx,
		`DELETE FROM parked_events WHERE provider_subscription_id = $1
			RETURNING event_id, provider_subscription_id, category, event_created, payload, created_at`,
		providerSubscriptionID)
	if err != nil {
		return nil, storeError("failed to take parked events", err)
	}
	defer rows.Close()

	var out []*reconcile.ParkedEvent
	for rows.Next() {
		var p reconcile.ParkedEvent
		var category string
		var payload []byte
		if err := rows.Scan(&p.EventID, &p.ProviderSubscriptionID, &category, &p.EventCreated, &payload, &p.CreatedAt); err != nil {
			return nil, storeError("failed to scan parked event", err)
		}
		if err := json.Unmarshal(payload, &p.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode parked event %s: %w", p.EventID, err)
		}
		p.Category = reconcile.Category(category)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to take parked events", err)
	}
	return out, nil
}

// PutProfile upserts a profile. Profiles are owned by the application; this is
// for seeding and tests.
func (s *Storage) PutProfile(ctx context.Context, p *reconcile.Profile) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO profiles (`+profileColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id) DO UPDATE SET
				membership_status = EXCLUDED.membership_status,
				membership_start_date = EXCLUDED.membership_start_date,
				membership_end_date = EXCLUDED.membership_end_date,
				provider_customer_id = EXCLUDED.provider_customer_id,
				provider_connect_id = EXCLUDED.provider_connect_id,
				provider_connect_status = EXCLUDED.provider_connect_status`,
		p.UserID, string(p.MembershipStatus), p.MembershipStartDate, p.MembershipEndDate,
		p.ProviderCustomerID, p.ProviderConnectID, p.ProviderConnectStatus,
	)
	if err != nil {
		return storeError("failed to put profile", err)
	}
	return nil
}

// PutBooking upserts a booking for seeding and tests.
func (s *Storage) PutBooking(ctx context.Context, b *reconcile.Booking) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO bookings (id, customer_id, provider_id, payment_status)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET payment_status = EXCLUDED.payment_status`,
		b.ID, b.CustomerID, b.ProviderID, b.PaymentStatus,
	)
	if err != nil {
		return storeError("failed to put booking", err)
	}
	return nil
}
