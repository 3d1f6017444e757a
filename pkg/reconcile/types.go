package reconcile

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus mirrors the provider's subscription lifecycle states.
type SubscriptionStatus string

const (
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
)

// Terminal reports whether the status ends paid access.
func (s SubscriptionStatus) Terminal() bool {
	switch s {
	case SubscriptionCanceled, SubscriptionUnpaid, SubscriptionIncompleteExpired:
		return true
	}
	return false
}

// MembershipStatus is the denormalized flag kept on user profiles.
type MembershipStatus string

const (
	MembershipActive   MembershipStatus = "active"
	MembershipInactive MembershipStatus = "inactive"
)

// PaymentStatus is the outcome recorded on a PaymentTransaction.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// Connect account onboarding states written to profiles.
const (
	ConnectStatusComplete = "complete"
	ConnectStatusPending  = "pending"
)

// Booking payment states written by payment intent events.
const (
	BookingPaid   = "paid"
	BookingFailed = "failed"
)

// Subscription is the local record of a provider subscription.
// At most one subscription per user is active; never deleted, only canceled.
type Subscription struct {
	ID                     string
	UserID                 string
	PlanID                 string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	Status                 SubscriptionStatus
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	// LastEventAt is the creation time of the newest provider event applied to this row.
	LastEventAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PaymentTransaction is append-only: one row per invoice payment event.
type PaymentTransaction struct {
	ID                      string
	UserID                  string
	SubscriptionID          string
	Amount                  decimal.Decimal
	Currency                string
	Status                  PaymentStatus
	ProviderInvoiceID       string
	ProviderPaymentIntentID string
	Description             string
	// AttemptCount is the invoice's payment attempt this row records.
	AttemptCount int
	CreatedAt    time.Time
}

// PaymentMethod is a card attached to a provider customer.
type PaymentMethod struct {
	ID                      string
	UserID                  string
	ProviderPaymentMethodID string
	CardBrand               string
	CardLast4               string
	CardExpMonth            int
	CardExpYear             int
	IsDefault               bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Payout is a transfer to a connected account's external bank account.
type Payout struct {
	ID               string
	UserID           string
	ProviderPayoutID string
	Amount           decimal.Decimal
	Currency         string
	Status           string
	ArrivalDate      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Notification is written once by the dispatcher and never mutated here.
type Notification struct {
	ID        string
	UserID    string
	Title     string
	Message   string
	Type      string
	RelatedID string
	Read      bool
	CreatedAt time.Time
}

// Notification types.
const (
	NotificationPayment = "payment"
	NotificationPayout  = "payout"
	NotificationAccount = "account"
)

// Profile holds the externally-owned profile fields this package reads or writes.
type Profile struct {
	UserID                string
	MembershipStatus      MembershipStatus
	MembershipStartDate   *time.Time
	MembershipEndDate     *time.Time
	ProviderCustomerID    string
	ProviderConnectID     string
	ProviderConnectStatus string
}

// MembershipUpdate is a partial write of the membership fields; nil fields are untouched.
type MembershipUpdate struct {
	Status             *MembershipStatus
	StartDate          *time.Time
	EndDate            *time.Time
	ProviderCustomerID *string
}

// Empty reports whether the update would write nothing.
func (u MembershipUpdate) Empty() bool {
	return u.Status == nil && u.StartDate == nil && u.EndDate == nil && u.ProviderCustomerID == nil
}

// Booking is the externally-owned booking an ad-hoc payment refers to.
type Booking struct {
	ID            string
	CustomerID    string
	ProviderID    string
	PaymentStatus string
}

// EventState is the lifecycle of an idempotency record.
type EventState string

const (
	EventInProgress EventState = "in_progress"
	EventDone       EventState = "done"
	EventFailed     EventState = "failed"
)

// EventRecord is the durable idempotency marker for one provider event id.
type EventRecord struct {
	EventID     string
	EventType   string
	State       EventState
	Attempts    int
	LastError   string
	Payload     []byte
	LockedUntil time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ParkedEvent is a subscription event that arrived before its subscription row existed.
type ParkedEvent struct {
	EventID                string
	ProviderSubscriptionID string
	Category               Category
	EventCreated           time.Time
	Payload                SubscriptionChange
	CreatedAt              time.Time
}
