package reconcile

import (
	"context"
	"time"
)

// IdempotencyStore persists one EventRecord per provider event id. Implementations
// must make BeginEvent atomic across processes (a uniqueness constraint or an
// equivalent compare-and-set), never an in-process lock alone.
type IdempotencyStore interface {
	// BeginEvent claims eventID for processing until now+lease.
	// Returns ErrEventDone if the event was already applied and ErrEventInProgress
	// while another unexpired claim exists. A failed record or an expired claim is
	// taken over, incrementing Attempts.
	BeginEvent(ctx context.Context, req *BeginRequest) (*EventRecord, error)

	// CompleteEvent transitions the record to done. attempt is the Attempts value
	// returned by the BeginEvent that claimed it; if the record is no longer
	// in_progress under that attempt nothing changes and ErrClaimLost is returned.
	CompleteEvent(ctx context.Context, eventID string, attempt int, now time.Time) error

	// FailEvent transitions the record to failed, recording the reason. It is
	// conditional on attempt the same way as CompleteEvent.
	FailEvent(ctx context.Context, eventID string, attempt int, reason string, now time.Time) error

	// GetEvent returns the record for eventID or ErrEntityNotFound.
	GetEvent(ctx context.Context, eventID string) (*EventRecord, error)
}

// BeginRequest describes a claim on an event id.
type BeginRequest struct {
	EventID   string
	EventType string
	Payload   []byte
	Now       time.Time
	Lease     time.Duration
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	State EventState
	// Limit caps the number of records returned (default: 100)
	Limit int
}

// EventLister is optionally implemented by idempotency stores that can enumerate records.
type EventLister interface {
	ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error)
}

// SubscriptionStore holds Subscription rows.
type SubscriptionStore interface {
	GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)
	// GetActiveSubscriptionByUser returns the user's active subscription or ErrEntityNotFound.
	GetActiveSubscriptionByUser(ctx context.Context, userID string) (*Subscription, error)
	InsertSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription) error
}

// PaymentStore holds PaymentTransaction and PaymentMethod rows.
type PaymentStore interface {
	InsertPaymentTransaction(ctx context.Context, txn *PaymentTransaction) error
	// FindPaymentTransaction returns the row for one payment attempt on an invoice
	// or ErrEntityNotFound.
	FindPaymentTransaction(ctx context.Context, providerInvoiceID string, status PaymentStatus, attempt int) (*PaymentTransaction, error)

	GetPaymentMethod(ctx context.Context, providerPaymentMethodID string) (*PaymentMethod, error)
	// CountPaymentMethods counts the user's cards. Inside Atomic, concurrent
	// callers for the same user must not both observe a count that excludes
	// the other's uncommitted insert.
	CountPaymentMethods(ctx context.Context, userID string) (int, error)
	InsertPaymentMethod(ctx context.Context, pm *PaymentMethod) error
	UpdatePaymentMethod(ctx context.Context, pm *PaymentMethod) error
	// DeletePaymentMethod reports whether a row was removed.
	DeletePaymentMethod(ctx context.Context, providerPaymentMethodID string) (bool, error)
}

// PayoutStore holds Payout rows.
type PayoutStore interface {
	GetPayout(ctx context.Context, providerPayoutID string) (*Payout, error)
	InsertPayout(ctx context.Context, p *Payout) error
	UpdatePayout(ctx context.Context, p *Payout) error
}

// ProfileStore reads profiles and writes the membership and connect fields only.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	GetProfileByCustomerID(ctx context.Context, providerCustomerID string) (*Profile, error)
	GetProfileByConnectID(ctx context.Context, providerConnectID string) (*Profile, error)
	UpdateMembership(ctx context.Context, userID string, update MembershipUpdate) error
	UpdateConnectStatus(ctx context.Context, userID, connectID, status string) error
}

// BookingStore reads bookings and writes their payment status.
type BookingStore interface {
	GetBooking(ctx context.Context, bookingID string) (*Booking, error)
	UpdateBookingPaymentStatus(ctx context.Context, bookingID, status string) error
}

// NotificationStore appends notifications.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n *Notification) error
}

// ParkingStore holds subscription events that arrived before their subscription.
type ParkingStore interface {
	ParkEvent(ctx context.Context, p *ParkedEvent) error
	// TakeParkedEvents removes and returns all parked events for a subscription.
	TakeParkedEvents(ctx context.Context, providerSubscriptionID string) ([]*ParkedEvent, error)
}

// Store is the data store the engine reconciles against.
type Store interface {
	IdempotencyStore
	SubscriptionStore
	PaymentStore
	PayoutStore
	ProfileStore
	BookingStore
	NotificationStore
	ParkingStore

	// Atomic runs fn against a view of the store whose writes commit together,
	// as far as the backend allows. If fn returns an error nothing is committed.
	Atomic(ctx context.Context, fn func(tx Store) error) error
}
