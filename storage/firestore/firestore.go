// Package firestore provides a Firestore implementation of the reconcile.Store interface.
// Atomic runs inside a Firestore transaction: reads go through the transaction
// and writes are buffered until fn returns, since Firestore requires every read
// to happen before the first write.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

// Storage implements reconcile.Store using Google Cloud Firestore
type Storage struct {
	client *firestore.Client
	config Config

	// set on the view passed to Atomic's fn
	tx     *firestore.Transaction
	writes *[]func(*firestore.Transaction) error
}

// Config holds Firestore storage configuration. Every collection has a default
// under the "payrecon_" prefix.
type Config struct {
	EventsCollection         string
	SubscriptionsCollection  string
	TransactionsCollection   string
	PaymentMethodsCollection string
	PayoutsCollection        string
	ProfilesCollection       string
	BookingsCollection       string
	NotificationsCollection  string
	ParkedCollection         string
}

// DefaultConfig returns a Config with the default collection names
func DefaultConfig() Config {
	return Config{
		EventsCollection:         "payrecon_events",
		SubscriptionsCollection:  "payrecon_subscriptions",
		TransactionsCollection:   "payrecon_payment_transactions",
		PaymentMethodsCollection: "payrecon_payment_methods",
		PayoutsCollection:        "payrecon_payouts",
		ProfilesCollection:       "profiles",
		BookingsCollection:       "bookings",
		NotificationsCollection:  "notifications",
		ParkedCollection:         "payrecon_parked_events",
	}
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	defaults := DefaultConfig()
	setDefault(&config.EventsCollection, defaults.EventsCollection)
	setDefault(&config.SubscriptionsCollection, defaults.SubscriptionsCollection)
	setDefault(&config.TransactionsCollection, defaults.TransactionsCollection)
	setDefault(&config.PaymentMethodsCollection, defaults.PaymentMethodsCollection)
	setDefault(&config.PayoutsCollection, defaults.PayoutsCollection)
	setDefault(&config.ProfilesCollection, defaults.ProfilesCollection)
	setDefault(&config.BookingsCollection, defaults.BookingsCollection)
	setDefault(&config.NotificationsCollection, defaults.NotificationsCollection)
	setDefault(&config.ParkedCollection, defaults.ParkedCollection)

	return &Storage{client: client, config: config}, nil
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Atomic implements reconcile.Store. The transaction is attempted once; on
// contention the error is returned and the provider's redelivery retries.
func (s *Storage) Atomic(ctx context.Context, fn func(tx reconcile.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		writes := make([]func(*firestore.Transaction) error, 0)
		view := &Storage{client: s.client, config: s.config, tx: tx, writes: &writes}
		if err := fn(view); err != nil {
			return err
		}
		for _, w := range writes {
			if err := w(tx); err != nil {
				return err
			}
		}
		return nil
	}, firestore.MaxAttempts(1))
	if err != nil && isUnavailable(err) {
		return fmt.Errorf("%w: %v", reconcile.ErrStoreUnavailable, err)
	}
	return err
}

func (s *Storage) collection(name string) *firestore.CollectionRef {
	return s.client.Collection(name)
}

// get reads a document, through the transaction when there is one.
func (s *Storage) get(ctx context.Context, ref *firestore.DocumentRef) (*firestore.DocumentSnapshot, error) {
	var snap *firestore.DocumentSnapshot
	var err error
	if s.tx != nil {
		snap, err = s.tx.Get(ref)
	} else {
		snap, err = ref.Get(ctx)
	}
	if status.Code(err) == codes.NotFound || (err == nil && !snap.Exists()) {
		return nil, reconcile.ErrEntityNotFound
	}
	if err != nil {
		return nil, storeError("failed to read "+ref.Path, err)
	}
	return snap, nil
}

func (s *Storage) query(ctx context.Context, q firestore.Query) ([]*firestore.DocumentSnapshot, error) {
	var snaps []*firestore.DocumentSnapshot
	var err error
	if s.tx != nil {
		snaps, err = s.tx.Documents(q).GetAll()
	} else {
		snaps, err = q.Documents(ctx).GetAll()
	}
	if err != nil {
		return nil, storeError("failed to query", err)
	}
	return snaps, nil
}

func (s *Storage) first(ctx context.Context, q firestore.Query) (*firestore.DocumentSnapshot, error) {
	snaps, err := s.query(ctx, q.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, reconcile.ErrEntityNotFound
	}
	return snaps[0], nil
}

func (s *Storage) set(ctx context.Context, ref *firestore.DocumentRef, data map[string]interface{}) error {
	if s.tx != nil {
		*s.writes = append(*s.writes, func(tx *firestore.Transaction) error { return tx.Set(ref, data) })
		return nil
	}
	if _, err := ref.Set(ctx, data); err != nil {
		return storeError("failed to write "+ref.Path, err)
	}
	return nil
}

func (s *Storage) update(ctx context.Context, ref *firestore.DocumentRef, updates []firestore.Update) error {
	if s.tx != nil {
		*s.writes = append(*s.writes, func(tx *firestore.Transaction) error { return tx.Update(ref, updates) })
		return nil
	}
	_, err := ref.Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return reconcile.ErrEntityNotFound
	}
	if err != nil {
		return storeError("failed to update "+ref.Path, err)
	}
	return nil
}

func (s *Storage) delete(ctx context.Context, ref *firestore.DocumentRef) error {
	if s.tx != nil {
		*s.writes = append(*s.writes, func(tx *firestore.Transaction) error { return tx.Delete(ref) })
		return nil
	}
	if _, err := ref.Delete(ctx); err != nil {
		return storeError("failed to delete "+ref.Path, err)
	}
	return nil
}

// BeginEvent implements reconcile.IdempotencyStore. The claim runs in its own
// transaction, which Firestore retries on contention.
func (s *Storage) BeginEvent(ctx context.Context, req *reconcile.BeginRequest) (*reconcile.EventRecord, error) {
	if req == nil || req.EventID == "" {
		return nil, fmt.Errorf("%w: event id is required", reconcile.ErrMalformedEvent)
	}

	ref := s.collection(s.config.EventsCollection).Doc(req.EventID)
	var rec *reconcile.EventRecord

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if snap != nil && snap.Exists() {
			rec = decodeEvent(req.EventID, snap.Data())
			switch {
			case rec.State == reconcile.EventDone:
				return reconcile.ErrEventDone
			case rec.State == reconcile.EventInProgress && req.Now.Before(rec.LockedUntil):
				return reconcile.ErrEventInProgress
			}
		} else {
			rec = &reconcile.EventRecord{
				EventID:   req.EventID,
				EventType: req.EventType,
				Payload:   req.Payload,
				CreatedAt: req.Now,
			}
		}

		rec.State = reconcile.EventInProgress
		rec.Attempts++
		rec.LockedUntil = req.Now.Add(req.Lease)
		rec.UpdatedAt = req.Now
		return tx.Set(ref, encodeEvent(rec))
	})
	if err != nil {
		if errors.Is(err, reconcile.ErrEventDone) || errors.Is(err, reconcile.ErrEventInProgress) {
			return nil, err
		}
		return nil, storeError("failed to claim event", err)
	}
	return rec, nil
}

// CompleteEvent implements reconcile.IdempotencyStore
func (s *Storage) CompleteEvent(ctx context.Context, eventID string, attempt int, now time.Time) error {
	return s.transition(ctx, eventID, attempt, []firestore.Update{
		{Path: "state", Value: string(reconcile.EventDone)},
		{Path: "lastError", Value: ""},
		{Path: "lockedUntil", Value: nil},
		{Path: "updatedAt", Value: now},
	})
}

// FailEvent implements reconcile.IdempotencyStore
func (s *Storage) FailEvent(ctx context.Context, eventID string, attempt int, reason string, now time.Time) error {
	return s.transition(ctx, eventID, attempt, []firestore.Update{
		{Path: "state", Value: string(reconcile.EventFailed)},
		{Path: "lastError", Value: reason},
		{Path: "lockedUntil", Value: nil},
		{Path: "updatedAt", Value: now},
	})
}

// transition applies updates if the record is still in_progress under attempt.
// Inside Atomic the check joins the caller's transaction; otherwise it runs in
// its own.
func (s *Storage) transition(ctx context.Context, eventID string, attempt int, updates []firestore.Update) error {
	ref := s.collection(s.config.EventsCollection).Doc(eventID)
	check := func(data map[string]interface{}) error {
		if getString(data, "state") != string(reconcile.EventInProgress) || getInt(data, "attempts") != attempt {
			return reconcile.ErrClaimLost
		}
		return nil
	}

	if s.tx != nil {
		snap, err := s.get(ctx, ref)
		if err != nil {
			return err
		}
		if err := check(snap.Data()); err != nil {
			return err
		}
		return s.update(ctx, ref, updates)
	}

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return reconcile.ErrEntityNotFound
		}
		if err != nil {
			return err
		}
		if err := check(snap.Data()); err != nil {
			return err
		}
		return tx.Update(ref, updates)
	})
	if err != nil {
		if errors.Is(err, reconcile.ErrEntityNotFound) || errors.Is(err, reconcile.ErrClaimLost) {
			return err
		}
		return storeError("failed to update event "+eventID, err)
	}
	return nil
}

// GetEvent implements reconcile.IdempotencyStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*reconcile.EventRecord, error) {
	snap, err := s.get(ctx, s.collection(s.config.EventsCollection).Doc(eventID))
	if err != nil {
		return nil, err
	}
	return decodeEvent(eventID, snap.Data()), nil
}

// ListEvents implements reconcile.EventLister, newest first. Filtering by state
// needs a composite index on (state, updatedAt).
func (s *Storage) ListEvents(ctx context.Context, filter reconcile.EventFilter) ([]*reconcile.EventRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	q := s.collection(s.config.EventsCollection).Query
	if filter.State != "" {
		q = q.Where("state", "==", string(filter.State))
	}
	snaps, err := s.query(ctx, q.OrderBy("updatedAt", firestore.Desc).Limit(limit))
	if err != nil {
		return nil, err
	}

	out := make([]*reconcile.EventRecord, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, decodeEvent(snap.Ref.ID, snap.Data()))
	}
	return out, nil
}

func encodeEvent(rec *reconcile.EventRecord) map[string]interface{} {
	return map[string]interface{}{
		"eventType":   rec.EventType,
		"state":       string(rec.State),
		"attempts":    rec.Attempts,
		"lastError":   rec.LastError,
		"payload":     rec.Payload,
		"lockedUntil": rec.LockedUntil,
		"createdAt":   rec.CreatedAt,
		"updatedAt":   rec.UpdatedAt,
	}
}

func decodeEvent(eventID string, data map[string]interface{}) *reconcile.EventRecord {
	rec := &reconcile.EventRecord{
		EventID:     eventID,
		EventType:   getString(data, "eventType"),
		State:       reconcile.EventState(getString(data, "state")),
		Attempts:    getInt(data, "attempts"),
		LastError:   getString(data, "lastError"),
		LockedUntil: getTime(data, "lockedUntil"),
		CreatedAt:   getTime(data, "createdAt"),
		UpdatedAt:   getTime(data, "updatedAt"),
	}
	if p, ok := data["payload"].([]byte); ok {
		rec.Payload = p
	}
	return rec
}

// Close closes the Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

func isUnavailable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	}
	return false
}

func storeError(msg string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("%w: %s: %v", reconcile.ErrStoreUnavailable, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		t := v.UTC()
		return &t
	}
	return nil
}

// timeValue stores zero times as null.
func timeValue(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func timePtrValue(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}
