package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Effects collects the side effects of one reconciliation. They are flushed only
// after the event's idempotency record is done, so a redelivery that re-runs the
// handler never emits them twice.
type Effects struct {
	notifications []*Notification
}

// Notify queues a notification for userID; empty user ids are dropped.
func (fx *Effects) Notify(userID, title, message, kind, relatedID string) {
	if userID == "" {
		return
	}
	fx.notifications = append(fx.notifications, &Notification{
		UserID:    userID,
		Title:     title,
		Message:   message,
		Type:      kind,
		RelatedID: relatedID,
	})
}

// Len returns the number of queued side effects.
func (fx *Effects) Len() int {
	if fx == nil {
		return 0
	}
	return len(fx.notifications)
}

// Dispatcher writes queued side effects. Failures are logged and swallowed:
// the reconciliation that produced them has already committed.
type Dispatcher struct {
	store   NotificationStore
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewDispatcher creates a side-effect dispatcher.
func NewDispatcher(store NotificationStore, logger Logger, metrics Metrics, now func() time.Time) *Dispatcher {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{store: store, logger: logger, metrics: metrics, now: now}
}

// Notify inserts a single unread notification, logging instead of returning failures.
func (d *Dispatcher) Notify(ctx context.Context, userID, title, message, kind, relatedID string) bool {
	n := &Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Message:   message,
		Type:      kind,
		RelatedID: relatedID,
		Read:      false,
		CreatedAt: d.now().UTC(),
	}
	if err := d.store.InsertNotification(ctx, n); err != nil {
		d.metrics.RecordSideEffectFailure("notification")
		d.logger.Error("failed to insert notification",
			Field{Key: "user_id", Value: userID},
			Field{Key: "type", Value: kind},
			Field{Key: "related_id", Value: relatedID},
			Field{Key: "error", Value: err},
		)
		return false
	}
	return true
}

// Flush writes every queued effect and returns how many were written.
func (d *Dispatcher) Flush(ctx context.Context, fx *Effects) int {
	if fx.Len() == 0 {
		return 0
	}

	written := make([]bool, len(fx.notifications))
	var g errgroup.Group
	g.SetLimit(4)
	for i, n := range fx.notifications {
		g.Go(func() error {
			written[i] = d.Notify(ctx, n.UserID, n.Title, n.Message, n.Type, n.RelatedID)
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for _, ok := range written {
		if ok {
			count++
		}
	}
	return count
}
