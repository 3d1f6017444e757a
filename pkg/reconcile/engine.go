package reconcile

import (
	"context"
	"fmt"
	"time"
)

// Config holds engine configuration.
type Config struct {
	// Idempotency overrides where idempotency records live. When nil the Store's
	// own records are used and the done transition commits with the state change.
	Idempotency IdempotencyStore

	// Lookup fetches full subscription detail for thin checkout events (optional).
	Lookup SubscriptionLookup

	// LookupTimeout bounds each provider lookup (default: 5s)
	LookupTimeout time.Duration

	// Breaker guards provider lookups (default: 5 failures, 30s reset)
	Breaker CircuitBreaker

	// InProgressTTL is the lease on an in_progress record (default: 2m).
	// It must exceed LookupTimeout.
	InProgressTTL time.Duration

	// ParkOrphans parks subscription events that arrive before their
	// subscription row and replays them on checkout (default: false)
	ParkOrphans bool

	// Locale formats currency amounts in notifications (default: en-US)
	Locale string

	Logger  Logger
	Metrics Metrics

	// Now is the clock (default: time.Now)
	Now func() time.Time
}

// Result describes a processed delivery.
type Result struct {
	EventID  string
	Category Category
	Outcome  Outcome
	// Notifications is the number of notifications written after commit.
	Notifications int
}

// Engine reconciles parsed provider events against the Store.
type Engine struct {
	store      Store
	config     Config
	guard      *Guard
	router     *Router
	dispatcher *Dispatcher
	logger     Logger
	metrics    Metrics
}

// NewEngine creates a reconciliation engine.
func NewEngine(store Store, config Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrNotConfigured)
	}

	// Set defaults
	if config.LookupTimeout <= 0 {
		config.LookupTimeout = 5 * time.Second
	}
	if config.InProgressTTL <= 0 {
		config.InProgressTTL = 2 * time.Minute
	}
	if config.InProgressTTL <= config.LookupTimeout {
		return nil, fmt.Errorf("%w: in-progress TTL %s must exceed lookup timeout %s",
			ErrNotConfigured, config.InProgressTTL, config.LookupTimeout)
	}
	if config.Locale == "" {
		config.Locale = "en-US"
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	h := &handlers{
		money:       NewMoneyFormatter(config.Locale),
		logger:      config.Logger,
		now:         config.Now,
		parkOrphans: config.ParkOrphans,
	}
	if config.Lookup != nil {
		breaker := config.Breaker
		if breaker == nil {
			logger := config.Logger
			breaker = NewBreaker(5, 30*time.Second, countsAsOutage, func(state BreakerState) {
				logger.Warn("subscription lookup circuit changed state", Field{Key: "state", Value: string(state)})
			})
		}
		h.lookup = &guardedLookup{
			next:    config.Lookup,
			timeout: config.LookupTimeout,
			breaker: breaker,
			metrics: config.Metrics,
		}
	}

	return &Engine{
		store:      store,
		config:     config,
		guard:      NewGuard(store, config.Idempotency, config.InProgressTTL, config.Now, config.Logger),
		router:     newRouter(h),
		dispatcher: NewDispatcher(store, config.Logger, config.Metrics, config.Now),
		logger:     config.Logger,
		metrics:    config.Metrics,
	}, nil
}

// Router returns the engine's category table.
func (e *Engine) Router() *Router {
	return e.router
}

// Idempotency returns the store holding idempotency records.
func (e *Engine) Idempotency() IdempotencyStore {
	return e.guard.idem
}

// Process applies an authenticated event at most once. Unknown categories are
// acknowledged without touching state. A nil error means the delivery should be
// acknowledged; side-effect failures after commit never surface here.
func (e *Engine) Process(ctx context.Context, ev *Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		var id, eventType string
		category := "unknown"
		if ev != nil {
			id, eventType = ev.ID, ev.Type
			if ev.Category != "" {
				category = string(ev.Category)
			}
		}
		e.logger.Error("rejecting malformed event",
			Field{Key: "event_id", Value: id},
			Field{Key: "event_type", Value: eventType},
			Field{Key: "error", Value: err},
		)
		e.recordFailure(category, err)
		return Result{EventID: id}, err
	}

	start := time.Now()
	category := string(ev.Category)
	if category == "" {
		category = "unknown"
	}
	defer func() {
		e.metrics.RecordProcessingDuration(category, time.Since(start))
	}()

	route, ok := e.router.Lookup(ev.Category)
	if !ok {
		e.logger.Info("ignoring unhandled event type", eventFields(ev)...)
		e.metrics.RecordEvent(category, string(OutcomeIgnored))
		return Result{EventID: ev.ID, Category: ev.Category, Outcome: OutcomeIgnored}, nil
	}

	fx := &Effects{}
	outcome, err := e.guard.ApplyOnce(ctx, ev, route.Prepare, route.Apply, fx)
	if err != nil {
		e.logger.Error("failed to reconcile event", eventFields(ev, Field{Key: "error", Value: err})...)
		e.recordFailure(category, err)
		return Result{EventID: ev.ID, Category: ev.Category}, err
	}

	res := Result{EventID: ev.ID, Category: ev.Category, Outcome: outcome}
	if outcome == OutcomeApplied {
		// the event is done; a canceled request must not drop its notifications
		res.Notifications = e.dispatcher.Flush(context.WithoutCancel(ctx), fx)
		e.logger.Info("event reconciled", eventFields(ev, Field{Key: "notifications", Value: res.Notifications})...)
	}
	e.metrics.RecordEvent(category, string(outcome))
	return res, nil
}

func (e *Engine) recordFailure(category string, err error) {
	e.metrics.RecordEvent(category, "error")
	e.metrics.RecordError(ErrorKind(err))
}
