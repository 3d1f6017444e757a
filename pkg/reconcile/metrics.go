package reconcile

import "time"

// Metrics defines the interface for tracking reconciliation outcomes.
// All methods are optional - the engine substitutes NoopMetrics when nil.
type Metrics interface {
	// RecordEvent records a processed delivery.
	// outcome: "applied", "duplicate", "ignored" or "error"
	RecordEvent(category, outcome string)

	// RecordProcessingDuration records how long a delivery took end to end.
	RecordProcessingDuration(category string, duration time.Duration)

	// RecordError records a failed delivery by error kind (see ErrorKind).
	RecordError(kind string)

	// RecordSideEffectFailure records a swallowed side-effect failure.
	RecordSideEffectFailure(kind string)

	// RecordLookup records an outbound provider lookup.
	// status: "success", "error", "timeout" or "circuit_open"
	RecordLookup(status string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordError(_ string)                               {}
func (n *NoopMetrics) RecordSideEffectFailure(_ string)                   {}
func (n *NoopMetrics) RecordLookup(_ string, _ time.Duration)             {}
