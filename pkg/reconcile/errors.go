package reconcile

import (
	"errors"
	"net/http"
)

var (
	// ErrSignatureInvalid is returned when an event payload fails authentication
	ErrSignatureInvalid = errors.New("invalid event signature")

	// ErrMalformedEvent is returned when an authenticated payload lacks required fields
	ErrMalformedEvent = errors.New("malformed event")

	// ErrEntityNotFound is returned by stores when a keyed lookup matches nothing
	ErrEntityNotFound = errors.New("entity not found")

	// ErrConflict is returned when another delivery of the same event is in flight
	ErrConflict = errors.New("event is being processed by another delivery")

	// ErrTransient marks failures the provider should retry (timeouts, store outages)
	ErrTransient = errors.New("transient failure")

	// ErrStoreUnavailable is returned when the data store cannot be reached
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrEventDone is returned by IdempotencyStore.BeginEvent when the event was already applied
	ErrEventDone = errors.New("event already processed")

	// ErrEventInProgress is returned by IdempotencyStore.BeginEvent while another lease is live
	ErrEventInProgress = errors.New("event in progress")

	// ErrClaimLost is returned by CompleteEvent and FailEvent when the caller's claim
	// expired and another delivery took the event over
	ErrClaimLost = errors.New("event claim lost")

	// ErrCircuitOpen is returned when provider lookups are short-circuited
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrNotConfigured is returned when a required collaborator is missing
	ErrNotConfigured = errors.New("reconcile engine not configured")
)

// StatusCode maps a processing error to the HTTP status returned to the provider.
// Client errors are permanent rejections; anything else asks for redelivery.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrSignatureInvalid), errors.Is(err, ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict), errors.Is(err, ErrClaimLost):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKind returns a short label for metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrClaimLost):
		return "conflict"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrTransient), errors.Is(err, ErrStoreUnavailable):
		return "transient"
	default:
		return "processing_error"
	}
}
