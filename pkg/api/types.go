package api

import (
	"time"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

// EventResponse is the operator view of one idempotency record
type EventResponse struct {
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	State       string     `json:"state"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	HasPayload  bool       `json:"has_payload"`
	LockedUntil *time.Time `json:"locked_until,omitempty"` // only while in_progress
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ListResponse is returned by ListEvents, newest first
type ListResponse struct {
	Events []EventResponse `json:"events"`
	Count  int             `json:"count"`
}

// ReplayResponse describes the outcome of replaying a failed event
type ReplayResponse struct {
	EventID       string `json:"event_id"`
	Category      string `json:"category"`
	Outcome       string `json:"outcome"`
	Notifications int    `json:"notifications"`
}

func newEventResponse(rec *reconcile.EventRecord) EventResponse {
	resp := EventResponse{
		EventID:    rec.EventID,
		EventType:  rec.EventType,
		State:      string(rec.State),
		Attempts:   rec.Attempts,
		LastError:  rec.LastError,
		HasPayload: len(rec.Payload) > 0,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if rec.State == reconcile.EventInProgress && !rec.LockedUntil.IsZero() {
		lockedUntil := rec.LockedUntil
		resp.LockedUntil = &lockedUntil
	}
	return resp
}
