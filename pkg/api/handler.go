package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

const (
	eventIDParam  = "eventID"
	maxEventIDLen = 255
	errInvalidID  = "invalid event ID format"
	errNoOperator = "operator not authenticated"
)

// Handler provides HTTP endpoints for inspecting and replaying provider events
type Handler struct {
	config Config
}

// Routes returns a router serving the operator endpoints:
//
//	GET  /events                    list idempotency records (?state=failed&limit=50)
//	GET  /events/{eventID}          inspect one record
//	POST /events/{eventID}/replay   reprocess a failed event from its stored payload
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/events", h.ListEvents)
	r.Get("/events/{"+eventIDParam+"}", h.GetEvent)
	r.Post("/events/{"+eventIDParam+"}/replay", h.ReplayEvent)
	return r
}

// GetEvent returns the idempotency record for one provider event id
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(w, r) {
		return
	}
	eventID, ok := h.eventID(w, r)
	if !ok {
		return
	}

	rec, err := h.config.Engine.Idempotency().GetEvent(r.Context(), eventID)
	if errors.Is(err, reconcile.ErrEntityNotFound) {
		h.handleError(w, r, fmt.Errorf("event %s not found", eventID), http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get event: %w", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, newEventResponse(rec))
}

// ListEvents returns idempotency records newest first, optionally filtered by state.
// Responds 501 when the idempotency store cannot enumerate records.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(w, r) {
		return
	}

	lister, ok := h.config.Engine.Idempotency().(reconcile.EventLister)
	if !ok {
		h.handleError(w, r, fmt.Errorf("event listing is not supported by this store"), http.StatusNotImplemented)
		return
	}

	filter := reconcile.EventFilter{Limit: h.config.DefaultLimit}
	switch state := reconcile.EventState(r.URL.Query().Get("state")); state {
	case "":
	case reconcile.EventInProgress, reconcile.EventDone, reconcile.EventFailed:
		filter.State = state
	default:
		h.handleError(w, r, fmt.Errorf("invalid state %q", state), http.StatusBadRequest)
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			h.handleError(w, r, fmt.Errorf("limit must be between 1 and %d", maxListLimit), http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	records, err := lister.ListEvents(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list events: %w", err), http.StatusInternalServerError)
		return
	}

	resp := ListResponse{Events: make([]EventResponse, 0, len(records))}
	for _, rec := range records {
		resp.Events = append(resp.Events, newEventResponse(rec))
	}
	resp.Count = len(resp.Events)
	writeJSON(w, http.StatusOK, resp)
}

// ReplayEvent re-parses the stored payload of a failed event and runs it through
// the engine again. Only failed records can be replayed; the guard still
// enforces at-most-once application.
func (h *Handler) ReplayEvent(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(w, r) {
		return
	}
	eventID, ok := h.eventID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	rec, err := h.config.Engine.Idempotency().GetEvent(ctx, eventID)
	if errors.Is(err, reconcile.ErrEntityNotFound) {
		h.handleError(w, r, fmt.Errorf("event %s not found", eventID), http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get event: %w", err), http.StatusInternalServerError)
		return
	}
	if rec.State != reconcile.EventFailed {
		h.handleError(w, r, fmt.Errorf("event %s is %s, only failed events can be replayed", eventID, rec.State), http.StatusConflict)
		return
	}
	if len(rec.Payload) == 0 {
		h.handleError(w, r, fmt.Errorf("event %s has no stored payload", eventID), http.StatusUnprocessableEntity)
		return
	}

	ev, err := h.config.Provider.ParseEvent(rec.Payload)
	if err != nil {
		h.handleError(w, r, err, http.StatusUnprocessableEntity)
		return
	}
	if ev.ID != eventID {
		h.handleError(w, r, fmt.Errorf("stored payload belongs to event %s", ev.ID), http.StatusUnprocessableEntity)
		return
	}

	operator := h.config.GetOperatorID(r)
	h.config.Logger.Info("replaying failed event",
		reconcile.Field{Key: "event_id", Value: eventID},
		reconcile.Field{Key: "event_type", Value: ev.Type},
		reconcile.Field{Key: "attempts", Value: rec.Attempts},
		reconcile.Field{Key: "operator", Value: operator},
	)

	res, err := h.config.Engine.Process(ctx, ev)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("replay failed: %w", err), reconcile.StatusCode(err))
		return
	}

	writeJSON(w, http.StatusOK, ReplayResponse{
		EventID:       res.EventID,
		Category:      string(res.Category),
		Outcome:       string(res.Outcome),
		Notifications: res.Notifications,
	})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) bool {
	if h.config.GetOperatorID(r) == "" {
		h.handleError(w, r, errors.New(errNoOperator), http.StatusUnauthorized)
		return false
	}
	return true
}

func (h *Handler) eventID(w http.ResponseWriter, r *http.Request) (string, bool) {
	eventID := chi.URLParam(r, eventIDParam)
	if eventID == "" || len(eventID) > maxEventIDLen {
		h.handleError(w, r, errors.New(errInvalidID), http.StatusBadRequest)
		return "", false
	}
	return eventID, true
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("operator request failed",
			reconcile.Field{Key: "path", Value: r.URL.Path},
			reconcile.Field{Key: "error", Value: err},
		)
	}
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
