// Package http receives payment provider webhooks on net/http and holds the
// delivery pipeline the framework adapters share.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mihaimyh/payrecon/pkg/billing"
	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

const (
	// DefaultSignatureHeader is the header Stripe signs deliveries with
	DefaultSignatureHeader = "Stripe-Signature"

	// DefaultMaxBodyBytes bounds webhook payloads
	DefaultMaxBodyBytes int64 = 256 * 1024
)

// ErrPayloadTooLarge is returned by ReadBody when the payload exceeds the limit
var ErrPayloadTooLarge = errors.New("payload too large")

// Config holds webhook receiver configuration
type Config struct {
	// Provider authenticates and parses deliveries (required)
	Provider billing.Provider

	// Engine reconciles parsed events (required)
	Engine *reconcile.Engine

	// SignatureHeader names the header carrying the provider signature
	// Default: Stripe-Signature
	SignatureHeader string

	// MaxBodyBytes bounds the payload size
	// Default: 256KiB
	MaxBodyBytes int64

	// OnProcessed is called after an event is acknowledged (optional).
	// It cannot change the response.
	OnProcessed func(ctx context.Context, ev *reconcile.Event, res reconcile.Result)

	Logger reconcile.Logger
}

// Normalized validates the configuration and fills in defaults
func (c Config) Normalized() (Config, error) {
	if c.Provider == nil {
		return c, fmt.Errorf("provider is required")
	}
	if c.Engine == nil {
		return c, fmt.Errorf("engine is required")
	}
	if c.SignatureHeader == "" {
		c.SignatureHeader = DefaultSignatureHeader
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Logger == nil {
		c.Logger = &reconcile.NoopLogger{}
	}
	return c, nil
}

// Response is the reply owed to the provider for one delivery
type Response struct {
	StatusCode int
	Body       map[string]interface{}
}

func errorResponse(status int, msg string) Response {
	return Response{StatusCode: status, Body: map[string]interface{}{"error": msg}}
}

// ReadBody reads at most limit bytes from body
func ReadBody(body io.Reader, limit int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrPayloadTooLarge
	}
	return data, nil
}

// BodyError maps a ReadBody failure to a response
func BodyError(err error) Response {
	if errors.Is(err, ErrPayloadTooLarge) {
		return errorResponse(http.StatusRequestEntityTooLarge, "payload too large")
	}
	return errorResponse(http.StatusBadRequest, "invalid payload")
}

// Deliver authenticates, parses and reconciles one payload. config must come
// from Normalized. Any non-2xx response makes the provider redeliver.
func Deliver(ctx context.Context, config Config, payload []byte, signature string) Response {
	if len(payload) == 0 {
		return errorResponse(http.StatusBadRequest, "empty body")
	}

	if err := config.Provider.Verify(payload, signature); err != nil {
		config.Logger.Warn("rejecting webhook with invalid signature",
			reconcile.Field{Key: "provider", Value: config.Provider.Name()},
			reconcile.Field{Key: "error", Value: err},
		)
		return errorResponse(reconcile.StatusCode(err), "invalid signature")
	}

	ev, err := config.Provider.ParseEvent(payload)
	if err != nil {
		config.Logger.Error("rejecting malformed webhook",
			reconcile.Field{Key: "provider", Value: config.Provider.Name()},
			reconcile.Field{Key: "error", Value: err},
		)
		return errorResponse(reconcile.StatusCode(err), "malformed event")
	}

	res, err := config.Engine.Process(ctx, ev)
	if err != nil {
		status := reconcile.StatusCode(err)
		return errorResponse(status, http.StatusText(status))
	}

	if config.OnProcessed != nil {
		config.OnProcessed(ctx, ev, res)
	}
	return Response{
		StatusCode: http.StatusOK,
		Body:       map[string]interface{}{"received": true},
	}
}

// Webhook creates a net/http handler that receives provider deliveries
func Webhook(config Config) (http.Handler, error) {
	config, err := config.Normalized()
	if err != nil {
		return nil, err
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, errorResponse(http.StatusMethodNotAllowed, "method not allowed"))
			return
		}

		payload, err := ReadBody(r.Body, config.MaxBodyBytes)
		if err != nil {
			writeJSON(w, BodyError(err))
			return
		}
		writeJSON(w, Deliver(r.Context(), config, payload, r.Header.Get(config.SignatureHeader)))
	}), nil
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.StatusCode)
	_ = json.NewEncoder(w).Encode(resp.Body)
}
