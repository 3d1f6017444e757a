package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/payrecon/pkg/billing"
	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Config holds configuration for the operator API handler
type Config struct {
	// Engine is the reconciliation engine whose idempotency records are exposed (required)
	Engine *reconcile.Engine

	// Provider re-parses stored payloads on replay (required)
	Provider billing.Provider

	// GetOperatorID extracts the authenticated operator from the request (required).
	// Requests without an operator are rejected with 401.
	GetOperatorID func(*http.Request) string

	// DefaultLimit is the page size for ListEvents when none is given (default: 50)
	DefaultLimit int

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger reconcile.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.GetOperatorID == nil {
		return fmt.Errorf("getOperatorID is required")
	}
	if c.DefaultLimit < 0 || c.DefaultLimit > maxListLimit {
		return fmt.Errorf("default limit must be between 0 and %d", maxListLimit)
	}
	return nil
}

// NewHandler creates a new operator API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.DefaultLimit == 0 {
		config.DefaultLimit = defaultListLimit
	}
	if config.Logger == nil {
		config.Logger = &reconcile.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// Helper functions for common operator extraction patterns

// FromHeader returns a GetOperatorID function that reads the operator from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetOperatorID function that reads the operator from request context,
// typically set by an authentication middleware
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if operatorID, ok := r.Context().Value(key).(string); ok {
			return operatorID
		}
		return ""
	}
}
