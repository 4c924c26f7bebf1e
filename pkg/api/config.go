package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Default redirect targets, relative to Config.BaseURL.
const (
	DefaultSuccessPath = "/dashboard?subscription=success"
	DefaultCancelPath  = "/pricing?canceled=true"
	DefaultReturnPath  = "/dashboard?subscription=updated"
)

// Config holds configuration for the subscription API handler
type Config struct {
	// Manager is the entitlement manager instance (required)
	Manager *goentitle.Manager

	// GetUserID extracts user ID from HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// GetEmail extracts the user's email, used to prefill checkout and to find the
	// billing customer for the portal (optional)
	GetEmail func(*http.Request) string

	// Billing creates hosted checkout and portal sessions (optional)
	// If nil, the checkout and portal endpoints answer 501
	Billing billing.CheckoutProvider

	// BaseURL is the public origin the processor redirects back to, e.g. https://app.example.com
	// Required when Billing is set
	BaseURL string

	// SuccessPath, CancelPath and ReturnPath override the default redirect targets
	SuccessPath string
	CancelPath  string
	ReturnPath  string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: the manager's logger)
	Logger goentitle.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	if c.Billing != nil && strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("baseURL is required when billing is configured")
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.SuccessPath == "" {
		config.SuccessPath = DefaultSuccessPath
	}
	if config.CancelPath == "" {
		config.CancelPath = DefaultCancelPath
	}
	if config.ReturnPath == "" {
		config.ReturnPath = DefaultReturnPath
	}
	if config.GetEmail == nil {
		config.GetEmail = func(*http.Request) string { return "" }
	}
	if config.Logger == nil {
		config.Logger = config.Manager.Logger()
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
