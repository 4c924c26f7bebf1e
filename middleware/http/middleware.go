// Package http provides net/http middleware for trial and subscription gating
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager is the entitlement manager instance
	Manager *goentitle.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Gate holds the allow-list, redirect target and optional required feature
	Gate goentitle.GateConfig

	// OnDenied is called when access is denied
	// If nil, browsers are redirected and API callers get 402 JSON
	OnDenied func(w http.ResponseWriter, r *http.Request, result goentitle.GateResult)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)
}

// Middleware creates an HTTP middleware that blocks users without access
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("goentitle/http: Config.Manager is required")
	}
	if config.GetUserID == nil {
		panic("goentitle/http: Config.GetUserID is required")
	}
	gate, err := goentitle.NewGate(config.Manager, config.Gate)
	if err != nil {
		panic(err)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gate.IsAllowListed(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			result := gate.Check(r.Context(), config.GetUserID(r))
			switch result.Outcome {
			case goentitle.GateUnauthorized:
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return

			case goentitle.GateDeny:
				if config.OnDenied != nil {
					config.OnDenied(w, r, result)
				} else {
					defaultDenied(w, r, gate, result)
				}
				return
			}

			if v := result.TrialDaysHeader(); v != "" {
				w.Header().Set(goentitle.HeaderTrialDaysRemaining, v)
			}
			next.ServeHTTP(w, r.WithContext(goentitle.WithDecision(r.Context(), result.Decision)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that blocks users without access (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func defaultDenied(w http.ResponseWriter, r *http.Request, gate *goentitle.Gate, result goentitle.GateResult) {
	w.Header().Set("Cache-Control", "no-store")
	if goentitle.WantsRedirect(r.Method, r.Header.Get("Accept")) {
		http.Redirect(w, r, gate.RedirectURL(), http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusPaymentRequired, gate.Denial(result))
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "goentitle:userID"
	// EmailKey is the context key for the user's email
	EmailKey ContextKey = "goentitle:email"
)

// WithUserID stores the authenticated user on the context, for use by an
// authentication middleware running in front of the gate.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
