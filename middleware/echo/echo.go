// Package echo provides Echo middleware for trial and subscription gating
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// DecisionKey is the Echo context key the access decision is stored under
const DecisionKey = "goentitle.decision"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager is the entitlement manager instance
	Manager *goentitle.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Gate holds the allow-list, redirect target and optional required feature
	Gate goentitle.GateConfig

	// OnDenied is called when access is denied
	// If nil, browsers are redirected and API callers get 402 JSON
	OnDenied func(c echo.Context, result goentitle.GateResult) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error
}

// Middleware creates an Echo middleware that blocks users without access
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("goentitle/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/echo: Config.GetUserID is required")
	}
	gate, err := goentitle.NewGate(cfg.Manager, cfg.Gate)
	if err != nil {
		panic(err)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if gate.IsAllowListed(req.URL.Path) {
				return next(c)
			}

			result := gate.Check(req.Context(), cfg.GetUserID(c))
			switch result.Outcome {
			case goentitle.GateUnauthorized:
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})

			case goentitle.GateDeny:
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, result)
				}
				return defaultDenied(c, gate, result)
			}

			if v := result.TrialDaysHeader(); v != "" {
				c.Response().Header().Set(goentitle.HeaderTrialDaysRemaining, v)
			}
			c.Set(DecisionKey, result.Decision)
			c.SetRequest(req.WithContext(goentitle.WithDecision(req.Context(), result.Decision)))
			return next(c)
		}
	}
}

func defaultDenied(c echo.Context, gate *goentitle.Gate, result goentitle.GateResult) error {
	req := c.Request()
	c.Response().Header().Set("Cache-Control", "no-store")
	if goentitle.WantsRedirect(req.Method, req.Header.Get(echo.HeaderAccept)) {
		return c.Redirect(http.StatusSeeOther, gate.RedirectURL())
	}
	return c.JSON(http.StatusPaymentRequired, gate.Denial(result))
}

// Decision returns the access decision stored by the middleware.
func Decision(c echo.Context) (goentitle.AccessDecision, bool) {
	d, ok := c.Get(DecisionKey).(goentitle.AccessDecision)
	return d, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In the gate config:
//	GetUserID: echo.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
