// Package gin provides Gin middleware for trial and subscription gating
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// DecisionKey is the Gin context key the access decision is stored under
const DecisionKey = "goentitle.decision"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnDenied func(c *gongin.Context, result goentitle.GateResult)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)
}

// Middleware creates a Gin middleware that blocks users without access
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Manager == nil {
		panic("goentitle/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/gin: Config.GetUserID is required")
	}
	gate, err := goentitle.NewGate(cfg.Manager, cfg.Gate)
	if err != nil {
		panic(err)
	}

	return func(c *gongin.Context) {
		if gate.IsAllowListed(c.Request.URL.Path) {
			c.Next()
			return
		}

		result := gate.Check(c.Request.Context(), cfg.GetUserID(c))
		switch result.Outcome {
		case goentitle.GateUnauthorized:
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return

		case goentitle.GateDeny:
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, result)
			} else {
				defaultDenied(c, gate, result)
			}
			c.Abort()
			return
		}

		if v := result.TrialDaysHeader(); v != "" {
			c.Header(goentitle.HeaderTrialDaysRemaining, v)
		}
		c.Set(DecisionKey, result.Decision)
		c.Request = c.Request.WithContext(goentitle.WithDecision(c.Request.Context(), result.Decision))
		c.Next()
	}
}

func defaultDenied(c *gongin.Context, gate *goentitle.Gate, result goentitle.GateResult) {
	c.Header("Cache-Control", "no-store")
	if goentitle.WantsRedirect(c.Request.Method, c.GetHeader("Accept")) {
		c.Redirect(http.StatusSeeOther, gate.RedirectURL())
		return
	}
	c.JSON(http.StatusPaymentRequired, gate.Denial(result))
}

// Decision returns the access decision stored by the middleware.
func Decision(c *gongin.Context) (goentitle.AccessDecision, bool) {
	if val, exists := c.Get(DecisionKey); exists {
		d, ok := val.(goentitle.AccessDecision)
		return d, ok
	}
	return goentitle.AccessDecision{}, false
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In the gate config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
