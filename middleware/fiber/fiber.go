// Package fiber provides Fiber middleware for trial and subscription gating
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// DecisionKey is the Locals key the access decision is stored under
const DecisionKey = "goentitle.decision"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnDenied func(c *fiber.Ctx, result goentitle.GateResult) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error
}

// Middleware creates a Fiber middleware that blocks users without access
func Middleware(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("goentitle/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/fiber: Config.GetUserID is required")
	}
	gate, err := goentitle.NewGate(cfg.Manager, cfg.Gate)
	if err != nil {
		panic(err)
	}

	return func(c *fiber.Ctx) error {
		if gate.IsAllowListed(c.Path()) {
			return c.Next()
		}

		// Fiber uses fasthttp, the request context lives in UserContext
		ctx := c.UserContext()

		result := gate.Check(ctx, cfg.GetUserID(c))
		switch result.Outcome {
		case goentitle.GateUnauthorized:
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})

		case goentitle.GateDeny:
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, result)
			}
			return defaultDenied(c, gate, result)
		}

		if v := result.TrialDaysHeader(); v != "" {
			c.Set(goentitle.HeaderTrialDaysRemaining, v)
		}
		c.Locals(DecisionKey, result.Decision)
		c.SetUserContext(goentitle.WithDecision(ctx, result.Decision))
		return c.Next()
	}
}

func defaultDenied(c *fiber.Ctx, gate *goentitle.Gate, result goentitle.GateResult) error {
	c.Set(fiber.HeaderCacheControl, "no-store")
	if goentitle.WantsRedirect(c.Method(), c.Get(fiber.HeaderAccept)) {
		return c.Redirect(gate.RedirectURL(), fiber.StatusSeeOther)
	}
	return c.Status(fiber.StatusPaymentRequired).JSON(gate.Denial(result))
}

// Decision returns the access decision stored by the middleware.
func Decision(c *fiber.Ctx) (goentitle.AccessDecision, bool) {
	d, ok := c.Locals(DecisionKey).(goentitle.AccessDecision)
	return d, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Locals("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In the gate config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
