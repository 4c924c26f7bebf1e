package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Provider is the interface a billing backend implements.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that verifies, decodes and reconciles
	// real-time events.
	WebhookHandler() http.Handler

	// SyncUser pulls the user's current subscription from the provider and reconciles
	// it. Used for reconciliation jobs and "restore purchases".
	SyncUser(ctx context.Context, userID string) (*goentitle.Record, error)
}

// CheckoutProvider creates processor-hosted pages for plan purchase and management.
type CheckoutProvider interface {
	// CheckoutURL returns a hosted checkout URL for plan.
	CheckoutURL(ctx context.Context, userID, email string, plan goentitle.Tier, successURL, cancelURL string) (string, error)

	// PortalURL returns a hosted subscription management URL.
	PortalURL(ctx context.Context, userID, email, returnURL string) (string, error)
}
