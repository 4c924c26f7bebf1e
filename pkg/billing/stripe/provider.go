package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024
	metadataPlanKey          = "plan"
)

// DefaultUserIDMetadataKeys are the metadata keys searched for the application user id.
var DefaultUserIDMetadataKeys = []string{"user_id", "userId"}

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Reconciler, PlanPrices, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// CustomerIDResolver is an optional fast path mapping a user to a Stripe customer.
	// When it finds nothing the provider falls back to the Stripe Search API.
	CustomerIDResolver func(context.Context, string) (string, error)

	// UserIDMetadataKeys are the metadata keys holding the user id (default: user_id, userId).
	// The first key is written on checkout sessions and subscriptions.
	UserIDMetadataKeys []string

	// WebhookRateLimit is the number of webhook requests allowed per client IP in
	// each WebhookRateLimitWindow (default: 100). Stripe replays a delivery backlog
	// from a small set of addresses, so raise it for high-volume accounts.
	// A negative value disables the limit.
	WebhookRateLimit int

	// WebhookRateLimitWindow is the rate limit window (default: 1 minute)
	WebhookRateLimitWindow time.Duration
}

// Provider implements billing.Provider and billing.CheckoutProvider for Stripe
type Provider struct {
	reconciler         *billing.Reconciler
	manager            *goentitle.Manager
	config             Config
	rateLimiter        *internal.RateLimiter
	webhookSecret      string
	api                stripeAPI
	planPrices         map[goentitle.Tier]string
	userIDKeys         []string
	customerIDResolver func(context.Context, string) (string, error)
	metrics            billing.Metrics
	logger             goentitle.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	planPrices := make(map[goentitle.Tier]string, len(config.PlanPrices))
	for plan, price := range config.PlanPrices {
		if price = strings.TrimSpace(price); price != "" {
			planPrices[plan] = price
		}
	}

	keys := config.UserIDMetadataKeys
	if len(keys) == 0 {
		keys = DefaultUserIDMetadataKeys
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	manager := config.Reconciler.Manager()
	logger := config.Logger
	if logger == nil {
		logger = manager.Logger()
	}

	var limiter *internal.RateLimiter
	if config.WebhookRateLimit >= 0 {
		limit, window := config.WebhookRateLimit, config.WebhookRateLimitWindow
		if limit == 0 {
			limit = defaultRateLimitRequests
		}
		if window <= 0 {
			window = defaultRateLimitWindow
		}
		limiter = internal.NewRateLimiter(limit, window)
	}

	return &Provider{
		reconciler:         config.Reconciler,
		manager:            manager,
		config:             config,
		rateLimiter:        limiter,
		webhookSecret:      strings.TrimSpace(config.StripeWebhookSecret),
		api:                newClientAPI(apiKey),
		planPrices:         planPrices,
		userIDKeys:         keys,
		customerIDResolver: config.CustomerIDResolver,
		metrics:            metrics,
		logger:             logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	if p.rateLimiter == nil {
		return http.HandlerFunc(p.handleWebhook)
	}
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// SyncUser pulls the user's subscription from Stripe and reconciles it.
func (p *Provider) SyncUser(ctx context.Context, userID string) (*goentitle.Record, error) {
	return p.syncUserFromAPI(ctx, userID)
}

// PriceForPlan returns the Stripe price configured for plan.
func (p *Provider) PriceForPlan(plan goentitle.Tier) (string, bool) {
	price, ok := p.planPrices[plan]
	return price, ok
}

var (
	_ billing.Provider         = (*Provider)(nil)
	_ billing.CheckoutProvider = (*Provider)(nil)
)
