package billing

import "github.com/mihaimyh/goentitle/pkg/goentitle"

// Config defines the standard configuration all providers accept
type Config struct {
	// Reconciler applies decoded events to entitlement records (required)
	Reconciler *Reconciler

	// PlanPrices maps a paid plan to the provider price used at checkout.
	// For example: map[goentitle.Tier]string{"standard": "price_123"}
	PlanPrices map[goentitle.Tier]string

	// Metrics is an optional metrics collector (default: NoopMetrics).
	Metrics Metrics

	// Logger is an optional structured logger (default: the reconciler's logger).
	Logger goentitle.Logger
}
