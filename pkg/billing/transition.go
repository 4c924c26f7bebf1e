package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Transition describes a committed change to an entitlement record caused by a
// billing event. It is passed to the TransitionCallback after the record is stored.
type Transition struct {
	UserID string

	PreviousTier   goentitle.Tier
	NewTier        goentitle.Tier
	PreviousStatus goentitle.Status
	NewStatus      goentitle.Status

	// Provider is the billing provider name ("stripe")
	Provider string

	// Kind is the reconciler's event variant
	Kind EventKind

	// EventType is the provider-specific event type, e.g. "customer.subscription.deleted"
	EventType string

	// EventID is the provider event id
	EventID string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Record is the record as committed
	Record *goentitle.Record
}

// TransitionCallback is called after a transition has been committed. An error makes
// the webhook respond non-2xx; the redelivered event is then stale and acknowledged,
// so callbacks must not rely on redelivery to run again.
type TransitionCallback func(ctx context.Context, t Transition) error
