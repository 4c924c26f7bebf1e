package billing

import "time"

// EventKind names the billing event variants the reconciler understands.
type EventKind string

const (
	KindCheckoutCompleted   EventKind = "checkout_completed"
	KindSubscriptionUpdated EventKind = "subscription_updated"
	KindSubscriptionDeleted EventKind = "subscription_deleted"
	KindPaymentFailed       EventKind = "payment_failed"
)

// rank orders kinds that share a timestamp: a later kind in the lifecycle wins a tie.
func (k EventKind) rank() int {
	switch k {
	case KindCheckoutCompleted:
		return 1
	case KindSubscriptionUpdated:
		return 2
	case KindPaymentFailed:
		return 3
	case KindSubscriptionDeleted:
		return 4
	default:
		return 0
	}
}

// Envelope carries what every event has regardless of kind.
type Envelope struct {
	// ID is the processor's event id; redeliveries carry the same id
	ID string
	// Type is the processor's own event type, e.g. "invoice.payment_failed"
	Type string
	// OccurredAt is the processor's timestamp for the event, not the arrival time
	OccurredAt time.Time
	// Provider is the billing provider name
	Provider string
}

// Event is one of CheckoutCompleted, SubscriptionUpdated, SubscriptionDeleted or
// PaymentFailed. The set is closed: only this package can add variants.
type Event interface {
	Meta() Envelope
	Kind() EventKind
	sealed()
}

// CheckoutCompleted confirms a paid plan selection.
type CheckoutCompleted struct {
	Envelope
	UserID         string
	CustomerID     string
	SubscriptionID string
	// Plan is the tier bought, if the checkout carried one
	Plan string
	// PeriodStart and PeriodEnd are set when the processor reported the first period
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

// SubscriptionUpdated is a generic status sync from the processor.
type SubscriptionUpdated struct {
	Envelope
	UserID            string
	CustomerID        string
	SubscriptionID    string
	Status            string
	CancelAtPeriodEnd bool
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
}

// SubscriptionDeleted ends a subscription.
type SubscriptionDeleted struct {
	Envelope
	UserID         string
	CustomerID     string
	SubscriptionID string
}

// PaymentFailed reports a failed charge on a subscription. UserID is optional; the
// record is resolved through the subscription id.
type PaymentFailed struct {
	Envelope
	UserID         string
	CustomerID     string
	SubscriptionID string
}

func (e *CheckoutCompleted) Meta() Envelope   { return e.Envelope }
func (e *SubscriptionUpdated) Meta() Envelope { return e.Envelope }
func (e *SubscriptionDeleted) Meta() Envelope { return e.Envelope }
func (e *PaymentFailed) Meta() Envelope       { return e.Envelope }

func (e *CheckoutCompleted) Kind() EventKind   { return KindCheckoutCompleted }
func (e *SubscriptionUpdated) Kind() EventKind { return KindSubscriptionUpdated }
func (e *SubscriptionDeleted) Kind() EventKind { return KindSubscriptionDeleted }
func (e *PaymentFailed) Kind() EventKind       { return KindPaymentFailed }

func (e *CheckoutCompleted) sealed()   {}
func (e *SubscriptionUpdated) sealed() {}
func (e *SubscriptionDeleted) sealed() {}
func (e *PaymentFailed) sealed()       {}
