package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// Event types the provider reconciles.
const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventPaymentFailed       = "invoice.payment_failed"
)

// Only the fields the reconciler needs are decoded from event.data.object; the full
// SDK types change shape between API versions.

// expandableID is a Stripe reference that is either an id string or an expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type subscriptionObject struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Customer           expandableID      `json:"customer"`
	Metadata           map[string]string `json:"metadata"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Created            int64             `json:"created"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// period returns the current billing period. Newer API versions report it per item.
func (s *subscriptionObject) period() (start, end *time.Time) {
	startUnix, endUnix := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if startUnix == 0 && endUnix == 0 && len(s.Items.Data) > 0 {
		startUnix, endUnix = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	return unixPtr(startUnix), unixPtr(endUnix)
}

type invoiceObject struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i *invoiceObject) subscriptionID() string {
	if i.Subscription != "" {
		return string(i.Subscription)
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return string(i.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

func (i *invoiceObject) metadata() map[string]string {
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return i.Parent.SubscriptionDetails.Metadata
	}
	return nil
}

// decodeEvent turns a verified Stripe event into a billing event. It returns nil for
// event types the reconciler does not handle.
func (p *Provider) decodeEvent(event *stripe.Event) (billing.Event, error) {
	env := billing.Envelope{
		ID:         event.ID,
		Type:       string(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
		Provider:   providerName,
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}
	raw := event.Data.Raw

	switch env.Type {
	case eventCheckoutCompleted:
		var session checkoutSessionObject
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidWebhookPayload, err)
		}
		userID := p.userIDFromMetadata(session.Metadata)
		if userID == "" {
			userID = session.ClientReferenceID
		}
		return &billing.CheckoutCompleted{
			Envelope:       env,
			UserID:         userID,
			CustomerID:     string(session.Customer),
			SubscriptionID: string(session.Subscription),
			Plan:           session.Metadata[metadataPlanKey],
		}, nil

	case eventSubscriptionUpdated, eventSubscriptionDeleted:
		var sub subscriptionObject
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
		}
		return p.subscriptionEvent(env, &sub), nil

	case eventPaymentFailed:
		var invoice invoiceObject
		if err := json.Unmarshal(raw, &invoice); err != nil {
			return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
		}
		return &billing.PaymentFailed{
			Envelope:       env,
			UserID:         p.userIDFromMetadata(invoice.metadata()),
			CustomerID:     string(invoice.Customer),
			SubscriptionID: invoice.subscriptionID(),
		}, nil

	default:
		return nil, nil
	}
}

func (p *Provider) subscriptionEvent(env billing.Envelope, sub *subscriptionObject) billing.Event {
	userID := p.userIDFromMetadata(sub.Metadata)
	if env.Type == eventSubscriptionDeleted {
		return &billing.SubscriptionDeleted{
			Envelope:       env,
			UserID:         userID,
			CustomerID:     string(sub.Customer),
			SubscriptionID: sub.ID,
		}
	}
	start, end := sub.period()
	return &billing.SubscriptionUpdated{
		Envelope:          env,
		UserID:            userID,
		CustomerID:        string(sub.Customer),
		SubscriptionID:    sub.ID,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PeriodStart:       start,
		PeriodEnd:         end,
	}
}

// userIDFromMetadata returns the first non-empty configured metadata key.
func (p *Provider) userIDFromMetadata(metadata map[string]string) string {
	for _, key := range p.userIDKeys {
		if v := metadata[key]; v != "" {
			return v
		}
	}
	return ""
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
