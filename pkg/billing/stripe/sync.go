package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const (
	endpointSubscriptions = "/subscriptions/list"
	syncEventType         = "sync.subscription"
)

// syncUserFromAPI reconciles the user's record with the subscription Stripe currently
// reports. The subscription is applied as a "subscription updated" event stamped with
// the sync time, so it wins over any webhook already applied.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (*goentitle.Record, error) {
	startTime := time.Now()

	customerID, err := p.resolveCustomerID(ctx, userID, "")
	if errors.Is(err, billing.ErrCustomerNotFound) {
		p.metrics.RecordUserSync(providerName, "not_found")
		p.logger.Info("no billing customer to sync", goentitle.F("user_id", userID))
		return p.manager.GetRecord(ctx, userID)
	}
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return nil, err
	}

	subs, err := p.api.ListSubscriptions(ctx, customerID)
	p.metrics.RecordAPICallDuration(providerName, endpointSubscriptions, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpointSubscriptions, "error")
		p.metrics.RecordUserSync(providerName, "error")
		return nil, fmt.Errorf("%w: failed to list subscriptions: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, endpointSubscriptions, "success")

	rec, err := p.manager.GetRecord(ctx, userID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return nil, err
	}

	sub, err := currentSubscription(subs, rec.BillingSubscriptionID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return nil, err
	}
	if sub == nil {
		p.metrics.RecordUserSync(providerName, "no_subscription")
		return rec, nil
	}

	now := p.manager.Now()
	start, end := sub.period()
	ev := &billing.SubscriptionUpdated{
		Envelope: billing.Envelope{
			ID:         fmt.Sprintf("sync_%s_%d", sub.ID, now.UnixNano()),
			Type:       syncEventType,
			OccurredAt: now,
			Provider:   providerName,
		},
		UserID:            userID,
		CustomerID:        customerID,
		SubscriptionID:    sub.ID,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PeriodStart:       start,
		PeriodEnd:         end,
	}

	res, err := p.reconciler.Apply(ctx, ev)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return nil, err
	}
	p.metrics.RecordUserSync(providerName, string(res.Outcome))
	if res.Record != nil {
		return res.Record, nil
	}
	return p.manager.GetRecord(ctx, userID)
}

// currentSubscription picks the subscription the record should follow: the one it
// already tracks, else the most recently created.
func currentSubscription(subs []*stripe.Subscription, trackedID string) (*subscriptionObject, error) {
	var newest *subscriptionObject
	for _, s := range subs {
		obj, err := toSubscriptionObject(s)
		if err != nil {
			return nil, err
		}
		if trackedID != "" && obj.ID == trackedID {
			return obj, nil
		}
		if newest == nil || obj.Created > newest.Created {
			newest = obj
		}
	}
	return newest, nil
}

// toSubscriptionObject reuses the webhook decoder so API and webhook subscriptions are
// read the same way whatever the SDK struct layout.
func toSubscriptionObject(s *stripe.Subscription) (*subscriptionObject, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode subscription %s: %w", s.ID, err)
	}
	var obj subscriptionObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode subscription %s: %w", s.ID, err)
	}
	return &obj, nil
}
