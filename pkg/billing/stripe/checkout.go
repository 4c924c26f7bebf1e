package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const (
	endpointCheckout = "/checkout/sessions"
	endpointPortal   = "/billing_portal/sessions"
	endpointSearch   = "/customers/search"
	endpointCustomer = "/customers"
)

// CheckoutURL creates a Stripe Checkout Session for plan and returns the URL.
// It does not change the record; the checkout.session.completed webhook does.
func (p *Provider) CheckoutURL(
	ctx context.Context, userID, email string, plan goentitle.Tier, successURL, cancelURL string,
) (string, error) {
	startTime := time.Now()

	if !p.manager.Evaluator().IsPaidTier(plan) {
		p.metrics.RecordAPICall(providerName, endpointCheckout, "plan_not_allowed")
		return "", fmt.Errorf("%w: %q", goentitle.ErrPlanNotAllowed, plan)
	}
	priceID, ok := p.planPrices[plan]
	if !ok {
		p.metrics.RecordAPICall(providerName, endpointCheckout, "plan_not_configured")
		return "", fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, plan)
	}

	// A lookup failure must not create a duplicate customer, so only "not found" proceeds.
	customerID, err := p.knownCustomerID(ctx, userID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpointCheckout, "customer_resolution_failed")
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	userKey := p.userIDKeys[0]
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
	}
	params.Metadata = map[string]string{
		userKey:         userID,
		metadataPlanKey: string(plan),
	}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(userKey, userID)
	params.SubscriptionData.AddMetadata(metadataPlanKey, string(plan))

	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		params.CustomerCreation = stripe.String("always")
		if email != "" {
			params.CustomerEmail = stripe.String(email)
		}
	}

	session, err := p.api.CreateCheckoutSession(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, endpointCheckout, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpointCheckout, "error")
		return "", fmt.Errorf("%w: failed to create checkout session: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, endpointCheckout, "success")

	p.logger.Info("checkout session created",
		goentitle.F("user_id", userID),
		goentitle.F("plan", string(plan)),
		goentitle.F("session_id", session.ID))
	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session and returns the URL. When the
// record has no customer yet, the customer is looked up and stored on the record.
func (p *Provider) PortalURL(ctx context.Context, userID, email, returnURL string) (string, error) {
	startTime := time.Now()

	customerID, err := p.resolveCustomerID(ctx, userID, email)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerNotFound) {
			p.metrics.RecordAPICall(providerName, endpointPortal, "customer_not_found")
		} else {
			p.metrics.RecordAPICall(providerName, endpointPortal, "customer_resolution_failed")
		}
		return "", err
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	session, err := p.api.CreatePortalSession(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, endpointPortal, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpointPortal, "error")
		return "", fmt.Errorf("%w: failed to create portal session: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, endpointPortal, "success")
	return session.URL, nil
}

// knownCustomerID returns the customer already linked to the user, or "" when there is
// none. It does not search Stripe.
func (p *Provider) knownCustomerID(ctx context.Context, userID string) (string, error) {
	rec, err := p.manager.GetRecord(ctx, userID)
	switch {
	case err == nil && rec.BillingCustomerID != "":
		return rec.BillingCustomerID, nil
	case err != nil && !errors.Is(err, goentitle.ErrRecordNotFound):
		return "", err
	}

	if p.customerIDResolver != nil {
		customerID, err := p.customerIDResolver(ctx, userID)
		if err == nil {
			return customerID, nil
		}
		if !errors.Is(err, billing.ErrCustomerNotFound) && !errors.Is(err, billing.ErrUserNotFound) {
			return "", err
		}
	}
	return "", nil
}

// resolveCustomerID finds the user's Stripe customer: the record first, then the
// resolver hook, a metadata search and finally the email. A customer found by lookup
// is backfilled onto the record.
func (p *Provider) resolveCustomerID(ctx context.Context, userID, email string) (string, error) {
	rec, err := p.manager.EnsureRecord(ctx, userID)
	if err != nil {
		return "", err
	}
	if rec.BillingCustomerID != "" {
		return rec.BillingCustomerID, nil
	}

	customerID, err := p.lookupCustomerID(ctx, userID, email)
	if err != nil {
		return "", err
	}

	if _, err := p.manager.BackfillCustomerID(ctx, userID, customerID); err != nil {
		// the portal still works; the next lookup retries the backfill
		p.logger.Warn("failed to store billing customer",
			goentitle.F("user_id", userID),
			goentitle.F("customer_id", customerID),
			goentitle.ErrField(err))
	}
	return customerID, nil
}

func (p *Provider) lookupCustomerID(ctx context.Context, userID, email string) (string, error) {
	customerID, err := p.knownCustomerID(ctx, userID)
	if err != nil {
		return "", err
	}
	if customerID != "" {
		return customerID, nil
	}

	customerID, err = p.searchCustomerByMetadata(ctx, userID)
	if err == nil {
		return customerID, nil
	}
	if !errors.Is(err, billing.ErrCustomerNotFound) {
		return "", err
	}

	if email == "" {
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
	}
	customers, err := p.api.ListCustomersByEmail(ctx, email, 1)
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpointCustomer, "error")
		return "", fmt.Errorf("%w: customer lookup by email: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, endpointCustomer, "success")
	if len(customers) == 0 {
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
	}
	p.logger.Info("billing customer found by email", goentitle.F("user_id", userID))
	return customers[0].ID, nil
}

// searchCustomerByMetadata uses the Stripe Search API, which is eventually consistent.
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	escaped := strings.ReplaceAll(userID, "'", "\\'")
	for _, key := range p.userIDKeys {
		query := fmt.Sprintf("metadata['%s']:'%s'", key, escaped)
		customers, err := p.api.SearchCustomers(ctx, query)
		if err != nil {
			p.metrics.RecordAPICall(providerName, endpointSearch, "error")
			return "", fmt.Errorf("%w: customer search: %w", billing.ErrProviderAPIError, err)
		}
		p.metrics.RecordAPICall(providerName, endpointSearch, "success")
		for _, cust := range customers {
			// search can return partial matches
			if cust.Metadata[key] == userID {
				return cust.ID, nil
			}
		}
	}
	return "", billing.ErrCustomerNotFound
}
