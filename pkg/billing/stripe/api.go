package stripe

import (
	"context"

	"github.com/stripe/stripe-go/v83"
)

// stripeAPI is the part of the Stripe API the provider calls.
type stripeAPI interface {
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error)
	SearchCustomers(ctx context.Context, query string) ([]*stripe.Customer, error)
	ListCustomersByEmail(ctx context.Context, email string, limit int64) ([]*stripe.Customer, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
}

// clientAPI implements stripeAPI with the Stripe client.
type clientAPI struct {
	client *stripe.Client
}

func newClientAPI(apiKey string) *clientAPI {
	return &clientAPI{client: stripe.NewClient(apiKey)}
}

func (c *clientAPI) CreateCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Create(ctx, params)
}

func (c *clientAPI) CreatePortalSession(
	ctx context.Context, params *stripe.BillingPortalSessionCreateParams,
) (*stripe.BillingPortalSession, error) {
	return c.client.V1BillingPortalSessions.Create(ctx, params)
}

func (c *clientAPI) SearchCustomers(ctx context.Context, query string) ([]*stripe.Customer, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = query

	var out []*stripe.Customer
	for cust, err := range c.client.V1Customers.Search(ctx, params) {
		if err != nil {
			return nil, err
		}
		out = append(out, cust)
	}
	return out, nil
}

func (c *clientAPI) ListCustomersByEmail(ctx context.Context, email string, limit int64) ([]*stripe.Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(limit)

	var out []*stripe.Customer
	for cust, err := range c.client.V1Customers.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		out = append(out, cust)
		if int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (c *clientAPI) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var out []*stripe.Subscription
	for sub, err := range c.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}
