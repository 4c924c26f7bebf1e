package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testUserID              = "test-user-123"
	testCustomerID          = "cus_test_123"
	testSubscriptionID      = "sub_test_123"
	testPriceIDStandard     = "price_standard_monthly"
	testEmail               = "student@example.com"
)

// fakeAPI records calls and serves canned Stripe responses.
type fakeAPI struct {
	mu               sync.Mutex
	checkoutParams   []*stripe.CheckoutSessionCreateParams
	portalParams     []*stripe.BillingPortalSessionCreateParams
	searchQueries    []string
	searchResults    map[string][]*stripe.Customer
	customersByEmail map[string][]*stripe.Customer
	subscriptions    map[string][]*stripe.Subscription
	err              error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		searchResults:    make(map[string][]*stripe.Customer),
		customersByEmail: make(map[string][]*stripe.Customer),
		subscriptions:    make(map[string][]*stripe.Subscription),
	}
}

func (f *fakeAPI) CreateCheckoutSession(
	_ context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.checkoutParams = append(f.checkoutParams, params)
	id := fmt.Sprintf("cs_test_%d", len(f.checkoutParams))
	return &stripe.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (f *fakeAPI) CreatePortalSession(
	_ context.Context, params *stripe.BillingPortalSessionCreateParams,
) (*stripe.BillingPortalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.portalParams = append(f.portalParams, params)
	return &stripe.BillingPortalSession{ID: "bps_test", URL: "https://billing.stripe.test/portal"}, nil
}

func (f *fakeAPI) SearchCustomers(_ context.Context, query string) ([]*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.searchQueries = append(f.searchQueries, query)
	return f.searchResults[query], nil
}

func (f *fakeAPI) ListCustomersByEmail(_ context.Context, email string, _ int64) ([]*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.customersByEmail[email], nil
}

func (f *fakeAPI) ListSubscriptions(_ context.Context, customerID string) ([]*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.subscriptions[customerID], nil
}

type testEnv struct {
	provider *Provider
	manager  *goentitle.Manager
	api      *fakeAPI
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWithStorage(t, memory.New(), mutate)
}

func newTestEnvWithStorage(t *testing.T, storage goentitle.Storage, mutate func(*Config)) *testEnv {
	t.Helper()
	manager, err := goentitle.NewManager(storage, goentitle.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{Manager: manager})
	if err != nil {
		t.Fatalf("Failed to create reconciler: %v", err)
	}

	config := Config{
		Config: billing.Config{
			Reconciler: reconciler,
			PlanPrices: map[goentitle.Tier]string{goentitle.TierStandard: testPriceIDStandard},
		},
		StripeAPIKey:        testStripeAPIKey,
		StripeWebhookSecret: testStripeWebhookSecret,
	}
	if mutate != nil {
		mutate(&config)
	}

	provider, err := NewProvider(config)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	api := newFakeAPI()
	provider.api = api
	return &testEnv{provider: provider, manager: manager, api: api}
}

func TestProvider_Name(t *testing.T) {
	env := newTestEnv(t, nil)
	if env.provider.Name() != "stripe" {
		t.Errorf("Expected name 'stripe', got %q", env.provider.Name())
	}
}

func TestProvider_NewProvider_InvalidConfig(t *testing.T) {
	manager, err := goentitle.NewManager(memory.New(), goentitle.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{Manager: manager})
	if err != nil {
		t.Fatalf("Failed to create reconciler: %v", err)
	}

	tests := []struct {
		name   string
		config Config
	}{
		{"missing reconciler", Config{StripeAPIKey: testStripeAPIKey}},
		{"missing api key", Config{Config: billing.Config{Reconciler: reconciler}, StripeAPIKey: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProvider(tt.config); !errors.Is(err, billing.ErrProviderNotConfigured) {
				t.Errorf("Expected ErrProviderNotConfigured, got %v", err)
			}
		})
	}
}

func TestProvider_PriceForPlan(t *testing.T) {
	env := newTestEnv(t, nil)
	if price, ok := env.provider.PriceForPlan(goentitle.TierStandard); !ok || price != testPriceIDStandard {
		t.Errorf("Expected %s, got %q (%v)", testPriceIDStandard, price, ok)
	}
	if _, ok := env.provider.PriceForPlan(goentitle.TierTrial); ok {
		t.Error("trial must not have a price")
	}
}

func TestProvider_UserIDMetadataKeys(t *testing.T) {
	env := newTestEnv(t, nil)
	if got := env.provider.userIDFromMetadata(map[string]string{"userId": "u1"}); got != "u1" {
		t.Errorf("Expected userId key to be accepted, got %q", got)
	}
	if got := env.provider.userIDFromMetadata(map[string]string{"user_id": "u2", "userId": "u1"}); got != "u2" {
		t.Errorf("Expected user_id to take precedence, got %q", got)
	}

	custom := newTestEnv(t, func(c *Config) { c.UserIDMetadataKeys = []string{"account"} })
	if got := custom.provider.userIDFromMetadata(map[string]string{"user_id": "u2"}); got != "" {
		t.Errorf("Expected only configured keys to be read, got %q", got)
	}
}

func TestProvider_WebhookHandler_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
	rec := httptest.NewRecorder()

	env.provider.WebhookHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestProvider_WebhookHandler_NoSecret(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.StripeWebhookSecret = "" })
	req := signedRequest(t, testStripeWebhookSecret, eventBody("evt_1", eventCheckoutCompleted, time.Now(), map[string]interface{}{}))
	rec := httptest.NewRecorder()

	env.provider.WebhookHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}
