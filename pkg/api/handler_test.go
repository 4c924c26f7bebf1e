package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

const (
	testUserID  = "user123"
	testEmail   = "student@example.com"
	testBaseURL = "https://app.example.com"
)

var testStart = time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

// Helper to create a test manager
func newTestManager(t *testing.T) (*goentitle.Manager, *testClock) {
	t.Helper()
	clock := &testClock{now: testStart}
	manager, err := goentitle.NewManager(memory.New(), goentitle.Config{Clock: clock.Now})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager, clock
}

// fakeBilling records checkout and portal calls
type fakeBilling struct {
	checkoutCalls []string
	portalCalls   []string
	err           error
}

func (f *fakeBilling) CheckoutURL(
	_ context.Context, userID, email string, plan goentitle.Tier, successURL, cancelURL string,
) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.checkoutCalls = append(f.checkoutCalls, fmt.Sprintf("%s|%s|%s|%s|%s", userID, email, plan, successURL, cancelURL))
	return "https://checkout.test/session", nil
}

func (f *fakeBilling) PortalURL(_ context.Context, userID, email, returnURL string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.portalCalls = append(f.portalCalls, fmt.Sprintf("%s|%s|%s", userID, email, returnURL))
	return "https://portal.test/session", nil
}

func newTestHandler(t *testing.T, manager *goentitle.Manager, b billing.CheckoutProvider) *Handler {
	t.Helper()
	cfg := Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetEmail:  FromHeader("X-User-Email"),
	}
	if b != nil {
		cfg.Billing = b
		cfg.BaseURL = testBaseURL + "/"
	}
	handler, err := NewHandler(cfg)
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return handler
}

func newRequest(method, path, userID, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
		req.Header.Set("X-User-Email", testEmail)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to unmarshal error: %v", err)
	}
	return body["error"]
}

func TestNewHandler_Validation(t *testing.T) {
	manager, _ := newTestManager(t)

	tests := []struct {
		name   string
		config Config
	}{
		{"missing manager", Config{GetUserID: FromHeader("X-User-ID")}},
		{"missing user extractor", Config{Manager: manager}},
		{"billing without base url", Config{Manager: manager, GetUserID: FromHeader("X-User-ID"), Billing: &fakeBilling{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHandler(tt.config); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestHandler_TrialStatus_NewUser(t *testing.T) {
	manager, _ := newTestManager(t)
	handler := newTestHandler(t, manager, nil)

	w := httptest.NewRecorder()
	handler.TrialStatus(w, newRequest("GET", "/api/trial/status", testUserID, ""))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var response TrialStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if !response.IsTrialing || response.DaysRemaining != 14 || !response.Allowed {
		t.Errorf("Expected a fresh 14 day trial, got %+v", response)
	}
	if response.NeedsPlanSelection || response.ExpiringSoon {
		t.Errorf("Fresh trial must not ask for a plan, got %+v", response)
	}
	if !response.TrialEndsAt.Equal(testStart.Add(14 * 24 * time.Hour)) {
		t.Errorf("Unexpected trial end %s", response.TrialEndsAt)
	}
	if response.Tier != goentitle.TierTrial || response.Status != goentitle.StatusTrialing {
		t.Errorf("Expected trial/trialing, got %s/%s", response.Tier, response.Status)
	}
}

func TestHandler_TrialStatus_ExpiringAndExpired(t *testing.T) {
	manager, clock := newTestManager(t)
	handler := newTestHandler(t, manager, nil)

	handler.TrialStatus(httptest.NewRecorder(), newRequest("GET", "/api/trial/status", testUserID, ""))

	clock.now = testStart.Add(12 * 24 * time.Hour)
	w := httptest.NewRecorder()
	handler.TrialStatus(w, newRequest("GET", "/api/trial/status", testUserID, ""))
	var response TrialStatusResponse
	_ = json.Unmarshal(w.Body.Bytes(), &response)
	if !response.ExpiringSoon || response.DaysRemaining != 2 || response.Prompt != goentitle.PromptExpiringBanner {
		t.Errorf("Expected expiring banner with 2 days, got %+v", response)
	}

	clock.now = testStart.Add(15 * 24 * time.Hour)
	w = httptest.NewRecorder()
	handler.TrialStatus(w, newRequest("GET", "/api/trial/status", testUserID, ""))
	response = TrialStatusResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &response)
	if response.Allowed || !response.IsExpired || !response.NeedsPlanSelection {
		t.Errorf("Expected expired trial, got %+v", response)
	}
	if response.Reason != goentitle.ReasonTrialExpired {
		t.Errorf("Expected trial_expired, got %s", response.Reason)
	}
}

func TestHandler_TrialStatus_Unauthorized(t *testing.T) {
	manager, _ := newTestManager(t)
	handler := newTestHandler(t, manager, nil)

	w := httptest.NewRecorder()
	handler.TrialStatus(w, newRequest("GET", "/api/trial/status", "", ""))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.TrialStatus(w, newRequest("GET", "/api/trial/status", strings.Repeat("x", 300), ""))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for oversized user id, got %d", w.Code)
	}
}

func TestHandler_SelectPlan(t *testing.T) {
	manager, _ := newTestManager(t)
	handler := newTestHandler(t, manager, nil)

	w := httptest.NewRecorder()
	handler.SelectPlan(w, newRequest("POST", "/api/subscription/select-plan", testUserID, `{"plan":"standard"}`))

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var response SelectPlanResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.PendingPlan != goentitle.TierStandard {
		t.Errorf("Expected pending standard plan, got %s", response.PendingPlan)
	}

	rec, err := manager.GetRecord(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if rec.Status != goentitle.StatusTrialing || rec.Tier != goentitle.TierTrial || rec.HasSelectedPlan {
		t.Errorf("Plan selection must not grant access, got %s/%s selected=%v", rec.Status, rec.Tier, rec.HasSelectedPlan)
	}
	if rec.PlanRequestedAt == nil || !rec.PlanRequestedAt.Equal(testStart) {
		t.Errorf("Expected plan request time to be stamped, got %v", rec.PlanRequestedAt)
	}
}

func TestHandler_SelectPlan_Invalid(t *testing.T) {
	manager, _ := newTestManager(t)
	handler := newTestHandler(t, manager, nil)

	tests := []struct {
		name string
		body string
	}{
		{"unknown plan", `{"plan":"premium"}`},
		{"trial plan", `{"plan":"trial"}`},
		{"missing plan", `{}`},
		{"empty body", ``},
		{"malformed", `{"plan":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.SelectPlan(w, newRequest("POST", "/api/subscription/select-plan", testUserID, tt.body))
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}

	w := httptest.NewRecorder()
	handler.SelectPlan(w, newRequest("POST", "/api/subscription/select-plan", testUserID, `{"plan":"gold"}`))
	if msg := decodeError(t, w); !strings.Contains(msg, "'standard'") {
		t.Errorf("Expected the allowed plans in the error, got %q", msg)
	}
}

func TestHandler_Checkout(t *testing.T) {
	manager, _ := newTestManager(t)
	fb := &fakeBilling{}
	handler := newTestHandler(t, manager, fb)

	w := httptest.NewRecorder()
	handler.Checkout(w, newRequest("POST", "/api/billing/checkout", testUserID, `{"plan":"standard"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var response URLResponse
	_ = json.Unmarshal(w.Body.Bytes(), &response)
	if response.URL != "https://checkout.test/session" {
		t.Errorf("Unexpected URL %q", response.URL)
	}
	want := strings.Join([]string{testUserID, testEmail, "standard",
		testBaseURL + DefaultSuccessPath, testBaseURL + DefaultCancelPath}, "|")
	if len(fb.checkoutCalls) != 1 || fb.checkoutCalls[0] != want {
		t.Errorf("Unexpected checkout call %v", fb.checkoutCalls)
	}
}

func TestHandler_BillingErrors(t *testing.T) {
	manager, _ := newTestManager(t)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plan not allowed", goentitle.ErrPlanNotAllowed, http.StatusBadRequest},
		{"plan not configured", billing.ErrPlanNotConfigured, http.StatusBadRequest},
		{"no customer", billing.ErrCustomerNotFound, http.StatusNotFound},
		{"provider down", fmt.Errorf("%w: timeout", billing.ErrProviderAPIError), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestHandler(t, manager, &fakeBilling{err: tt.err})

			w := httptest.NewRecorder()
			handler.Portal(w, newRequest("POST", "/api/billing/portal", testUserID, ""))
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestHandler_Portal(t *testing.T) {
	manager, _ := newTestManager(t)
	fb := &fakeBilling{}
	handler := newTestHandler(t, manager, fb)

	w := httptest.NewRecorder()
	handler.Portal(w, newRequest("POST", "/api/billing/portal", testUserID, ""))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	want := testUserID + "|" + testEmail + "|" + testBaseURL + DefaultReturnPath
	if len(fb.portalCalls) != 1 || fb.portalCalls[0] != want {
		t.Errorf("Unexpected portal call %v", fb.portalCalls)
	}
}

func TestHandler_BillingNotConfigured(t *testing.T) {
	manager, _ := newTestManager(t)
	handler := newTestHandler(t, manager, nil)

	w := httptest.NewRecorder()
	handler.Checkout(w, newRequest("POST", "/api/billing/checkout", testUserID, `{"plan":"standard"}`))
	if w.Code != http.StatusNotImplemented {
		t.Errorf("Expected status 501, got %d", w.Code)
	}
}

func TestHandler_CustomErrorHandler(t *testing.T) {
	manager, _ := newTestManager(t)
	var got error
	handler, err := NewHandler(Config{
		Manager:   manager,
		GetUserID: FromContext(ctxKey{}),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	w := httptest.NewRecorder()
	handler.TrialStatus(w, httptest.NewRequest("GET", "/api/trial/status", http.NoBody))
	if w.Code != http.StatusTeapot || got == nil {
		t.Errorf("Expected custom error handler, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/trial/status", http.NoBody)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, testUserID))
	w = httptest.NewRecorder()
	handler.TrialStatus(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected user from context, got %d", w.Code)
	}
}

type ctxKey struct{}
