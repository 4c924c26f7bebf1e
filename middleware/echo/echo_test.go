package echo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

var testStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// errorStorage is a mock storage that always fails on GetRecord
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) GetRecord(_ context.Context, _ string) (*goentitle.Record, error) {
	return nil, errors.New("connection refused")
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

// Test helper to create a test manager
func setupTestManager(t *testing.T, storage goentitle.Storage) (*goentitle.Manager, *testClock) {
	t.Helper()
	clock := &testClock{now: testStart}
	manager, err := goentitle.NewManager(storage, goentitle.Config{Clock: clock.Now})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager, clock
}

func newApp(manager *goentitle.Manager) *echo.Echo {
	e := echo.New()
	e.Use(Middleware(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
	}))
	handler := func(c echo.Context) error {
		d, _ := Decision(c)
		return c.String(http.StatusOK, string(d.Reason))
	}
	e.GET("/dashboard", handler)
	e.POST("/api/essays", handler)
	e.GET("/auth/login", handler)
	return e
}

func request(e *echo.Echo, method, path, userID, accept string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if accept != "" {
		req.Header.Set(echo.HeaderAccept, accept)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	manager, clock := setupTestManager(t, memory.New())
	e := newApp(manager)

	rec := request(e, http.MethodGet, "/dashboard", "user1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != string(goentitle.ReasonTrialActive) {
		t.Errorf("Expected trial_active, got %s", rec.Body.String())
	}
	if rec.Header().Get(goentitle.HeaderTrialDaysRemaining) != "14" {
		t.Errorf("Expected 14 days remaining, got %q", rec.Header().Get(goentitle.HeaderTrialDaysRemaining))
	}

	clock.now = testStart.Add(12 * 24 * time.Hour)
	rec = request(e, http.MethodGet, "/dashboard", "user1", "")
	if rec.Header().Get(goentitle.HeaderTrialDaysRemaining) != "2" {
		t.Errorf("Expected 2 days remaining, got %q", rec.Header().Get(goentitle.HeaderTrialDaysRemaining))
	}
}

func TestMiddleware_Denied(t *testing.T) {
	manager, clock := setupTestManager(t, memory.New())
	e := newApp(manager)
	request(e, http.MethodGet, "/dashboard", "user1", "")
	clock.now = testStart.Add(15 * 24 * time.Hour)

	rec := request(e, http.MethodGet, "/dashboard", "user1", "text/html")
	if rec.Code != http.StatusSeeOther {
		t.Errorf("Expected status 303, got %d", rec.Code)
	}
	if rec.Header().Get(echo.HeaderLocation) != goentitle.DefaultRedirectURL {
		t.Errorf("Unexpected redirect %q", rec.Header().Get(echo.HeaderLocation))
	}

	rec = request(e, http.MethodPost, "/api/essays", "user1", "")
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", rec.Code)
	}
	var body goentitle.DenialBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Reason != goentitle.ReasonTrialExpired || body.Redirect != goentitle.DefaultRedirectURL {
		t.Errorf("Unexpected denial %+v", body)
	}

	rec = request(e, http.MethodGet, "/auth/login", "user1", "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected allow-listed path to pass, got %d", rec.Code)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	manager, _ := setupTestManager(t, memory.New())
	e := newApp(manager)

	rec := request(e, http.MethodGet, "/dashboard", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_StorageErrorFailsOpen(t *testing.T) {
	manager, _ := setupTestManager(t, &errorStorage{Storage: memory.New()})
	e := newApp(manager)

	rec := request(e, http.MethodGet, "/dashboard", "user1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != string(goentitle.ReasonDegraded) {
		t.Errorf("Expected degraded, got %s", rec.Body.String())
	}
	if rec.Header().Get(goentitle.HeaderTrialDaysRemaining) != "" {
		t.Error("Expected no trial header on a degraded request")
	}
}

func TestFromContext(t *testing.T) {
	manager, _ := setupTestManager(t, memory.New())
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("UserID", "user1")
			return next(c)
		}
	})
	e.Use(Middleware(Config{Manager: manager, GetUserID: FromContext("UserID")}))
	e.GET("/dashboard", func(c echo.Context) error {
		d, ok := goentitle.DecisionFromContext(c.Request().Context())
		if !ok || !d.Allowed {
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.NoContent(http.StatusNoContent)
	})

	rec := request(e, http.MethodGet, "/dashboard", "", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rec.Code)
	}
}
