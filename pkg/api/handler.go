package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const (
	maxUserIDLen        = 255
	maxRequestBodyBytes = 4 << 10
	msgPlanSelected     = "Plan selected. Complete checkout to activate it."
)

// Handler provides HTTP endpoints for trial status, plan selection and billing pages
type Handler struct {
	config Config
}

// TrialStatus returns the user's trial clock reading and access decision.
// A user seen for the first time gets a trial record.
func (h *Handler) TrialStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	manager := h.config.Manager
	rec, decision, err := manager.Evaluate(r.Context(), userID)
	if err != nil {
		h.config.Logger.Error("failed to get trial status",
			goentitle.F("user_id", userID), goentitle.ErrField(err))
		h.handleError(w, r, fmt.Errorf("failed to get trial status"), http.StatusInternalServerError)
		return
	}

	evaluator := manager.Evaluator()
	trial := evaluator.Trial(rec, manager.Now())
	response := TrialStatusResponse{
		UserID:             userID,
		Tier:               rec.Tier,
		Status:             rec.Status,
		Allowed:            decision.Allowed,
		Reason:             decision.Reason,
		NeedsPlanSelection: decision.NeedsPlanSelection,
		HasSelectedPlan:    rec.HasSelectedPlan,
		Prompt:             decision.Prompt,
		Message:            decision.Message,
		TrialEndsAt:        trial.EndsAt,
		PendingPlan:        rec.PendingPlan,
		CurrentPeriodEnd:   rec.CurrentPeriodEnd,
		CancelAtPeriodEnd:  rec.CancelAtPeriodEnd,
	}
	// the trial clock only describes a user who is still on the trial
	if rec.Status == goentitle.StatusTrialing {
		response.DaysRemaining = trial.DaysRemaining
		response.IsTrialing = trial.IsTrialing
		response.IsExpired = trial.IsExpired
		response.ExpiringSoon = trial.ExpiringSoon(evaluator.Config().ExpiringSoonDays)
	}

	writeJSON(w, http.StatusOK, response)
}

// SelectPlan records the plan the user intends to buy. It never grants access:
// the record only becomes paid when the checkout completed event arrives.
func (h *Handler) SelectPlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	req, ok := h.planRequest(w, r)
	if !ok {
		return
	}

	rec, err := h.config.Manager.RecordPlanIntent(r.Context(), userID, req.Plan)
	if errors.Is(err, goentitle.ErrPlanNotAllowed) {
		h.handleError(w, r, invalidPlanError(h.config.Manager), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.config.Logger.Error("failed to record plan selection",
			goentitle.F("user_id", userID), goentitle.ErrField(err))
		h.handleError(w, r, fmt.Errorf("failed to update subscription plan"), http.StatusInternalServerError)
		return
	}

	h.config.Logger.Info("plan selected",
		goentitle.F("user_id", userID), goentitle.F("plan", string(req.Plan)))
	writeJSON(w, http.StatusAccepted, SelectPlanResponse{
		Message:     msgPlanSelected,
		PendingPlan: rec.PendingPlan,
		Status:      rec.Status,
	})
}

// Checkout creates a hosted checkout session for the requested plan.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if h.config.Billing == nil {
		h.handleError(w, r, billing.ErrNotSupported, http.StatusNotImplemented)
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	req, ok := h.planRequest(w, r)
	if !ok {
		return
	}

	url, err := h.config.Billing.CheckoutURL(r.Context(), userID, h.config.GetEmail(r), req.Plan,
		h.config.BaseURL+h.config.SuccessPath, h.config.BaseURL+h.config.CancelPath)
	if err != nil {
		h.billingError(w, r, userID, "checkout", err)
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// Portal creates a hosted subscription management session.
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	if h.config.Billing == nil {
		h.handleError(w, r, billing.ErrNotSupported, http.StatusNotImplemented)
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	url, err := h.config.Billing.PortalURL(r.Context(), userID, h.config.GetEmail(r),
		h.config.BaseURL+h.config.ReturnPath)
	if err != nil {
		h.billingError(w, r, userID, "portal", err)
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (h *Handler) planRequest(w http.ResponseWriter, r *http.Request) (PlanRequest, bool) {
	var req PlanRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.handleError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return req, false
	}
	req.Plan = goentitle.Tier(strings.TrimSpace(string(req.Plan)))
	if req.Plan == "" {
		h.handleError(w, r, invalidPlanError(h.config.Manager), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (h *Handler) billingError(w http.ResponseWriter, r *http.Request, userID, op string, err error) {
	switch {
	case errors.Is(err, goentitle.ErrPlanNotAllowed), errors.Is(err, billing.ErrPlanNotConfigured):
		h.handleError(w, r, invalidPlanError(h.config.Manager), http.StatusBadRequest)
	case errors.Is(err, billing.ErrCustomerNotFound):
		h.handleError(w, r, fmt.Errorf("no billing customer found, please subscribe first"), http.StatusNotFound)
	case errors.Is(err, billing.ErrProviderAPIError):
		h.config.Logger.Error("billing provider call failed",
			goentitle.F("user_id", userID), goentitle.F("operation", op), goentitle.ErrField(err))
		h.handleError(w, r, fmt.Errorf("billing provider unavailable"), http.StatusBadGateway)
	default:
		h.config.Logger.Error("billing request failed",
			goentitle.F("user_id", userID), goentitle.F("operation", op), goentitle.ErrField(err))
		h.handleError(w, r, fmt.Errorf("failed to create %s session", op), http.StatusInternalServerError)
	}
}

func invalidPlanError(manager *goentitle.Manager) error {
	tiers := manager.Evaluator().PaidTiers()
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = "'" + string(t) + "'"
	}
	return fmt.Errorf("invalid plan, must be one of %s", strings.Join(names, ", "))
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	// Default error handling
	writeJSON(w, statusCode, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		// response already sent
		_ = encodeErr
	}
}
