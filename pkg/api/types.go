package api

import (
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// TrialStatusResponse is the user's current trial and subscription standing
type TrialStatusResponse struct {
	UserID             string           `json:"user_id"`
	Tier               goentitle.Tier   `json:"tier"`
	Status             goentitle.Status `json:"status"`
	Allowed            bool             `json:"allowed"`
	Reason             goentitle.Reason `json:"reason"`
	DaysRemaining      int              `json:"days_remaining"`
	IsTrialing         bool             `json:"is_trialing"`
	IsExpired          bool             `json:"is_expired"`
	ExpiringSoon       bool             `json:"expiring_soon"`
	NeedsPlanSelection bool             `json:"needs_plan_selection"`
	HasSelectedPlan    bool             `json:"has_selected_plan"`
	Prompt             goentitle.Prompt `json:"prompt"`
	Message            string           `json:"message,omitempty"`
	TrialEndsAt        time.Time        `json:"trial_ends_at"`
	PendingPlan        goentitle.Tier   `json:"pending_plan,omitempty"`
	CurrentPeriodEnd   *time.Time       `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool             `json:"cancel_at_period_end"`
}

// PlanRequest is the body of the select-plan and checkout endpoints
type PlanRequest struct {
	Plan goentitle.Tier `json:"plan"`
}

// SelectPlanResponse acknowledges a recorded plan intent
type SelectPlanResponse struct {
	Message     string           `json:"message"`
	PendingPlan goentitle.Tier   `json:"pending_plan"`
	Status      goentitle.Status `json:"status"`
}

// URLResponse carries a processor-hosted page to redirect the client to
type URLResponse struct {
	URL string `json:"url"`
}
