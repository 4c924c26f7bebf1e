package redis

import (
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// document is the JSON form of a record stored under the record key.
type document struct {
	UserID                string     `json:"user_id"`
	Tier                  string     `json:"tier"`
	Status                string     `json:"status"`
	HasSelectedPlan       bool       `json:"has_selected_plan"`
	TrialStartedAt        time.Time  `json:"trial_started_at"`
	BillingCustomerID     string     `json:"billing_customer_id,omitempty"`
	BillingSubscriptionID string     `json:"billing_subscription_id,omitempty"`
	CurrentPeriodStart    *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd      *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd     bool       `json:"cancel_at_period_end,omitempty"`
	PendingPlan           string     `json:"pending_plan,omitempty"`
	PlanRequestedAt       *time.Time `json:"plan_requested_at,omitempty"`
	LastEventID           string     `json:"last_event_id,omitempty"`
	LastEventType         string     `json:"last_event_type,omitempty"`
	LastEventAt           *time.Time `json:"last_event_at,omitempty"`
	Version               int64      `json:"version"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func toDocument(rec *goentitle.Record) document {
	return document{
		UserID:                rec.UserID,
		Tier:                  string(rec.Tier),
		Status:                string(rec.Status),
		HasSelectedPlan:       rec.HasSelectedPlan,
		TrialStartedAt:        rec.TrialStartedAt,
		BillingCustomerID:     rec.BillingCustomerID,
		BillingSubscriptionID: rec.BillingSubscriptionID,
		CurrentPeriodStart:    rec.CurrentPeriodStart,
		CurrentPeriodEnd:      rec.CurrentPeriodEnd,
		CancelAtPeriodEnd:     rec.CancelAtPeriodEnd,
		PendingPlan:           string(rec.PendingPlan),
		PlanRequestedAt:       rec.PlanRequestedAt,
		LastEventID:           rec.LastEventID,
		LastEventType:         rec.LastEventType,
		LastEventAt:           rec.LastEventAt,
		Version:               rec.Version,
		CreatedAt:             rec.CreatedAt,
		UpdatedAt:             rec.UpdatedAt,
	}
}

func (d document) record() *goentitle.Record {
	return &goentitle.Record{
		UserID:                d.UserID,
		Tier:                  goentitle.Tier(d.Tier),
		Status:                goentitle.Status(d.Status),
		HasSelectedPlan:       d.HasSelectedPlan,
		TrialStartedAt:        d.TrialStartedAt.UTC(),
		BillingCustomerID:     d.BillingCustomerID,
		BillingSubscriptionID: d.BillingSubscriptionID,
		CurrentPeriodStart:    d.CurrentPeriodStart,
		CurrentPeriodEnd:      d.CurrentPeriodEnd,
		CancelAtPeriodEnd:     d.CancelAtPeriodEnd,
		PendingPlan:           goentitle.Tier(d.PendingPlan),
		PlanRequestedAt:       d.PlanRequestedAt,
		LastEventID:           d.LastEventID,
		LastEventType:         d.LastEventType,
		LastEventAt:           d.LastEventAt,
		Version:               d.Version,
		CreatedAt:             d.CreatedAt.UTC(),
		UpdatedAt:             d.UpdatedAt.UTC(),
	}
}
