package goentitle

import (
	"fmt"
	"strings"
	"time"
)

// Reason explains an access decision.
type Reason string

const (
	ReasonPaid          Reason = "paid"
	ReasonGracePeriod   Reason = "past_due_grace"
	ReasonTrialActive   Reason = "trial_active"
	ReasonTrialExpired  Reason = "trial_expired"
	ReasonCancelled     Reason = "cancelled"
	ReasonPaymentFailed Reason = "payment_failed"
	ReasonUnknownStatus Reason = "unknown_status"
	ReasonDemoMode      Reason = "demo_mode"

	// ReasonDegraded is used by the gate when the record could not be read
	ReasonDegraded Reason = "degraded"
	// ReasonFeatureUnavailable is used by the gate when the tier lacks a required feature
	ReasonFeatureUnavailable Reason = "feature_unavailable"
)

// Prompt is the UI element the decision asks the client to show.
type Prompt string

const (
	PromptNone           Prompt = "none"
	PromptTrialBanner    Prompt = "trial_banner"
	PromptExpiringBanner Prompt = "expiring_banner"
	PromptPlanSelection  Prompt = "plan_selection"
)

// Feature is a feature level gated by tier.
type Feature string

const (
	FeatureBasic    Feature = "basic"
	FeatureStandard Feature = "standard"
	FeaturePremium  Feature = "premium"
)

// AccessDecision is the outcome of evaluating a record.
type AccessDecision struct {
	Allowed            bool
	Reason             Reason
	NeedsPlanSelection bool
	DaysRemaining      int
	Prompt             Prompt
	Message            string
}

// EvaluatorConfig is passed to the evaluator at construction time.
type EvaluatorConfig struct {
	// TrialLengthDays is the trial length (default: 14)
	TrialLengthDays int

	// ExpiringSoonDays switches the trial banner to the expiring banner (default: 3)
	ExpiringSoonDays int

	// PaidTiers is the allow-list of tiers that grant paid access (default: standard)
	PaidTiers []Tier

	// TierFeatures maps a tier to the features it unlocks.
	// Default: trial unlocks everything, standard unlocks basic and standard.
	TierFeatures map[Tier][]Feature

	// DemoMode allows every request. It replaces ambient demo toggles and must be
	// set explicitly.
	DemoMode bool
}

// Evaluator turns a record and the trial clock into an access decision.
// It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	config   EvaluatorConfig
	paid     map[Tier]bool
	features map[Tier]map[Feature]bool
}

// NewEvaluator creates an evaluator, applying defaults.
func NewEvaluator(config EvaluatorConfig) *Evaluator {
	if config.TrialLengthDays <= 0 {
		config.TrialLengthDays = DefaultTrialLengthDays
	}
	if config.ExpiringSoonDays <= 0 {
		config.ExpiringSoonDays = DefaultExpiringSoonDays
	}
	if len(config.PaidTiers) == 0 {
		config.PaidTiers = []Tier{TierStandard}
	}
	if config.TierFeatures == nil {
		config.TierFeatures = map[Tier][]Feature{
			TierTrial:    {FeatureBasic, FeatureStandard, FeaturePremium},
			TierStandard: {FeatureBasic, FeatureStandard},
		}
	}

	e := &Evaluator{
		config:   config,
		paid:     make(map[Tier]bool, len(config.PaidTiers)),
		features: make(map[Tier]map[Feature]bool, len(config.TierFeatures)),
	}
	for _, t := range config.PaidTiers {
		e.paid[t] = true
	}
	for tier, fs := range config.TierFeatures {
		set := make(map[Feature]bool, len(fs))
		for _, f := range fs {
			set[f] = true
		}
		e.features[tier] = set
	}
	return e
}

// Config returns the effective configuration.
func (e *Evaluator) Config() EvaluatorConfig {
	return e.config
}

// IsPaidTier reports whether tier is on the paid allow-list.
func (e *Evaluator) IsPaidTier(tier Tier) bool {
	return e.paid[tier]
}

// PaidTiers returns the paid-tier allow-list.
func (e *Evaluator) PaidTiers() []Tier {
	out := make([]Tier, len(e.config.PaidTiers))
	copy(out, e.config.PaidTiers)
	return out
}

// HasFeatureAccess reports whether tier unlocks feature.
func (e *Evaluator) HasFeatureAccess(tier Tier, feature Feature) bool {
	return e.features[tier][feature]
}

// Trial reads the trial clock for a record.
func (e *Evaluator) Trial(rec *Record, now time.Time) TrialState {
	return EvaluateTrial(rec.TrialStartedAt, now, e.config.TrialLengthDays)
}

// Evaluate decides access for rec at now. First matching rule wins; anything not
// matched is denied.
func (e *Evaluator) Evaluate(rec *Record, now time.Time) AccessDecision {
	if e.config.DemoMode {
		return AccessDecision{Allowed: true, Reason: ReasonDemoMode, Prompt: PromptNone}
	}
	if rec == nil {
		return e.deny(ReasonUnknownStatus, "")
	}

	switch {
	case (rec.Status == StatusActive || rec.Status == StatusPastDue) && e.paid[rec.Tier]:
		reason := ReasonPaid
		if rec.Status == StatusPastDue {
			reason = ReasonGracePeriod
		}
		return AccessDecision{
			Allowed: true,
			Reason:  reason,
			Prompt:  PromptNone,
			Message: paidMessage(rec),
		}

	case rec.Status == StatusTrialing:
		trial := e.Trial(rec, now)
		if trial.IsTrialing {
			prompt := PromptTrialBanner
			if trial.ExpiringSoon(e.config.ExpiringSoonDays) {
				prompt = PromptExpiringBanner
			}
			return AccessDecision{
				Allowed:       true,
				Reason:        ReasonTrialActive,
				DaysRemaining: trial.DaysRemaining,
				Prompt:        prompt,
				Message:       trialMessage(trial.DaysRemaining, e.config.ExpiringSoonDays),
			}
		}
		if !rec.HasSelectedPlan {
			return e.deny(ReasonTrialExpired, msgTrialExpired)
		}

	case rec.Status == StatusPastDue:
		return e.deny(ReasonPaymentFailed, msgPaymentFailed)

	case rec.Status == StatusCancelled:
		return e.deny(ReasonCancelled, msgCancelled)
	}

	return e.deny(ReasonUnknownStatus, msgTrialExpired)
}

func (e *Evaluator) deny(reason Reason, message string) AccessDecision {
	return AccessDecision{
		Allowed:            false,
		Reason:             reason,
		NeedsPlanSelection: true,
		Prompt:             PromptPlanSelection,
		Message:            message,
	}
}

const (
	msgTrialExpired  = "Your free trial has expired. Please select a plan to continue."
	msgCancelled     = "Your subscription has ended. Please select a plan to continue."
	msgPaymentFailed = "Your last payment failed. Please update your payment method or select a plan to continue."
)

func trialMessage(daysRemaining, expiringSoonDays int) string {
	switch {
	case daysRemaining == 1:
		return "Your trial expires tomorrow. Select a plan to continue."
	case daysRemaining <= expiringSoonDays:
		return fmt.Sprintf("%d days left in your free trial.", daysRemaining)
	default:
		return fmt.Sprintf("%d days remaining in your free trial.", daysRemaining)
	}
}

func paidMessage(rec *Record) string {
	if rec.Status == StatusPastDue {
		return "We could not process your last payment. Please update your payment method."
	}
	if !rec.HasSelectedPlan {
		return ""
	}
	name := string(rec.Tier)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return fmt.Sprintf("You're on the %s plan.", name)
}
