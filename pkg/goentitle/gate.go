package goentitle

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// Default gate settings.
const (
	DefaultRedirectURL = "/pricing?expired=true"

	// HeaderTrialDaysRemaining is set on allowed requests while the trial runs.
	HeaderTrialDaysRemaining = "X-Trial-Days-Remaining"
)

// DefaultAllowPaths are reachable without an entitlement check.
var DefaultAllowPaths = []string{"/pricing", "/auth/login", "/auth/signup"}

// GateConfig configures the access gate shared by the HTTP middlewares.
type GateConfig struct {
	// AllowPaths bypass the gate. A path matches when it equals an entry or continues
	// it with "/" (default: DefaultAllowPaths)
	AllowPaths []string

	// RedirectURL is where denied browser requests are sent (default: /pricing?expired=true)
	RedirectURL string

	// RequiredFeature, if set, also denies allowed users whose tier lacks the feature
	RequiredFeature Feature
}

// GateOutcome is what a middleware must do with the request.
type GateOutcome int

const (
	// GateAllow lets the request through
	GateAllow GateOutcome = iota
	// GateDegraded lets the request through although the record could not be read
	GateDegraded
	// GateDeny blocks the request
	GateDeny
	// GateUnauthorized blocks a request without a usable user id
	GateUnauthorized
)

// GateResult is the outcome of one gate check.
type GateResult struct {
	Outcome  GateOutcome
	Decision AccessDecision
	Record   *Record
	Err      error
}

// Allowed reports whether the request may proceed.
func (r GateResult) Allowed() bool {
	return r.Outcome == GateAllow || r.Outcome == GateDegraded
}

// TrialDaysHeader returns the X-Trial-Days-Remaining value, or "" when the user is not
// on a running trial.
func (r GateResult) TrialDaysHeader() string {
	if r.Outcome != GateAllow || r.Decision.Reason != ReasonTrialActive {
		return ""
	}
	return strconv.Itoa(r.Decision.DaysRemaining)
}

// Gate decides per request whether a user may reach protected routes. It never
// mutates a record beyond the lazy creation of a first trial record.
type Gate struct {
	manager     *Manager
	allowPaths  []string
	redirectURL string
	feature     Feature
}

// NewGate creates a gate over manager.
func NewGate(manager *Manager, config GateConfig) (*Gate, error) {
	if manager == nil {
		return nil, errors.New("goentitle: gate requires a manager")
	}
	allow := config.AllowPaths
	if allow == nil {
		allow = DefaultAllowPaths
	}
	redirect := config.RedirectURL
	if redirect == "" {
		redirect = DefaultRedirectURL
	}
	paths := make([]string, 0, len(allow))
	for _, p := range allow {
		if p = strings.TrimRight(p, "/"); p != "" {
			paths = append(paths, p)
		}
	}
	return &Gate{
		manager:     manager,
		allowPaths:  paths,
		redirectURL: redirect,
		feature:     config.RequiredFeature,
	}, nil
}

// RedirectURL returns where denied browser requests are sent.
func (g *Gate) RedirectURL() string {
	return g.redirectURL
}

// IsAllowListed reports whether path bypasses the gate.
func (g *Gate) IsAllowListed(path string) bool {
	for _, p := range g.allowPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Check evaluates userID. A store failure fails open: the outcome is GateDegraded and
// the failure is logged and counted.
func (g *Gate) Check(ctx context.Context, userID string) GateResult {
	if userID == "" {
		return GateResult{Outcome: GateUnauthorized}
	}

	rec, decision, err := g.manager.Evaluate(ctx, userID)
	if errors.Is(err, ErrInvalidUserID) {
		return GateResult{Outcome: GateUnauthorized, Err: err}
	}
	if err != nil {
		g.manager.metrics.RecordDegraded("gate")
		g.manager.logger.Warn("entitlement check degraded, allowing request",
			F("user_id", userID), ErrField(err))
		return GateResult{
			Outcome:  GateDegraded,
			Decision: AccessDecision{Allowed: true, Reason: ReasonDegraded, Prompt: PromptNone},
			Err:      err,
		}
	}

	if !decision.Allowed {
		return GateResult{Outcome: GateDeny, Decision: decision, Record: rec}
	}

	if g.feature != "" && decision.Reason != ReasonDemoMode &&
		!g.manager.evaluator.HasFeatureAccess(rec.Tier, g.feature) {
		return GateResult{
			Outcome: GateDeny,
			Decision: AccessDecision{
				Allowed:            false,
				Reason:             ReasonFeatureUnavailable,
				NeedsPlanSelection: true,
				Prompt:             PromptPlanSelection,
				Message:            "This feature is not included in your plan.",
			},
			Record: rec,
		}
	}

	return GateResult{Outcome: GateAllow, Decision: decision, Record: rec}
}

// WantsRedirect reports whether a denied request should be redirected rather than
// answered with JSON: page loads do, API calls do not.
func WantsRedirect(method, accept string) bool {
	if method != "GET" && method != "HEAD" {
		return false
	}
	return !strings.Contains(accept, "application/json")
}

// DenialBody is the JSON body of a denied API request.
type DenialBody struct {
	Error              string `json:"error"`
	Reason             Reason `json:"reason"`
	Redirect           string `json:"redirect"`
	NeedsPlanSelection bool   `json:"needsPlanSelection"`
}

// Denial builds the JSON body for a denied result.
func (g *Gate) Denial(result GateResult) DenialBody {
	msg := result.Decision.Message
	if msg == "" {
		msg = "subscription required"
	}
	return DenialBody{
		Error:              msg,
		Reason:             result.Decision.Reason,
		Redirect:           g.redirectURL,
		NeedsPlanSelection: result.Decision.NeedsPlanSelection,
	}
}

type decisionKey struct{}

// WithDecision returns a context carrying the gate's decision.
func WithDecision(ctx context.Context, decision AccessDecision) context.Context {
	return context.WithValue(ctx, decisionKey{}, decision)
}

// DecisionFromContext returns the decision stored by the gate.
func DecisionFromContext(ctx context.Context) (AccessDecision, bool) {
	d, ok := ctx.Value(decisionKey{}).(AccessDecision)
	return d, ok
}
