package goentitle

import (
	"fmt"
	"time"
)

// Tier is the product level a user is entitled to, independent of billing status.
type Tier string

const (
	// TierTrial is the free trial tier (and the tier every revoked record falls back to)
	TierTrial Tier = "trial"
	// TierStandard is the single paid tier
	TierStandard Tier = "standard"
)

// Status is the billing-lifecycle state of a record.
type Status string

const (
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
)

// Known reports whether s is one of the statuses this package understands.
// Records may still carry other values passed through from the billing processor.
func (s Status) Known() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCancelled:
		return true
	default:
		return false
	}
}

// Record is the per-user entitlement record.
// Empty billing identifiers and nil timestamps mean "not set".
type Record struct {
	UserID          string
	Tier            Tier
	Status          Status
	HasSelectedPlan bool
	TrialStartedAt  time.Time

	BillingCustomerID     string
	BillingSubscriptionID string

	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool

	// PendingPlan is the plan the user asked for; it is only an intent until a
	// checkout completed event confirms it.
	PendingPlan     Tier
	PlanRequestedAt *time.Time

	// Last billing event applied to this record.
	LastEventID   string
	LastEventType string
	LastEventAt   *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTrialRecord returns the initial record for a user seen for the first time.
func NewTrialRecord(userID string, now time.Time) *Record {
	now = now.UTC()
	return &Record{
		UserID:         userID,
		Tier:           TierTrial,
		Status:         StatusTrialing,
		TrialStartedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.CurrentPeriodStart = cloneTime(r.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(r.CurrentPeriodEnd)
	c.PlanRequestedAt = cloneTime(r.PlanRequestedAt)
	c.LastEventAt = cloneTime(r.LastEventAt)
	return &c
}

// Validate checks the status/tier invariants every persisted record must satisfy.
func (r *Record) Validate() error {
	if r.UserID == "" {
		return ErrInvalidUserID
	}
	if r.TrialStartedAt.IsZero() {
		return fmt.Errorf("%w: trial start not set", ErrInvariantViolation)
	}
	switch r.Status {
	case StatusTrialing:
		if r.Tier != TierTrial {
			return fmt.Errorf("%w: trialing record on tier %q", ErrInvariantViolation, r.Tier)
		}
		if r.BillingSubscriptionID != "" {
			return fmt.Errorf("%w: trialing record has subscription %s", ErrInvariantViolation, r.BillingSubscriptionID)
		}
	case StatusActive, StatusPastDue:
		if r.Tier != TierTrial && r.BillingCustomerID == "" {
			return fmt.Errorf("%w: %s record on tier %q has no billing customer", ErrInvariantViolation, r.Status, r.Tier)
		}
	case StatusCancelled:
		if r.Tier != TierTrial {
			return fmt.Errorf("%w: cancelled record on tier %q", ErrInvariantViolation, r.Tier)
		}
	}
	return nil
}

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// CacheConfig holds read cache configuration
type CacheConfig struct {
	// Enabled determines if caching is active
	Enabled bool

	// TTL bounds how stale a cached record may be (default: 30 seconds)
	TTL time.Duration

	// MaxRecords is the maximum number of records to cache (default: 10000)
	MaxRecords int
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config holds manager configuration
type Config struct {
	// Evaluator configures trial length, paid tiers and the expiring-soon window
	Evaluator EvaluatorConfig

	// CacheConfig configures the read cache used by the access gate path
	CacheConfig *CacheConfig

	// CircuitBreakerConfig configures the circuit breaker around storage
	CircuitBreakerConfig *CircuitBreakerConfig

	// Metrics is used for tracking operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Clock overrides time.Now (default: time.Now in UTC)
	Clock Clock
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
