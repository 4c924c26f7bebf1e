package goentitle

import (
	"math"
	"time"
)

// DefaultTrialLengthDays is the length of the free trial.
const DefaultTrialLengthDays = 14

// DefaultExpiringSoonDays is the window in which a running trial is flagged as expiring.
const DefaultExpiringSoonDays = 3

const day = 24 * time.Hour

// TrialState is the trial clock reading at a point in time.
type TrialState struct {
	DaysRemaining int
	IsTrialing    bool
	IsExpired     bool
	EndsAt        time.Time
}

// EvaluateTrial computes the trial phase from the trial start and the current time.
// It is a pure function: callers must check tier and status first, a paid record is
// never "trialing" whatever this returns.
func EvaluateTrial(startedAt, now time.Time, trialLengthDays int) TrialState {
	if trialLengthDays <= 0 {
		trialLengthDays = DefaultTrialLengthDays
	}

	elapsed := int(math.Floor(float64(now.Sub(startedAt)) / float64(day)))
	if elapsed < 0 {
		// clock skew: a start in the future has not consumed any trial days
		elapsed = 0
	}

	remaining := trialLengthDays - elapsed
	if remaining < 0 {
		remaining = 0
	}

	return TrialState{
		DaysRemaining: remaining,
		IsTrialing:    remaining > 0,
		IsExpired:     remaining == 0,
		EndsAt:        startedAt.Add(time.Duration(trialLengthDays) * day).UTC(),
	}
}

// ExpiringSoon reports whether a running trial has windowDays or fewer days left.
func (s TrialState) ExpiringSoon(windowDays int) bool {
	return s.IsTrialing && s.DaysRemaining <= windowDays
}
