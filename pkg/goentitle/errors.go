package goentitle

import "errors"

var (
	// ErrRecordNotFound is returned when a user has no entitlement record
	ErrRecordNotFound = errors.New("entitlement record not found")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidUserID is returned for empty or oversized user IDs
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrInvariantViolation is returned when a mutation would leave a record inconsistent
	ErrInvariantViolation = errors.New("entitlement invariant violated")

	// ErrNoChange aborts a mutation without writing anything
	ErrNoChange = errors.New("no change")

	// ErrVersionConflict is returned when a compare-and-set lost against a concurrent writer
	ErrVersionConflict = errors.New("record version conflict")

	// ErrPlanNotAllowed is returned when a requested plan is outside the paid-tier allow-list
	ErrPlanNotAllowed = errors.New("plan not allowed")
)

// IsStorageFailure reports whether err is an infrastructure failure rather than a
// business outcome (not found, no change, invariant violation, plan not allowed).
func IsStorageFailure(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrRecordNotFound),
		errors.Is(err, ErrNoChange),
		errors.Is(err, ErrInvariantViolation),
		errors.Is(err, ErrInvalidUserID),
		errors.Is(err, ErrPlanNotAllowed):
		return false
	}
	return true
}
