package goentitle

import "context"

// MutateFunc changes a record in place. Returning an error aborts the mutation and
// nothing is written; return ErrNoChange to abort without signalling a failure.
type MutateFunc func(rec *Record) error

// Storage defines the interface for entitlement record persistence.
//
// Implementations serialize writers per user (row lock, compare-and-set or a
// per-user mutex) and never take a lock spanning users. Reads never block on writers.
type Storage interface {
	// GetRecord returns the record for userID or ErrRecordNotFound.
	GetRecord(ctx context.Context, userID string) (*Record, error)

	// CreateRecord inserts rec unless a record for rec.UserID already exists.
	// It returns the stored record and whether this call created it.
	CreateRecord(ctx context.Context, rec *Record) (*Record, bool, error)

	// UpdateRecord loads the record under the per-user write lock, applies fn to a
	// copy and commits the copy atomically with Version incremented.
	// Returns ErrRecordNotFound if the user has no record.
	UpdateRecord(ctx context.Context, userID string, fn MutateFunc) (*Record, error)

	// FindBySubscriptionID resolves a billing subscription ID to its record.
	FindBySubscriptionID(ctx context.Context, subscriptionID string) (*Record, error)
}
