package goentitle

import "context"

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

var _ Storage = (*CircuitBreakerStorage)(nil)

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) GetRecord(ctx context.Context, userID string) (*Record, error) {
	var rec *Record
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.storage.GetRecord(ctx, userID)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStorage) CreateRecord(ctx context.Context, rec *Record) (*Record, bool, error) {
	var (
		stored  *Record
		created bool
	)
	err := s.cb.Execute(ctx, func() error {
		var e error
		stored, created, e = s.storage.CreateRecord(ctx, rec)
		return e
	})
	return stored, created, err
}

func (s *CircuitBreakerStorage) UpdateRecord(ctx context.Context, userID string, fn MutateFunc) (*Record, error) {
	var rec *Record
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.storage.UpdateRecord(ctx, userID, fn)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStorage) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*Record, error) {
	var rec *Record
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.storage.FindBySubscriptionID(ctx, subscriptionID)
		return e
	})
	return rec, err
}
