package goentitle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

const maxUserIDLen = 255

// Manager owns the entitlement record lifecycle: lazy creation, the cached read path
// used by the access gate and atomic per-user mutation used by billing and plan selection.
type Manager struct {
	storage   Storage
	config    Config
	evaluator *Evaluator
	cache     Cache
	metrics   Metrics
	logger    Logger
	clock     Clock
	lookups   singleflight.Group
}

// NewManager creates a new entitlement manager with the given storage and configuration
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Clock == nil {
		config.Clock = func() time.Time { return time.Now().UTC() }
	}

	var cache Cache = NewNoopCache()
	if config.CacheConfig != nil && config.CacheConfig.Enabled {
		cache = NewLRUCache(config.CacheConfig.MaxRecords, config.CacheConfig.TTL)
	}

	if config.CircuitBreakerConfig != nil && config.CircuitBreakerConfig.Enabled {
		metrics := config.Metrics
		logger := config.Logger
		cb := NewDefaultCircuitBreaker(
			config.CircuitBreakerConfig.FailureThreshold,
			config.CircuitBreakerConfig.ResetTimeout,
			func(state CircuitBreakerState) {
				metrics.RecordCircuitBreakerStateChange(string(state))
				logger.Warn("storage circuit breaker state changed", F("state", string(state)))
			},
		)
		storage = NewCircuitBreakerStorage(storage, cb)
	}

	return &Manager{
		storage:   storage,
		config:    config,
		evaluator: NewEvaluator(config.Evaluator),
		cache:     cache,
		metrics:   config.Metrics,
		logger:    config.Logger,
		clock:     config.Clock,
	}, nil
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.clock()
}

// Evaluator returns the lifecycle evaluator.
func (m *Manager) Evaluator() *Evaluator {
	return m.evaluator
}

// Logger returns the configured logger.
func (m *Manager) Logger() Logger {
	return m.logger
}

// GetRecord returns the authoritative record, bypassing the cache.
func (m *Manager) GetRecord(ctx context.Context, userID string) (*Record, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	start := time.Now()
	rec, err := m.storage.GetRecord(ctx, userID)
	m.metrics.RecordStorageOperation("get_record", time.Since(start), err)
	return rec, err
}

// EnsureRecord returns the user's record, creating the trial record if this is the
// first time the user is seen.
func (m *Manager) EnsureRecord(ctx context.Context, userID string) (*Record, error) {
	rec, err := m.GetRecord(ctx, userID)
	if err == nil {
		m.cache.Set(rec)
		return rec, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	start := time.Now()
	rec, created, err := m.storage.CreateRecord(ctx, NewTrialRecord(userID, m.clock()))
	m.metrics.RecordStorageOperation("create_record", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to create trial record: %w", err)
	}
	if created {
		m.metrics.RecordRecordCreated()
		m.logger.Info("trial record created", F("user_id", userID))
	}
	m.cache.Set(rec)
	return rec, nil
}

// LookupRecord is the read path for per-request checks. It serves from the cache when
// possible and collapses concurrent misses for the same user into one storage read.
func (m *Manager) LookupRecord(ctx context.Context, userID string) (*Record, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if rec, ok := m.cache.Get(userID); ok {
		m.metrics.RecordCacheHit()
		return rec, nil
	}
	m.metrics.RecordCacheMiss()

	v, err, _ := m.lookups.Do(userID, func() (interface{}, error) {
		return m.EnsureRecord(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record).Clone(), nil
}

// Evaluate looks up the user's record and evaluates it at the current time.
func (m *Manager) Evaluate(ctx context.Context, userID string) (*Record, AccessDecision, error) {
	rec, err := m.LookupRecord(ctx, userID)
	if err != nil {
		return nil, AccessDecision{}, err
	}
	decision := m.evaluator.Evaluate(rec, m.clock())
	m.metrics.RecordDecision(decision.Reason, decision.Allowed)
	return rec, decision, nil
}

// Mutate applies fn atomically to the user's record, creating the trial record first
// if needed. updatedAt is stamped and invariants are checked before commit; a
// violating mutation is rejected with ErrInvariantViolation.
func (m *Manager) Mutate(ctx context.Context, userID string, fn MutateFunc) (*Record, error) {
	if _, err := m.EnsureRecord(ctx, userID); err != nil {
		return nil, err
	}

	start := time.Now()
	rec, err := m.storage.UpdateRecord(ctx, userID, func(rec *Record) error {
		trialStartedAt, createdAt := rec.TrialStartedAt, rec.CreatedAt
		if err := fn(rec); err != nil {
			return err
		}
		if !rec.TrialStartedAt.Equal(trialStartedAt) {
			return fmt.Errorf("%w: trialStartedAt is immutable", ErrInvariantViolation)
		}
		if !rec.CreatedAt.Equal(createdAt) {
			return fmt.Errorf("%w: createdAt is immutable", ErrInvariantViolation)
		}
		rec.UpdatedAt = m.clock()
		return rec.Validate()
	})
	m.metrics.RecordStorageOperation("update_record", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	m.cache.Set(rec)
	return rec, nil
}

// FindBySubscriptionID resolves a billing subscription to its record.
func (m *Manager) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*Record, error) {
	if subscriptionID == "" {
		return nil, ErrRecordNotFound
	}
	start := time.Now()
	rec, err := m.storage.FindBySubscriptionID(ctx, subscriptionID)
	m.metrics.RecordStorageOperation("find_by_subscription", time.Since(start), err)
	return rec, err
}

// RecordPlanIntent records that the user asked to move to plan. It never changes
// status or tier; only a confirmed checkout does that.
func (m *Manager) RecordPlanIntent(ctx context.Context, userID string, plan Tier) (*Record, error) {
	if !m.evaluator.IsPaidTier(plan) {
		return nil, fmt.Errorf("%w: %q", ErrPlanNotAllowed, plan)
	}
	return m.Mutate(ctx, userID, func(rec *Record) error {
		now := m.clock()
		rec.PendingPlan = plan
		rec.PlanRequestedAt = &now
		return nil
	})
}

// BackfillCustomerID stores a billing customer found by an explicit lookup. An
// already known customer is never overwritten.
func (m *Manager) BackfillCustomerID(ctx context.Context, userID, customerID string) (*Record, error) {
	if customerID == "" {
		return nil, fmt.Errorf("customer id is required")
	}
	rec, err := m.Mutate(ctx, userID, func(rec *Record) error {
		if rec.BillingCustomerID != "" {
			return ErrNoChange
		}
		rec.BillingCustomerID = customerID
		return nil
	})
	if errors.Is(err, ErrNoChange) {
		return m.GetRecord(ctx, userID)
	}
	if err == nil {
		m.logger.Info("billing customer backfilled",
			F("user_id", userID), F("customer_id", customerID))
	}
	return rec, err
}

// Invalidate drops a cached record.
func (m *Manager) Invalidate(userID string) {
	m.cache.Invalidate(userID)
}

// CacheStats returns read cache statistics.
func (m *Manager) CacheStats() CacheStats {
	return m.cache.Stats()
}

func validateUserID(userID string) error {
	if userID == "" || len(userID) > maxUserIDLen {
		return ErrInvalidUserID
	}
	return nil
}
