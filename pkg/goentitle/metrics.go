package goentitle

import "time"

// Metrics defines the interface for tracking entitlement operations.
type Metrics interface {
	// RecordDecision records an access decision by reason.
	RecordDecision(reason Reason, allowed bool)

	// RecordCacheHit records a record cache hit.
	RecordCacheHit()

	// RecordCacheMiss records a record cache miss.
	RecordCacheMiss()

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordRecordCreated records the lazy creation of a trial record.
	RecordRecordCreated()

	// RecordDegraded records a read that failed open because storage was unavailable.
	RecordDegraded(component string)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(Reason, bool)                         {}
func (n *NoopMetrics) RecordCacheHit()                                     {}
func (n *NoopMetrics) RecordCacheMiss()                                    {}
func (n *NoopMetrics) RecordStorageOperation(string, time.Duration, error) {}
func (n *NoopMetrics) RecordRecordCreated()                                {}
func (n *NoopMetrics) RecordDegraded(string)                               {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(string)              {}
