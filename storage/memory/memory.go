// Package memory provides an in-memory implementation of the goentitle.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Storage implements goentitle.Storage using in-memory maps.
// Writers are serialized per user; mu only guards the maps for the instant of a
// read or a swap, so readers never wait on a writer's mutate function.
type Storage struct {
	mu             sync.RWMutex
	records        map[string]*goentitle.Record
	bySubscription map[string]string

	locksMu   sync.Mutex
	userLocks map[string]*userLock
}

// userLock is dropped from userLocks once no writer holds or waits on it.
type userLock struct {
	mu   sync.Mutex
	refs int
}

var _ goentitle.Storage = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		records:        make(map[string]*goentitle.Record),
		bySubscription: make(map[string]string),
		userLocks:      make(map[string]*userLock),
	}
}

// GetRecord implements goentitle.Storage
func (s *Storage) GetRecord(_ context.Context, userID string) (*goentitle.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, goentitle.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// CreateRecord implements goentitle.Storage
func (s *Storage) CreateRecord(_ context.Context, rec *goentitle.Record) (*goentitle.Record, bool, error) {
	if rec == nil || rec.UserID == "" {
		return nil, false, fmt.Errorf("invalid record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.UserID]; ok {
		return existing.Clone(), false, nil
	}

	stored := rec.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.records[stored.UserID] = stored
	s.index(nil, stored)
	return stored.Clone(), true, nil
}

// UpdateRecord implements goentitle.Storage
func (s *Storage) UpdateRecord(ctx context.Context, userID string, fn goentitle.MutateFunc) (*goentitle.Record, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	current, ok := s.records[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, goentitle.ErrRecordNotFound
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UserID = userID
	next.Version = current.Version + 1

	s.mu.Lock()
	s.records[userID] = next
	s.index(current, next)
	s.mu.Unlock()

	return next.Clone(), nil
}

// FindBySubscriptionID implements goentitle.Storage
func (s *Storage) FindBySubscriptionID(_ context.Context, subscriptionID string) (*goentitle.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.bySubscription[subscriptionID]
	if !ok {
		return nil, goentitle.ErrRecordNotFound
	}
	rec, ok := s.records[userID]
	if !ok {
		return nil, goentitle.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// Len returns the number of stored records.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// index must be called with mu held for writing.
func (s *Storage) index(prev, next *goentitle.Record) {
	if prev != nil && prev.BillingSubscriptionID != "" && prev.BillingSubscriptionID != next.BillingSubscriptionID {
		if s.bySubscription[prev.BillingSubscriptionID] == prev.UserID {
			delete(s.bySubscription, prev.BillingSubscriptionID)
		}
	}
	if next.BillingSubscriptionID != "" {
		s.bySubscription[next.BillingSubscriptionID] = next.UserID
	}
}

func (s *Storage) lockUser(userID string) func() {
	s.locksMu.Lock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &userLock{}
		s.userLocks[userID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.userLocks, userID)
		}
		s.locksMu.Unlock()
	}
}
