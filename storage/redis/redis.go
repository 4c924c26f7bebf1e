// Package redis provides a Redis implementation of the goentitle.Storage interface.
// Updates are optimistic: the record key is WATCHed and the write is committed in a
// MULTI/EXEC transaction, retried when another writer got there first.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Storage implements goentitle.Storage using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

var _ goentitle.Storage = (*Storage)(nil)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goentitle:")
	KeyPrefix string

	// MaxRetries is the maximum number of optimistic transaction attempts (default: 10)
	MaxRetries int

	// RetryBackoff is the pause between attempts (default: 5ms)
	RetryBackoff time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "goentitle:",
		MaxRetries:   10,
		RetryBackoff: 5 * time.Millisecond,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}

	return &Storage{
		client: client,
		config: config,
	}, nil
}

// GetRecord implements goentitle.Storage
func (s *Storage) GetRecord(ctx context.Context, userID string) (*goentitle.Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, goentitle.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return decode(data)
}

// CreateRecord implements goentitle.Storage
func (s *Storage) CreateRecord(ctx context.Context, rec *goentitle.Record) (*goentitle.Record, bool, error) {
	if rec == nil || rec.UserID == "" {
		return nil, false, fmt.Errorf("invalid record")
	}

	stored := rec.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	data, err := json.Marshal(toDocument(stored))
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal record: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.recordKey(stored.UserID), data, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create record: %w", err)
	}
	if !created {
		existing, err := s.GetRecord(ctx, stored.UserID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if stored.BillingSubscriptionID != "" {
		if err := s.client.Set(ctx, s.subscriptionKey(stored.BillingSubscriptionID), stored.UserID, 0).Err(); err != nil {
			return nil, false, fmt.Errorf("failed to index subscription: %w", err)
		}
	}
	return stored, true, nil
}

// UpdateRecord implements goentitle.Storage
func (s *Storage) UpdateRecord(ctx context.Context, userID string, fn goentitle.MutateFunc) (*goentitle.Record, error) {
	key := s.recordKey(userID)

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		var next *goentitle.Record

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return goentitle.ErrRecordNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to get record: %w", err)
			}
			current, err := decode(data)
			if err != nil {
				return err
			}

			candidate := current.Clone()
			if err := fn(candidate); err != nil {
				return err
			}
			candidate.UserID = userID
			candidate.Version = current.Version + 1

			encoded, err := json.Marshal(toDocument(candidate))
			if err != nil {
				return fmt.Errorf("failed to marshal record: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				if prev := current.BillingSubscriptionID; prev != "" && prev != candidate.BillingSubscriptionID {
					pipe.Del(ctx, s.subscriptionKey(prev))
				}
				if sub := candidate.BillingSubscriptionID; sub != "" {
					pipe.Set(ctx, s.subscriptionKey(sub), userID, 0)
				}
				return nil
			})
			if err != nil {
				return err
			}
			next = candidate
			return nil
		}, key)

		if err == nil {
			return next, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.config.RetryBackoff):
		}
	}

	return nil, fmt.Errorf("%w: gave up after %d attempts", goentitle.ErrVersionConflict, s.config.MaxRetries)
}

// FindBySubscriptionID implements goentitle.Storage
func (s *Storage) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*goentitle.Record, error) {
	if subscriptionID == "" {
		return nil, goentitle.ErrRecordNotFound
	}

	userID, err := s.client.Get(ctx, s.subscriptionKey(subscriptionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, goentitle.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find record by subscription: %w", err)
	}

	rec, err := s.GetRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	// stale index entry
	if rec.BillingSubscriptionID != subscriptionID {
		return nil, goentitle.ErrRecordNotFound
	}
	return rec, nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) recordKey(userID string) string {
	return fmt.Sprintf("%srecord:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) subscriptionKey(subscriptionID string) string {
	return fmt.Sprintf("%ssubscription:%s", s.config.KeyPrefix, subscriptionID)
}

func decode(data []byte) (*goentitle.Record, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return doc.record(), nil
}
