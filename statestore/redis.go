package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore provides a Redis-backed implementation of the Store interface.
// It supports horizontal scaling: any service instance can resume a context
// suspended by another instance.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the expiration time for stored records.
// Default is 24 hours. Set to 0 for no expiration.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithPrefix sets the key prefix for all records.
// Default is "asmv".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore creates a Redis-backed context store.
// The client must be configured and connected by the caller.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		ttl:    24 * time.Hour,
		prefix: "asmv",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// recordKey builds the Redis key for a context record.
func (s *RedisStore) recordKey(key string) string {
	return fmt.Sprintf("%s:context:%s", s.prefix, key)
}

// Put persists a record, replacing any previous record under the key.
func (s *RedisStore) Put(ctx context.Context, key string, rec Record) error {
	if key == "" {
		return ErrInvalidKey
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal context record: %w", err)
	}

	if err := s.client.Set(ctx, s.recordKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Get retrieves a record by key. Returns ErrNotFound if the key does not
// exist or the record has expired.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	data, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context record: %w", err)
	}
	return &rec, nil
}

// Delete removes a record. Deleting an absent key is a no-op.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	if err := s.client.Del(ctx, s.recordKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
