package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/docqa/internal/domain"
)

// Store implements domain.CacheStore on plain Redis strings with EX expiry.
type Store struct {
	client *redis.Client
}

// NewStore creates a Redis cache store.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Get returns the payload under key or domain.ErrCacheMiss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return value, nil
}

// Set stores value under key with the given expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// DeletePrefix scans for keys starting with prefix and deletes them.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return deleteMatching(ctx, s.client, prefixPattern(prefix))
}
