package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/davidbz/docqa/internal/observability"
)

// DefaultCacheTTL is used when no TTL is configured (7 days).
const DefaultCacheTTL = 7 * 24 * time.Hour

// CacheConfig contains answer cache settings.
type CacheConfig struct {
	Enabled   bool          `env:"CACHE_ENABLED"    envDefault:"true"`
	Backend   string        `env:"CACHE_BACKEND"    envDefault:"redis"`
	TTL       time.Duration `env:"CACHE_TTL"        envDefault:"168h"`
	KeyPrefix string        `env:"CACHE_KEY_PREFIX" envDefault:"docqa:qa"`
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Enabled bool    `json:"enabled"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// CacheManager is a content-addressed question → answer cache.
// With no store, or when disabled, every Get misses and writes are no-ops.
type CacheManager struct {
	store   CacheStore
	prefix  string
	ttl     time.Duration
	enabled bool
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCacheManager creates a cache manager over store.
func NewCacheManager(store CacheStore, cfg *CacheConfig) *CacheManager {
	m := &CacheManager{
		store:   store,
		prefix:  "docqa:qa",
		ttl:     DefaultCacheTTL,
		enabled: store != nil,
		now:     time.Now,
	}

	if cfg != nil {
		m.enabled = m.enabled && cfg.Enabled
		if cfg.KeyPrefix != "" {
			m.prefix = cfg.KeyPrefix
		}
		if cfg.TTL > 0 {
			m.ttl = cfg.TTL
		}
	}

	return m
}

// Enabled reports whether the cache is active.
func (m *CacheManager) Enabled() bool {
	return m != nil && m.enabled
}

// TTL returns the default entry lifetime.
func (m *CacheManager) TTL() time.Duration {
	return m.ttl
}

// Key derives the cache key for a question against a document.
func (m *CacheManager) Key(documentID, question string, params CacheParams) string {
	return CacheKey(m.prefix, documentID, question, params)
}

// Get returns the entry stored under key with Cached set. Missing and
// expired entries both yield ErrCacheMiss. Backend failures are reported
// as ErrCacheUnavailable and count as misses.
func (m *CacheManager) Get(ctx context.Context, key string) (*CacheEntry, error) {
	if !m.Enabled() {
		return nil, ErrCacheMiss
	}

	logger := observability.FromContext(ctx)

	data, err := m.store.Get(ctx, key)
	if errors.Is(err, ErrCacheMiss) {
		m.misses.Add(1)
		logger.Info("cache MISS", observability.String("cache_key", key))
		return nil, ErrCacheMiss
	}
	if err != nil {
		m.misses.Add(1)
		logger.Warn("cache get failed, continuing without cache",
			observability.String("cache_key", key),
			observability.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}

	var entry CacheEntry
	if unmarshalErr := json.Unmarshal(data, &entry); unmarshalErr != nil {
		m.misses.Add(1)
		logger.Warn("discarding undecodable cache entry",
			observability.String("cache_key", key),
			observability.Error(unmarshalErr))
		return nil, ErrCacheMiss
	}

	m.hits.Add(1)
	logger.Info("cache HIT", observability.String("cache_key", key))

	entry.Cached = true
	return &entry, nil
}

// Put stores entry under key. Writes are unconditional (last write wins).
// A non-positive ttl selects the configured default.
func (m *CacheManager) Put(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error {
	if !m.Enabled() {
		return nil
	}

	if entry == nil {
		return errors.New("cache entry cannot be nil")
	}

	if ttl <= 0 {
		ttl = m.ttl
	}

	stored := *entry
	stored.Cached = false
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if setErr := m.store.Set(ctx, key, data, ttl); setErr != nil {
		return fmt.Errorf("%w: %w", ErrCacheUnavailable, setErr)
	}

	observability.FromContext(ctx).Info("answer cached",
		observability.String("cache_key", key),
		observability.Duration("ttl", ttl))
	return nil
}

// Invalidate removes every entry derived from documentID. It is
// idempotent and reports the number of removed entries.
func (m *CacheManager) Invalidate(ctx context.Context, documentID string) (int, error) {
	if !m.Enabled() {
		return 0, nil
	}

	prefix := NamespacePrefix(m.prefix, documentID) + ":"

	deleted, err := m.store.DeletePrefix(ctx, prefix)
	if err != nil {
		return deleted, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}

	observability.FromContext(ctx).Info("invalidated cached answers",
		observability.String("document_id", documentID),
		observability.Int("deleted", deleted))
	return deleted, nil
}

// Stats returns hit/miss counters since start.
func (m *CacheManager) Stats() CacheStats {
	if m == nil {
		return CacheStats{}
	}

	hits := m.hits.Load()
	misses := m.misses.Load()

	var rate float64
	if total := hits + misses; total > 0 {
		rate = round(float64(hits)/float64(total)*100, 2)
	}

	return CacheStats{
		Enabled: m.enabled,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}
