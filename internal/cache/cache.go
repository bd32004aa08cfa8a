// Package cache provides a Redis-backed result cache for search responses
// and query embeddings. The cache is strictly an accelerator: every error is
// degraded to a miss and logged, never surfaced to the caller.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with TTL-bounded get/set helpers
type Cache struct {
	client    *redis.Client
	searchTTL time.Duration
	embedTTL  time.Duration
	opTimeout time.Duration
	logger    *slog.Logger
}

// Options configures the cache
type Options struct {
	SearchTTL    time.Duration
	EmbeddingTTL time.Duration
	OpTimeout    time.Duration
	Logger       *slog.Logger
}

// New creates a cache backed by the Redis instance at url
func New(url string, opts Options) (*Cache, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		client:    redis.NewClient(redisOpts),
		searchTTL: opts.SearchTTL,
		embedTTL:  opts.EmbeddingTTL,
		opTimeout: opts.OpTimeout,
		logger:    logger,
	}, nil
}

// NewWithClient creates a cache around an existing client, used in tests
func NewWithClient(client *redis.Client, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		client:    client,
		searchTTL: opts.SearchTTL,
		embedTTL:  opts.EmbeddingTTL,
		opTimeout: opts.OpTimeout,
		logger:    logger,
	}
}

// Close closes the underlying client
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks connectivity, used by the readiness probe
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

// SearchKey derives the cache key for a search request. The payload must be
// a canonical serialization of every result-affecting parameter.
func SearchKey(ownerID uuid.UUID, canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("search:%s:%s", ownerID, hex.EncodeToString(sum[:]))
}

// EmbeddingKey derives the cache key for a text embedding
func EmbeddingKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("emb:%s:%s", model, hex.EncodeToString(sum[:]))
}

// GetSearch loads a cached search response into dst. Returns false on miss
// or on any cache failure.
func (c *Cache) GetSearch(ctx context.Context, key string, dst any) bool {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("search cache read failed", "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Warn("search cache entry corrupt", "key", key, "error", err)
		return false
	}
	return true
}

// SetSearch stores a search response under key with the search TTL
func (c *Cache) SetSearch(ctx context.Context, key string, value any) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("search cache marshal failed", "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.searchTTL).Err(); err != nil {
		c.logger.Warn("search cache write failed", "error", err)
	}
}

// GetEmbedding loads a cached embedding. Returns nil on miss.
func (c *Cache) GetEmbedding(ctx context.Context, key string) []float32 {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("embedding cache read failed", "error", err)
		}
		return nil
	}
	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil {
		c.logger.Warn("embedding cache entry corrupt", "key", key, "error", err)
		return nil
	}
	return vector
}

// SetEmbedding stores an embedding under key with the embedding TTL
func (c *Cache) SetEmbedding(ctx context.Context, key string, vector []float32) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	data, err := json.Marshal(vector)
	if err != nil {
		c.logger.Warn("embedding cache marshal failed", "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.embedTTL).Err(); err != nil {
		c.logger.Warn("embedding cache write failed", "error", err)
	}
}

// InvalidateOwner drops every cached search result for an owner. Called
// whenever the owner's corpus changes so stale results cannot outlive the
// data they were computed from.
func (c *Cache) InvalidateOwner(ctx context.Context, ownerID uuid.UUID) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	pattern := fmt.Sprintf("search:%s:*", ownerID)
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 100 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn("cache invalidation failed", "owner_id", ownerID, "error", err)
				return
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("cache invalidation scan failed", "owner_id", ownerID, "error", err)
		return
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			c.logger.Warn("cache invalidation failed", "owner_id", ownerID, "error", err)
		}
	}
}
