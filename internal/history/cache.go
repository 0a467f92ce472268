package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache fronts the analytics queries with Redis. A nil *Cache is valid and
// disables caching, so tests and small deployments can skip Redis entirely.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

func NewCache(client *redis.Client, logger *zap.Logger) *Cache {
	return &Cache{client: client, logger: logger}
}

// Get loads a cached value into dest; the second return is a hit flag.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil {
		return false, nil
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores a value with a TTL. Failures are logged, not returned; a cache
// write must never fail an analytics query.
func (c *Cache) Set(ctx context.Context, key string, val any, ttl time.Duration) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(val)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateUser removes every cached analytics result for one user.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) {
	if c == nil {
		return
	}
	pattern := namespacePrefix(userID) + "*"
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.logger.Warn("cache scan failed", zap.String("pattern", pattern), zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn("cache delete failed", zap.Error(err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func namespacePrefix(userID string) string {
	return "analytics:" + userID + ":"
}

// cacheKey builds `analytics:{user_id}:{hash(params)}`.
func cacheKey(userID string, params ...any) string {
	h := fnv.New64a()
	for _, p := range params {
		fmt.Fprintf(h, "%v|", p)
	}
	return fmt.Sprintf("%s%x", namespacePrefix(userID), h.Sum64())
}
