package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "solmatch:emb:"

// RedisCache is a Cache shared across processes via Redis. Backend errors
// degrade to cache misses; they are logged but never surfaced to callers.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration // 0 means no expiry
	logger *zap.Logger
}

// NewRedisCache connects to Redis and returns a shared embedding cache.
func NewRedisCache(redisURL string, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{rdb: rdb, ttl: ttl, logger: logger}, nil
}

// Get returns the cached vector for key, if present.
func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis cache get failed", zap.Error(err))
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		c.logger.Warn("redis cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return vec, true
}

// Put stores the vector under key. SET replaces the value atomically, so
// concurrent writers of the same key cannot interleave partial entries.
func (c *RedisCache) Put(ctx context.Context, key string, vector []float32) {
	data, err := json.Marshal(vector)
	if err != nil {
		c.logger.Warn("redis cache marshal failed", zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, redisKeyPrefix+key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("redis cache put failed", zap.Error(err))
	}
}

// Close shuts down the Redis connection.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
