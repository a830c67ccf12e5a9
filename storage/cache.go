package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueryCache caches query API responses in redis. Entries only expire by TTL, so callers
// cache per-video results that do not change once written, never lecture-wide listings.
// A nil *QueryCache is a valid no-op cache.
type QueryCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewQueryCache connects to redis; an empty addr disables caching.
func NewQueryCache(ctx context.Context, addr string, db int, ttl time.Duration) (*QueryCache, error) {
	if addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &QueryCache{rdb: rdb, ttl: ttl}, nil
}

// GetJSON decodes a cached value into dst and reports whether it was present.
func (c *QueryCache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	if c == nil {
		return false, nil
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (c *QueryCache) SetJSON(ctx context.Context, key string, v any) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, c.ttl).Err()
}

// Ping checks the redis connection.
func (c *QueryCache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *QueryCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
