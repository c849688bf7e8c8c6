package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the distributed cache backend option: entries live in a
// shared Redis instance instead of process memory, so mesh nodes observe
// the same cache hits.
type RedisCache struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisCache connects a distributed cache backend to addr.
func NewRedisCache(ctx context.Context, addr, password string, db int) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ctx:    ctx,
	}
}

// Get returns the cached value for (name, input), if present.
func (r *RedisCache) Get(name string, input any) (any, bool, error) {
	key, err := Fingerprint(name, input)
	if err != nil {
		return nil, false, err
	}
	raw, err := r.client.Get(r.ctx, "cache:"+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache redis get: %w", err)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, fmt.Errorf("cache redis decode: %w", err)
	}
	return value, true, nil
}

// Set stores value under (name, input)'s fingerprint with the given TTL.
func (r *RedisCache) Set(name string, input any, value any, ttl time.Duration) error {
	key, err := Fingerprint(name, input)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache redis encode: %w", err)
	}
	if err := r.client.Set(r.ctx, "cache:"+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache redis set: %w", err)
	}
	return nil
}

// Invalidate removes a single key.
func (r *RedisCache) Invalidate(name string, input any) error {
	key, err := Fingerprint(name, input)
	if err != nil {
		return err
	}
	return r.client.Del(r.ctx, "cache:"+key).Err()
}
