package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript atomically resets-or-increments a bucket. KEYS[1] is
// the bucket key; ARGV[1] is windowMs; ARGV[2] is now (epoch-ms).
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local windowMs = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

local state = redis.call("HMGET", key, "count", "windowStart")
local count = tonumber(state[1])
local windowStart = tonumber(state[2])

if not count or not windowStart or (now - windowStart) > windowMs then
    count = 0
    windowStart = now
end

count = count + 1
redis.call("HMSET", key, "count", count, "windowStart", windowStart)
redis.call("PEXPIRE", key, windowMs * 2)

return {count, windowStart}
`)

// RedisStore backs the sliding window with a shared Redis instance so
// multiple mesh nodes enforce a consistent limit.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisStore connects a sliding-window store to addr.
func NewRedisStore(ctx context.Context, addr, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ctx:    ctx,
	}
}

func (s *RedisStore) Increment(key string, windowMs int64) (int, int64, error) {
	now := time.Now().UnixMilli()
	res, err := slidingWindowScript.Run(s.ctx, s.client, []string{"ratelimit:" + key}, windowMs, now).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ratelimit redis: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return 0, 0, fmt.Errorf("ratelimit redis: unexpected script result")
	}
	count, _ := results[0].(int64)
	windowStart, _ := results[1].(int64)
	return int(count), windowStart, nil
}
