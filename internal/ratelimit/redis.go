package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed window.lua
var windowLuaScript string

// RedisCounter is a shared fixed-window counter for multi-instance
// deployments. Increment and TTL arming run in one Lua script, so concurrent
// callers across instances agree on the window boundary.
type RedisCounter struct {
	client *redis.Client
	script *redis.Script
}

// NewRedisCounter creates a counter over client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{
		client: client,
		script: redis.NewScript(windowLuaScript),
	}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	result, err := c.script.Run(ctx, c.client, []string{"ratelimit:" + key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ratelimit: run window script: %w", err)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) < 2 {
		return 0, 0, fmt.Errorf("ratelimit: unexpected script response %T", result)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("ratelimit: unexpected count type %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("ratelimit: unexpected ttl type %T", values[1])
	}
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

var _ Counter = (*RedisCounter)(nil)
