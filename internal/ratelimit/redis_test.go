package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func TestRedisBackendLimiter_AllowsUnderCeiling(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	lim := NewRedisBackendLimiter(client, "test")
	lim.Configure("openai", 3)

	for i := 0; i < 3; i++ {
		assert.NoError(t, lim.Acquire(context.Background(), "openai", true))
	}
}

func TestRedisBackendLimiter_RejectsOverCeiling(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	lim := NewRedisBackendLimiter(client, "test")
	lim.Configure("openai", 2)

	require.NoError(t, lim.Acquire(context.Background(), "openai", true))
	require.NoError(t, lim.Acquire(context.Background(), "openai", true))
	assert.ErrorIs(t, lim.Acquire(context.Background(), "openai", true), ErrWouldBlock)
}

func TestRedisBackendLimiter_UnconfiguredBackendUnthrottled(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	lim := NewRedisBackendLimiter(client, "test")
	for i := 0; i < 50; i++ {
		assert.NoError(t, lim.Acquire(context.Background(), "unconfigured", true))
	}
}

func TestRedisBackendLimiter_FailsOpenWhenRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	defer client.Close()

	lim := NewRedisBackendLimiter(client, "test")
	lim.Configure("openai", 1)
	assert.NoError(t, lim.Acquire(context.Background(), "openai", true))
}

func TestRedisBackendLimiter_SatisfiesBackendRateLimiterInterface(t *testing.T) {
	var _ BackendRateLimiter = (*RedisBackendLimiter)(nil)
}
