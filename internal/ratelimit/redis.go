package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// BackendRateLimiter is the gate Engine.dispatch acquires before sending a
// request to a backend. BackendLimiter (in-process token bucket) and
// RedisBackendLimiter (shared fixed-window counter) both implement it.
type BackendRateLimiter interface {
	Acquire(ctx context.Context, backend string, noWait bool) error
}

var _ BackendRateLimiter = (*BackendLimiter)(nil)
var _ BackendRateLimiter = (*RedisBackendLimiter)(nil)

// RedisBackendLimiter enforces a requests-per-minute ceiling per backend
// shared across every process talking to the same Redis instance, using a
// fixed 1-minute window counter (INCR + EXPIRE) keyed by backend and the
// current UTC minute. Coarser than BackendLimiter's token bucket (bursts
// can cluster at a window boundary) but consistent across a fleet of
// routers fronting the same provider quota.
type RedisBackendLimiter struct {
	client *redis.Client
	keyPre string
	rpm    map[string]int
}

// NewRedisBackendLimiter creates a limiter backed by client. keyPrefix
// namespaces counters (e.g. "llmhive:ratelimit") so multiple deployments
// can share one Redis instance without colliding.
func NewRedisBackendLimiter(client *redis.Client, keyPrefix string) *RedisBackendLimiter {
	if keyPrefix == "" {
		keyPrefix = "llmhive:ratelimit"
	}
	return &RedisBackendLimiter{client: client, keyPre: keyPrefix, rpm: make(map[string]int)}
}

// Configure sets the requests-per-minute ceiling for backend.
func (r *RedisBackendLimiter) Configure(backend string, rpmLimit int) {
	r.rpm[backend] = rpmLimit
}

// Acquire increments backend's counter for the current minute window and
// fails once the configured ceiling is exceeded. noWait and blocking
// behave identically here: a full window cannot be waited out usefully
// within a single request's timeout, so Acquire never sleeps — it either
// succeeds immediately or returns ErrWouldBlock. Redis errors fail open
// (unthrottled) so a cache outage never wedges request traffic.
func (r *RedisBackendLimiter) Acquire(ctx context.Context, backend string, noWait bool) error {
	limit, ok := r.rpm[backend]
	if !ok || limit <= 0 {
		return nil
	}

	key := fmt.Sprintf("%s:%s:%d", r.keyPre, backend, time.Now().UTC().Unix()/60)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return nil
	}
	if count == 1 {
		r.client.Expire(ctx, key, 90*time.Second)
	}
	if count > int64(limit) {
		return ErrWouldBlock
	}
	return nil
}
