package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// ErrWouldBlock is returned by BackendLimiter.Acquire when NoWait is
// requested and the backend's bucket has no tokens available right now.
var ErrWouldBlock = fmt.Errorf("rate_limited: backend token bucket empty")

// BackendLimiter is a per-backend token bucket: capacity equals the
// backend's requests-per-minute limit, refilled continuously at
// rpm/60 tokens per second. Acquire serializes callers for a single
// backend one at a time (single-writer), matching how a shared resource
// like an HTTP connection pool to one provider must be drained in order.
type BackendLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rpm      map[string]int
}

// NewBackendLimiter creates an empty per-backend limiter registry.
func NewBackendLimiter() *BackendLimiter {
	return &BackendLimiter{
		limiters: make(map[string]*rate.Limiter),
		rpm:      make(map[string]int),
	}
}

// Configure sets (or updates) the requests-per-minute ceiling for a backend.
// Capacity is rpmLimit tokens; refill rate is rpmLimit/60 tokens/sec.
func (b *BackendLimiter) Configure(backend string, rpmLimit int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rpm[backend] = rpmLimit
	b.limiters[backend] = rate.NewLimiter(rate.Limit(float64(rpmLimit)/60.0), rpmLimit)
}

// Acquire blocks (sleeping, not busy-waiting) until one token is available
// for backend, or ctx is cancelled. If noWait is true and no token is
// immediately available, it returns ErrWouldBlock instead of sleeping.
func (b *BackendLimiter) Acquire(ctx context.Context, backend string, noWait bool) error {
	lim := b.limiterFor(backend)
	if lim == nil {
		return nil // unconfigured backends are unthrottled
	}
	if noWait {
		if !lim.Allow() {
			return ErrWouldBlock
		}
		return nil
	}
	return lim.Wait(ctx)
}

// Tokens reports the current token count available for backend (may be
// fractional, and may exceed capacity momentarily per the x/time/rate model
// before the next Allow/Wait call reconciles it).
func (b *BackendLimiter) Tokens(backend string) float64 {
	lim := b.limiterFor(backend)
	if lim == nil {
		return 0
	}
	return lim.Tokens()
}

// RPM returns the configured requests-per-minute ceiling for backend, or 0
// if unconfigured.
func (b *BackendLimiter) RPM(backend string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rpm[backend]
}

func (b *BackendLimiter) limiterFor(backend string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limiters[backend]
}
