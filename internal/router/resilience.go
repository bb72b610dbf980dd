package router

import (
	"context"
	"fmt"

	"github.com/llmhive/llmhive/internal/circuitbreaker"
	"github.com/llmhive/llmhive/internal/ratelimit"
)

// SetBackendLimiter attaches a per-backend rate limiter. When set, every
// adapter dispatch acquires a token for the model's provider ID before the
// request goes out. With the in-process token bucket, callers that exceed
// the configured requests-per-minute ceiling wait for a token; the
// Redis-backed limiter rejects them with a rate-limited error instead.
func (e *Engine) SetBackendLimiter(l ratelimit.BackendRateLimiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limiter = l
}

// ConfigureBreaker installs circuit breaker options for a specific backend.
// Call before traffic starts; the breaker itself is created lazily on first
// dispatch to that backend.
func (e *Engine) ConfigureBreaker(backend string, opts ...circuitbreaker.Option) {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	if e.breakerOpts == nil {
		e.breakerOpts = make(map[string][]circuitbreaker.Option)
	}
	e.breakerOpts[backend] = opts
}

// breakerFor returns the circuit breaker for a backend, creating one with
// its configured (or default) options on first use.
func (e *Engine) breakerFor(backend string) *circuitbreaker.Breaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	if e.breakers == nil {
		e.breakers = make(map[string]*circuitbreaker.Breaker)
	}
	b, ok := e.breakers[backend]
	if !ok {
		b = circuitbreaker.New(e.breakerOpts[backend]...)
		e.breakers[backend] = b
	}
	return b
}

// dispatch sends req to modelID via adapter, gated by that model's backend
// circuit breaker and rate limiter. It records the outcome on the breaker
// so repeated failures trip the breaker before a caller's own retry/escalate
// logic wastes another round trip on a backend known to be down.
func (e *Engine) dispatch(ctx context.Context, adapter Sender, providerID, modelID string, req Request) (ProviderResponse, error) {
	breaker := e.breakerFor(providerID)
	if !breaker.Allow() {
		return nil, &ClassifiedError{
			Err:   fmt.Errorf("circuit breaker open for backend %q", providerID),
			Class: ErrTransient,
		}
	}

	if e.limiter != nil {
		if err := e.limiter.Acquire(ctx, providerID, false); err != nil {
			return nil, &ClassifiedError{Err: err, Class: ErrRateLimited}
		}
	}

	resp, err := adapter.Send(ctx, modelID, req)
	if err != nil {
		breaker.RecordFailure()
		return nil, err
	}
	breaker.RecordSuccess()
	return resp, nil
}
