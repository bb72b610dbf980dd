// Package circuitbreaker implements a thread-safe circuit breaker for
// per-backend dispatch. When a backend starts failing, the breaker trips
// after a configurable number of consecutive failures and skips that
// backend entirely for a cooldown period before letting a limited number
// of half-open probes back through.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the current state of the circuit breaker.
type State int

const (
	// Closed is the normal operating state: requests are dispatched to the backend.
	Closed State = iota
	// Open means the circuit has tripped: requests bypass the backend entirely.
	Open
	// HalfOpen allows a limited number of probe requests through to test recovery.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold    = 3
	defaultCooldown     = 60 * time.Second
	defaultHalfOpenMax  = 2
)

// Breaker is a goroutine-safe circuit breaker that tracks consecutive
// backend failures and transitions between Closed, Open, and HalfOpen.
//
// HalfOpen requires halfOpenMax consecutive probe successes, in order,
// before the circuit closes again; a single probe failure reopens it.
type Breaker struct {
	mu                    sync.Mutex
	state                 State
	failureCount          int
	failureThreshold      int
	cooldown              time.Duration
	halfOpenMax           int
	halfOpenProbesOK      int
	halfOpenProbeInFlight bool
	lastTripped           time.Time
	onStateChange         func(from, to State)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the number of consecutive failures required to trip
// the breaker from Closed to Open. The default is 3.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays Open before transitioning to
// HalfOpen. The default is 60 seconds.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithHalfOpenMax sets how many consecutive probe successes are required,
// in HalfOpen, before the breaker transitions back to Closed. The default
// is 2.
func WithHalfOpenMax(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.halfOpenMax = n
		}
	}
}

// WithOnStateChange registers a callback that fires on every state
// transition. The callback is invoked while the breaker's mutex is held,
// so it must not call back into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// New creates a Breaker in the Closed state with the given options.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:            Closed,
		failureThreshold: defaultThreshold,
		cooldown:         defaultCooldown,
		halfOpenMax:      defaultHalfOpenMax,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the next request should be dispatched to the backend.
//
// In Closed state it always returns true. In Open state it returns false
// unless the cooldown has elapsed, in which case it transitions to HalfOpen
// and returns true for the first probe. In HalfOpen it returns true only
// while no probe is currently in flight (probes run one at a time).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.nowFunc().After(b.lastTripped.Add(b.cooldown)) {
			b.setState(HalfOpen)
			b.halfOpenProbesOK = 0
			b.halfOpenProbeInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenProbeInFlight {
			return false
		}
		b.halfOpenProbeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful backend call. In HalfOpen it counts the
// probe as a success; once halfOpenMax consecutive probes have succeeded the
// breaker closes. In Closed it resets the consecutive failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == HalfOpen {
		b.halfOpenProbeInFlight = false
		b.halfOpenProbesOK++
		if b.halfOpenProbesOK >= b.halfOpenMax {
			b.setState(Closed)
		}
	}
}

// RecordFailure records a backend failure. In Closed it increments the
// consecutive failure counter and trips the breaker once the threshold is
// reached. In HalfOpen, any probe failure immediately reopens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++

	switch b.state {
	case Closed:
		if b.failureCount >= b.failureThreshold {
			b.setState(Open)
			b.lastTripped = b.nowFunc()
		}
	case HalfOpen:
		b.halfOpenProbeInFlight = false
		b.setState(Open)
		b.lastTripped = b.nowFunc()
	}
}

// CurrentState returns the current breaker state. In Open state this does
// NOT check the cooldown timer; use Allow() for that.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState transitions the breaker and fires the callback if registered.
// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
