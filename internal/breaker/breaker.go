// Package breaker implements the per-backend circuit breaker state machine.
// Breaker state is process-wide: it reflects backend health, not per-caller
// state, so every concurrent request observes the same breaker.
package breaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

// Breaker states.
const (
	Closed   State = iota // normal operation, calls pass through
	Open                  // calls skipped, traffic routes to the fallback
	HalfOpen              // one trial call allowed to test recovery
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker trips open after Threshold consecutive failures inside Window.
// Thread-safe: all state transitions hold a mutex.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  []time.Time // consecutive failure timestamps, pruned to window
	threshold int
	window    time.Duration
	cooldown  time.Duration // how long to stay open before half-open
	lastTrip  time.Time
	probing   bool             // a half-open trial call is in flight
	now       func() time.Time // injectable clock for testing
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive-failure count that trips the breaker.
func WithThreshold(n int) Option {
	return func(b *Breaker) { b.threshold = n }
}

// WithWindow sets the sliding window failures must fall within to count.
func WithWindow(d time.Duration) Option {
	return func(b *Breaker) { b.window = d }
}

// WithCooldown sets how long the breaker stays open before allowing a trial.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) { b.cooldown = d }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(b *Breaker) { b.now = fn }
}

// New creates a breaker with the pipeline defaults: 5 failures within 60s
// to open, 30s cooldown before a half-open trial.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:     Closed,
		threshold: 5,
		window:    60 * time.Second,
		cooldown:  30 * time.Second,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	return b.state
}

// Allow checks whether a call may go to the backend. In half-open state only
// a single trial call is admitted until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	switch b.state {
	case Open:
		return false
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call. A success in half-open closes the
// breaker; a success while closed clears the consecutive-failure run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failures = b.failures[:0]
		b.probing = false
	case Closed:
		b.failures = b.failures[:0]
	}
}

// RecordFailure records a failed call and trips the breaker once the
// consecutive-failure count inside the window reaches the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	switch b.state {
	case Closed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.threshold {
			b.state = Open
			b.lastTrip = now
			b.failures = b.failures[:0]
		}
	case HalfOpen:
		// The trial call failed; back to open for another cooldown.
		b.state = Open
		b.lastTrip = now
		b.probing = false
	}
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = b.failures[:0]
	b.probing = false
}

// prune drops failures older than the window. Must be called with mu held.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

// maybeTransition moves an open breaker to half-open once the cooldown has
// elapsed. Must be called with mu held.
func (b *Breaker) maybeTransition() {
	if b.state == Open && b.now().Sub(b.lastTrip) >= b.cooldown {
		b.state = HalfOpen
		b.probing = false
	}
}
