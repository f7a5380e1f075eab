// Package breaker implements a threshold/cooldown circuit breaker guarding
// outbound channel sends (§4.11).
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker's current posture.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrChannelUnavailable is returned by Allow when the breaker is open and
// no probe attempt is currently permitted.
var ErrChannelUnavailable = errors.New("breaker: ChannelUnavailable")

// Breaker is safe for concurrent use.
type Breaker struct {
	mu              sync.Mutex
	threshold       int
	recovery        time.Duration
	consecutiveFail int
	state           State
	openedAt        time.Time
	now             func() time.Time
}

// Option configures a Breaker at construction.
type Option func(*Breaker)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a Breaker with the standard defaults (threshold 3, recovery 30s)
// unless overridden.
func New(threshold int, recovery time.Duration, opts ...Option) *Breaker {
	if threshold < 1 {
		threshold = 3
	}
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	b := &Breaker{
		threshold: threshold,
		recovery:  recovery,
		state:     StateClosed,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether a send attempt may proceed right now. It returns
// ErrChannelUnavailable while open and before the recovery window elapses;
// once elapsed it permits exactly one half-open probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.recovery {
			b.state = StateHalfOpen
			return nil
		}
		return ErrChannelUnavailable
	case StateHalfOpen:
		// A probe is already in flight; reject concurrent callers until it
		// resolves via RecordSuccess/RecordFailure.
		return ErrChannelUnavailable
	}
	return nil
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail = 0
	b.state = StateClosed
}

// RecordFailure records a send failure. In closed state it opens the
// breaker once the threshold of consecutive failures is reached; in
// half-open state any failure reopens it and resets the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		return
	case StateClosed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateOpen:
		b.openedAt = b.now()
	}
}

// State reports the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
