// Package circuitbreaker stops capturing a resolved URL that keeps failing
// until a cooldown passes, so one dead site does not hold a worker for a
// full navigation timeout on every trigger.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type targetState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker tracks consecutive capture failures per resolved URL.
// A threshold of zero or less disables it: Allow always succeeds.
type CircuitBreaker struct {
	mu        sync.Mutex
	targets   map[string]*targetState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		targets:   make(map[string]*targetState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock sets the time source. Used by tests.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

func (cb *CircuitBreaker) Enabled() bool {
	return cb != nil && cb.threshold > 0
}

// Allow reports whether a capture of target may proceed. After the cooldown
// exactly one trial request is let through; its outcome closes or re-opens the circuit.
func (cb *CircuitBreaker) Allow(target string) error {
	if !cb.Enabled() {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.targets[target]
	if !ok {
		return nil
	}

	switch s.state {
	case stateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(target string) {
	if !cb.Enabled() {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Closed with no failures is the zero state; forget the target.
	delete(cb.targets, target)
}

func (cb *CircuitBreaker) RecordFailure(target string) {
	if !cb.Enabled() {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.targets[target]
	if !ok {
		s = &targetState{}
		cb.targets[target] = s
	}

	s.consecutiveFailures++
	if s.state == stateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = cb.clock()
	}
}
