// Package cbreaker guards calls to a single remote peer.
package cbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shrtyk/raft-showtimes/api"
)

var ErrOpenState = errors.New("circuit breaker is in open state")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

type Option func(*CircuitBreaker)

// WithFailurePredicate decides which errors count against the peer. Errors
// it rejects are still returned to the caller but leave the breaker alone.
func WithFailurePredicate(isFailure func(error) bool) Option {
	return func(cb *CircuitBreaker) { cb.isFailure = isFailure }
}

// WithStateHook is called, under the breaker lock, on every transition.
func WithStateHook(hook func(from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onChange = hook }
}

type CircuitBreaker struct {
	mu    sync.RWMutex
	state State

	consecutiveFailures  int
	consecutiveSuccesses int
	trialRunning         bool

	failureThreshold int
	successThreshold int

	resetTimeout time.Duration
	nextTrialAt  time.Time

	isFailure func(error) bool
	onChange  func(from, to State)
}

func NewCircuitBreaker(failureThreshold, successThreshold int, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            Closed,
		failureThreshold: max(failureThreshold, 1),
		successThreshold: max(successThreshold, 1),
		resetTimeout:     resetTimeout,
		isFailure:        func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func FromConfig(cfg api.CircuitBreakerCfg, opts ...Option) *CircuitBreaker {
	return NewCircuitBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.ResetTimeout, opts...)
}

// Do runs call unless the breaker is open. While half-open a single trial call is
// let through at a time; concurrent callers fail fast with ErrOpenState.
func Do[Response any](ctx context.Context, cb *CircuitBreaker, call func(context.Context) (Response, error)) (resp Response, err error) {
	if err := cb.admit(); err != nil {
		return resp, err
	}
	resp, err = call(ctx)
	cb.record(err)
	return resp, err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Open:
		if time.Now().Before(cb.nextTrialAt) {
			return ErrOpenState
		}
		cb.transition(HalfOpen)
		cb.consecutiveSuccesses = 0
		cb.trialRunning = true
	case HalfOpen:
		if cb.trialRunning {
			return ErrOpenState
		}
		cb.trialRunning = true
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasTrial := cb.state == HalfOpen
	if wasTrial {
		cb.trialRunning = false
	}

	if err != nil && cb.isFailure(err) {
		cb.consecutiveSuccesses = 0
		if wasTrial {
			cb.trip()
			return
		}
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.trip()
		}
		return
	}

	if wasTrial {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.successThreshold {
			cb.transition(Closed)
			cb.consecutiveFailures = 0
			cb.consecutiveSuccesses = 0
		}
		return
	}
	cb.consecutiveFailures = 0
}

// IsClosed reports whether calls are currently let through.
func (cb *CircuitBreaker) IsClosed() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state != Open
}

func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *CircuitBreaker) trip() {
	cb.transition(Open)
	cb.nextTrialAt = time.Now().Add(cb.resetTimeout)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if from != to && cb.onChange != nil {
		cb.onChange(from, to)
	}
}
