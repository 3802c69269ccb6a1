// Package upstream wraps calls to external collaborators (price feed, FX
// rates) with a circuit breaker and retry with exponential backoff.
package upstream

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a breaker position. The values double as the metrics gauge.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name        string
	State       State
	Failures    int
	Trips       int
	LastFailure time.Time
}

// CircuitBreaker guards one upstream. It opens after maxFailures consecutive
// failures and rejects calls for resetTimeout. After that a single probe runs
// while other callers are still rejected; its outcome closes or reopens the
// breaker.
type CircuitBreaker struct {
	Name string

	mu           sync.Mutex
	state        State
	failures     int
	trips        int
	probing      bool
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time

	// OnStateChange is called on every transition, under the breaker lock.
	OnStateChange func(name string, from, to State)
	// IsFailure decides whether an error counts against the upstream.
	// Defaults to every error except context cancellation.
	IsFailure func(error) bool
	// Now is the breaker's clock. Defaults to time.Now.
	Now func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		Name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		IsFailure:    countable,
		Now:          time.Now,
	}
}

func countable(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Execute runs fn through the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(probe, err)
	return err
}

// ExecuteContext is Execute for context-aware calls; a done ctx is rejected
// before the breaker is consulted.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return cb.Execute(func() error { return fn(ctx) })
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		if cb.Now().Sub(cb.lastFailure) <= cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
		return true, nil
	case StateHalfOpen:
		if cb.probing {
			return false, ErrCircuitOpen
		}
		cb.probing = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if probe {
		cb.probing = false
	}
	failed := err != nil && cb.IsFailure(err)
	switch {
	case failed:
		cb.failures++
		cb.lastFailure = cb.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.transition(StateOpen)
		}
	case err != nil:
		// Not the upstream's fault; a probe leaves the breaker half-open.
	default:
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
		cb.failures = 0
	}
}

// CurrentState returns the breaker state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns the breaker's counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:        cb.Name,
		State:       cb.state,
		Failures:    cb.failures,
		Trips:       cb.trips,
		LastFailure: cb.lastFailure,
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	switch to {
	case StateClosed:
		cb.failures = 0
	case StateOpen:
		cb.trips++
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(cb.Name, from, to)
	}
}
