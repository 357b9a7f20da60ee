// Package resilience guards the two genuinely flaky external dependencies
// in this system — the LLM collaborator and the session repository —
// behind a three-state circuit breaker, the same pattern the rest of this
// codebase uses for its external service calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen           = errors.New("circuit breaker is open")
	ErrTooManyRequests       = errors.New("circuit breaker: too many concurrent requests")
	ErrCircuitBreakerTimeout = errors.New("circuit breaker: retry attempts exhausted")
)

// CBConfig configures a CircuitBreaker's thresholds and the maximum number
// of requests it allows in flight while HalfOpen.
type CBConfig struct {
	FailureThreshold      int
	SuccessThreshold      int
	Timeout               time.Duration
	MaxConcurrentRequests int
	OnStateChange         func(name string, from, to State)
}

// DefaultCBConfig returns thresholds suited to an LLM or repository call:
// five consecutive failures trip the breaker, two consecutive successes
// while half-open close it again, and a 30s cooldown before probing.
func DefaultCBConfig() CBConfig {
	return CBConfig{
		FailureThreshold:      5,
		SuccessThreshold:      2,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 100,
	}
}

// Validate reports a configuration error for non-positive thresholds.
func (c *CBConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("resilience: FailureThreshold must be positive")
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("resilience: SuccessThreshold must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("resilience: Timeout must be positive")
	}
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = 100
	}
	return nil
}

// CBStats is a point-in-time snapshot of a CircuitBreaker's counters.
type CBStats struct {
	State            State
	TotalRequests    int64
	TotalFailures    int64
	TotalSuccesses   int64
	ConsecutiveFails int
	StateChangedAt   time.Time
}

// CircuitBreaker implements the classic closed/open/half-open state
// machine around an arbitrary fallible operation.
type CircuitBreaker struct {
	name   string
	config CBConfig

	mu               sync.Mutex
	state            State
	consecutiveFails int
	consecutiveOK    int
	inFlight         int
	stateChangedAt   time.Time
	totalRequests    int64
	totalFailures    int64
	totalSuccesses   int64
}

// MustNewCircuitBreaker panics if config is invalid; useful at process
// wiring time where an invalid config is a programming error.
func MustNewCircuitBreaker(name string, config CBConfig) *CircuitBreaker {
	cb, err := NewCircuitBreaker(name, config)
	if err != nil {
		panic(err)
	}
	return cb
}

// NewCircuitBreaker constructs a CircuitBreaker in the Closed state.
func NewCircuitBreaker(name string, config CBConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &CircuitBreaker{
		name:           name,
		config:         config,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}, nil
}

func (cb *CircuitBreaker) Name() string    { return cb.name }
func (cb *CircuitBreaker) Config() CBConfig { return cb.config }

// Execute runs fn, subject to the circuit breaker's admission control.
// fn is run in its own goroutine so a panic inside it is recovered and
// turned into an error rather than crashing the caller; ctx cancellation
// races against fn's completion.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("resilience: recovered panic: %v", r)
			}
		}()
		done <- fn()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.stateChangedAt) > cb.config.Timeout {
			cb.setStateLocked(StateHalfOpen)
		} else {
			return ErrCircuitOpen
		}
	case StateHalfOpen:
		if cb.inFlight >= cb.config.MaxConcurrentRequests {
			return ErrTooManyRequests
		}
	}

	cb.inFlight++
	cb.totalRequests++
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.inFlight--

	if err != nil {
		cb.onFailureLocked()
		return
	}
	cb.onSuccessLocked()
}

func (cb *CircuitBreaker) onFailureLocked() {
	cb.totalFailures++
	cb.consecutiveFails++
	cb.consecutiveOK = 0

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFails >= cb.config.FailureThreshold {
			cb.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.setStateLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccessLocked() {
	cb.totalSuccesses++
	cb.consecutiveFails = 0
	cb.consecutiveOK++

	if cb.state == StateHalfOpen && cb.consecutiveOK >= cb.config.SuccessThreshold {
		cb.setStateLocked(StateClosed)
	}
}

func (cb *CircuitBreaker) setStateLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateChangedAt = time.Now()
	cb.consecutiveFails = 0
	cb.consecutiveOK = 0
	if cb.config.OnStateChange != nil {
		name, cb2 := cb.name, to
		go cb.config.OnStateChange(name, from, cb2)
	}
}

// StateEnum returns the current state.
func (cb *CircuitBreaker) StateEnum() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() CBStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CBStats{
		State:            cb.state,
		TotalRequests:    cb.totalRequests,
		TotalFailures:    cb.totalFailures,
		TotalSuccesses:   cb.totalSuccesses,
		ConsecutiveFails: cb.consecutiveFails,
		StateChangedAt:   cb.stateChangedAt,
	}
}

// Reset forces the breaker back to Closed, clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setStateLocked(StateClosed)
	cb.totalRequests, cb.totalFailures, cb.totalSuccesses = 0, 0, 0
}
