package resilience

import (
	"context"
	"sync"
	"time"
)

// Registry keeps a named circuit breaker per downstream dependency
// (one per LLM model, one for the repository, etc) so callers don't have
// to thread breakers through every function signature by hand.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   CBConfig
}

// NewRegistry creates a Registry that lazily constructs breakers using
// defaultConfig the first time a name is requested.
func NewRegistry(defaultConfig CBConfig) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), config: defaultConfig}
}

// GetOrCreate returns the breaker registered under name, creating one on
// first access.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}
	cb = MustNewCircuitBreaker(name, r.config)
	r.breakers[name] = cb
	return cb
}

// Execute runs fn through the named breaker.
func (r *Registry) Execute(ctx context.Context, name string, fn func() error) error {
	return r.GetOrCreate(name).Execute(ctx, fn)
}

// Register adds an already-constructed breaker under name, for callers
// that need a configuration other than the Registry's default (repository
// writes use a tighter failure threshold than the LLM client, for
// instance). A later GetOrCreate(name) returns this breaker rather than
// constructing a new one.
func (r *Registry) Register(name string, cb *CircuitBreaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[name] = cb
}

// HealthSummary buckets every registered breaker by state, for the
// detailed health endpoint.
type HealthSummary struct {
	Healthy   []string
	Degraded  []string
	Unhealthy []string
}

func (r *Registry) HealthSummary() HealthSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := HealthSummary{Healthy: []string{}, Degraded: []string{}, Unhealthy: []string{}}
	for name, cb := range r.breakers {
		switch cb.StateEnum() {
		case StateClosed:
			summary.Healthy = append(summary.Healthy, name)
		case StateHalfOpen:
			summary.Degraded = append(summary.Degraded, name)
		case StateOpen:
			summary.Unhealthy = append(summary.Unhealthy, name)
		}
	}
	return summary
}

// RetryConfig configures ExecuteWithRetry's backoff.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig matches the AgentRuntime retry policy's shape
// (though AgentRuntime uses its own jittered schedule — this default is
// for ad-hoc retries around repository calls that don't go through the
// bus).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, BackoffFactor: 2.0}
}

// ExecuteWithRetry runs fn through cb, retrying with exponential backoff
// unless the breaker itself is open (no point hammering an open breaker).
func ExecuteWithRetry(ctx context.Context, cb *CircuitBreaker, cfg RetryConfig, fn func() error) error {
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = cb.Execute(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if lastErr == ErrCircuitOpen {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}

// FallbackFunc produces a substitute value when the primary operation's
// circuit is open or its call fails.
type FallbackFunc[T any] func() (T, error)

// ExecuteWithFallback runs fn through cb and falls back to fallback on
// any failure, including an open circuit.
func ExecuteWithFallback[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error), fallback FallbackFunc[T]) (T, error) {
	var result T
	var fnErr error

	err := cb.Execute(ctx, func() error {
		result, fnErr = fn()
		return fnErr
	})
	if err != nil {
		if fallback != nil {
			return fallback()
		}
		return result, err
	}
	return result, nil
}
