package llm

import (
	"context"

	"github.com/atoms-tech/maice/internal/resilience"
)

// ResilientClient guards a Client's call-setup path with a circuit
// breaker, tripping after repeated provider failures so agent runtimes
// fail fast with merr.NewTransient instead of queuing requests a known-
// down provider will only time out on. It only guards the synchronous
// GenerateStream call, not the token stream itself, since the circuit
// breaker's Execute contract is a single pass/fail outcome per call.
type ResilientClient struct {
	inner Client
	cb    *resilience.CircuitBreaker
}

func NewResilientClient(inner Client, cb *resilience.CircuitBreaker) *ResilientClient {
	return &ResilientClient{inner: inner, cb: cb}
}

func (r *ResilientClient) GenerateStream(ctx context.Context, prompt string, stopSequences []string, maxTokens int) (<-chan Chunk, error) {
	var out <-chan Chunk
	err := r.cb.Execute(ctx, func() error {
		ch, err := r.inner.GenerateStream(ctx, prompt, stopSequences, maxTokens)
		if err != nil {
			return err
		}
		out = ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
