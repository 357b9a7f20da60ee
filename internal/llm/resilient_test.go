package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atoms-tech/maice/internal/resilience"
)

type fakeClient struct {
	ch  chan Chunk
	err error
}

func (f *fakeClient) GenerateStream(ctx context.Context, prompt string, stopSequences []string, maxTokens int) (<-chan Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ch, nil
}

func newTestBreaker(t *testing.T) *resilience.CircuitBreaker {
	t.Helper()
	cfg := resilience.DefaultCBConfig()
	cfg.FailureThreshold = 2
	return resilience.MustNewCircuitBreaker("llm-test", cfg)
}

func TestResilientClientPassesThroughOnSuccess(t *testing.T) {
	ch := make(chan Chunk, 1)
	ch <- Chunk{Content: "hello"}
	close(ch)

	inner := &fakeClient{ch: ch}
	rc := NewResilientClient(inner, newTestBreaker(t))

	out, err := rc.GenerateStream(context.Background(), "prompt", nil, 10)
	require.NoError(t, err)

	chunk, ok := <-out
	require.True(t, ok)
	assert.Equal(t, "hello", chunk.Content)
}

func TestResilientClientTripsAfterRepeatedFailures(t *testing.T) {
	inner := &fakeClient{err: errors.New("provider unavailable")}
	rc := NewResilientClient(inner, newTestBreaker(t))

	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = rc.GenerateStream(context.Background(), "prompt", nil, 10)
	}

	require.Error(t, lastErr)
	assert.ErrorIs(t, lastErr, resilience.ErrCircuitOpen)
}
