package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atoms-tech/maice/internal/resilience"
)

type fakeCheck struct {
	err   error
	calls int32
}

func (f *fakeCheck) Check(ctx context.Context) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

func TestRunAggregatesUpWhenAllChecksPass(t *testing.T) {
	c := New(nil, nil, nil)
	c.checks = map[string]Check{} // drop the default memory check for a deterministic fixture
	c.RegisterCheck("ok-one", &fakeCheck{})
	c.RegisterCheck("ok-two", &fakeCheck{})

	report := c.Run(context.Background())
	assert.Equal(t, StatusUp, report.Overall)
	require.Len(t, report.Checks, 2)
	for _, r := range report.Checks {
		assert.Equal(t, StatusUp, r.Status)
	}
}

func TestRunReportsOverallDownWhenAnyCheckFails(t *testing.T) {
	c := New(nil, nil, nil)
	c.checks = map[string]Check{}
	c.RegisterCheck("ok", &fakeCheck{})
	c.RegisterCheck("broken", &fakeCheck{err: errors.New("connection refused")})

	report := c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Overall)
	assert.Equal(t, StatusDown, report.Checks["broken"].Status)
	assert.Equal(t, "connection refused", report.Checks["broken"].Error)
}

func TestRunCachesResultAcrossCalls(t *testing.T) {
	c := New(nil, nil, nil)
	c.checks = map[string]Check{}
	check := &fakeCheck{}
	c.RegisterCheck("counted", check)

	c.Run(context.Background())
	c.Run(context.Background())
	c.Run(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&check.calls), "second and third Run should hit the cache")
}

func TestNewRegistersMemoryCheckByDefault(t *testing.T) {
	c := New(nil, nil, nil)
	report := c.Run(context.Background())
	_, ok := report.Checks["memory"]
	assert.True(t, ok)
}

func TestRunOmitsCircuitBreakersWhenRegistryNil(t *testing.T) {
	c := New(nil, nil, nil)
	report := c.Run(context.Background())
	assert.Nil(t, report.CircuitBreakers)
}

func TestRunReportsCircuitBreakerSummaryAndDegradesOverall(t *testing.T) {
	registry := resilience.NewRegistry(resilience.DefaultCBConfig())
	registry.GetOrCreate("llm")

	c := New(nil, nil, registry)
	c.checks = map[string]Check{}
	c.RegisterCheck("ok", &fakeCheck{})

	report := c.Run(context.Background())
	require.NotNil(t, report.CircuitBreakers)
	assert.Contains(t, report.CircuitBreakers.Healthy, "llm")
	assert.Equal(t, StatusUp, report.Overall)

	// A half-open breaker pulls an otherwise healthy report to DEGRADED.
	probe := resilience.MustNewCircuitBreaker("repository", resilience.CBConfig{
		FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Millisecond,
	})
	_ = probe.Execute(context.Background(), func() error { return errors.New("down") })
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, probe.Execute(context.Background(), func() error { return nil }))
	registry.Register("repository", probe)

	degraded := New(nil, nil, registry)
	degraded.checks = map[string]Check{}
	report = degraded.Run(context.Background())
	assert.Contains(t, report.CircuitBreakers.Degraded, "repository")
	assert.Equal(t, StatusDegraded, report.Overall)
}
