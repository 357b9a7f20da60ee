// Package health implements a dependency checker over the substrate's own
// backing stores — Postgres and Redis — running checks concurrently with
// a timeout and caching the result briefly, which backs
// GET /monitoring/health/detailed.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atoms-tech/maice/internal/resilience"
)

type Status string

const (
	StatusUp       Status = "UP"
	StatusDown     Status = "DOWN"
	StatusDegraded Status = "DEGRADED"
)

const (
	checkTimeout  = 5 * time.Second
	cacheDuration = 10 * time.Second
)

// Check is a single named health probe.
type Check interface {
	Check(ctx context.Context) error
}

type CheckResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ms"`
}

type Report struct {
	Overall         Status                    `json:"overall"`
	Checks          map[string]CheckResult    `json:"checks"`
	CircuitBreakers *resilience.HealthSummary `json:"circuit_breakers,omitempty"`
	Timestamp       time.Time                 `json:"timestamp"`
}

// Checker runs registered checks concurrently and caches the aggregate
// result for cacheDuration to keep the detailed health endpoint cheap
// under frequent polling.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]Check

	breakers *resilience.Registry

	cacheMu   sync.RWMutex
	cached    *Report
	cacheTime time.Time
}

// New constructs a Checker with the database and bus reachability checks
// already registered; callers can RegisterCheck additional probes.
// breakers, if non-nil, is reported in every Report as CircuitBreakers —
// the shared registry every circuit breaker in the process (LLM client,
// repository) is constructed through.
func New(db *sql.DB, rdb *redis.Client, breakers *resilience.Registry) *Checker {
	c := &Checker{checks: make(map[string]Check), breakers: breakers}
	if db != nil {
		c.RegisterCheck("repository", databaseCheck{db})
	}
	if rdb != nil {
		c.RegisterCheck("bus", busCheck{rdb})
	}
	c.RegisterCheck("memory", memoryCheck{})
	return c
}

func (c *Checker) RegisterCheck(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Run performs all registered checks (or returns the cached result if
// still fresh) and aggregates them into an overall Status.
func (c *Checker) Run(ctx context.Context) Report {
	c.cacheMu.RLock()
	if c.cached != nil && time.Since(c.cacheTime) < cacheDuration {
		cached := *c.cached
		c.cacheMu.RUnlock()
		return cached
	}
	c.cacheMu.RUnlock()

	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	report := Report{Overall: StatusUp, Checks: make(map[string]CheckResult, len(checks)), Timestamp: time.Now().UTC()}

	var wg sync.WaitGroup
	results := make(chan CheckResult, len(checks))
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			results <- runWithTimeout(ctx, name, check)
		}(name, check)
	}
	go func() { wg.Wait(); close(results) }()

	for r := range results {
		report.Checks[r.Name] = r
		switch {
		case r.Status == StatusDown:
			report.Overall = StatusDown
		case r.Status == StatusDegraded && report.Overall != StatusDown:
			report.Overall = StatusDegraded
		}
	}

	if c.breakers != nil {
		summary := c.breakers.HealthSummary()
		report.CircuitBreakers = &summary
		if len(summary.Unhealthy) > 0 {
			report.Overall = StatusDown
		} else if len(summary.Degraded) > 0 && report.Overall != StatusDown {
			report.Overall = StatusDegraded
		}
	}

	c.cacheMu.Lock()
	c.cached = &report
	c.cacheTime = time.Now()
	c.cacheMu.Unlock()

	return report
}

func runWithTimeout(ctx context.Context, name string, check Check) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- check.Check(checkCtx) }()

	select {
	case err := <-done:
		res := CheckResult{Name: name, Status: StatusUp, Duration: time.Since(start)}
		if err != nil {
			res.Status = StatusDown
			res.Error = err.Error()
		}
		return res
	case <-checkCtx.Done():
		return CheckResult{Name: name, Status: StatusDown, Duration: time.Since(start),
			Error: fmt.Sprintf("health check timeout after %v", checkTimeout)}
	}
}

type databaseCheck struct{ db *sql.DB }

func (d databaseCheck) Check(ctx context.Context) error { return d.db.PingContext(ctx) }

type busCheck struct{ rdb *redis.Client }

func (b busCheck) Check(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

type memoryCheck struct{}

func (memoryCheck) Check(ctx context.Context) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	const ceiling = 4 << 30 // 4GiB; past this the check fails and the report goes DOWN
	if m.Alloc > ceiling {
		return fmt.Errorf("heap alloc %d bytes exceeds ceiling %d", m.Alloc, ceiling)
	}
	return nil
}
