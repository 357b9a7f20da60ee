// Package ratelimit implements the single admission-path check the
// Orchestrator needs: at most MaxRequests requests per user per fixed
// window. It keeps the
// window bucket math in Go against Redis GET/SET rather than a Lua
// script, trading perfect atomicity for avoiding a round trip through
// EVAL on the common case.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atoms-tech/maice/internal/merr"
)

// Config narrows to the one limit type this domain enforces: per-user
// request admission.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

func DefaultConfig() Config {
	return Config{MaxRequests: 10, Window: time.Minute}
}

type bucketState struct {
	Count     int   `json:"count"`
	ResetUnix int64 `json:"reset_unix"`
}

// Limiter is a fixed-window per-user request limiter backed by Redis.
type Limiter struct {
	rdb *redis.Client
	cfg Config
}

func New(rdb *redis.Client, cfg Config) *Limiter {
	return &Limiter{rdb: rdb, cfg: cfg}
}

func key(userID string) string {
	return fmt.Sprintf("maice:ratelimit:user:%s", userID)
}

// Allow implements orchestrator.RateLimiter. It is not perfectly atomic
// under concurrent requests from the same user within the same
// millisecond.
func (l *Limiter) Allow(ctx context.Context, userID string) (bool, error) {
	now := time.Now()
	val, err := l.rdb.Get(ctx, key(userID)).Result()
	if err != nil && err != redis.Nil {
		return false, merr.NewTransient("ratelimit.Allow", err)
	}

	count := 0
	resetAt := now.Add(l.cfg.Window)
	if err == nil {
		var state bucketState
		if _, scanErr := fmt.Sscanf(val, "%d:%d", &state.Count, &state.ResetUnix); scanErr == nil {
			reset := time.Unix(state.ResetUnix, 0)
			if now.Before(reset) {
				count = state.Count
				resetAt = reset
			}
		}
	}

	if count >= l.cfg.MaxRequests {
		return false, nil
	}

	count++
	ttl := time.Until(resetAt)
	if ttl <= 0 {
		ttl = l.cfg.Window
	}
	if err := l.rdb.Set(ctx, key(userID), fmt.Sprintf("%d:%d", count, resetAt.Unix()), ttl).Err(); err != nil {
		return false, merr.NewTransient("ratelimit.Allow", err)
	}
	return true, nil
}

// Reset clears a user's current window, used by admin tooling and tests.
func (l *Limiter) Reset(ctx context.Context, userID string) error {
	return l.rdb.Del(ctx, key(userID)).Err()
}
