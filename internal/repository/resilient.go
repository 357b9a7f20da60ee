package repository

import (
	"context"
	"time"

	"github.com/atoms-tech/maice/internal/domain"
	"github.com/atoms-tech/maice/internal/resilience"
)

// Resilient wraps a Repository's write path with a circuit breaker. The
// read path (GetUser, GetSession, ListSessionMessages, ListEvaluations,
// ListActiveSessionIDs) passes through directly since SessionStore's own
// cache already absorbs most read traffic, and a read degrading to an
// error is cheaper recovered from at the caller than tripping the breaker
// on read latency blips.
type Resilient struct {
	Repository
	cb *resilience.CircuitBreaker
}

func NewResilient(inner Repository, cb *resilience.CircuitBreaker) *Resilient {
	return &Resilient{Repository: inner, cb: cb}
}

func (r *Resilient) CreateSession(ctx context.Context, userID string, freeTalk bool) (*domain.Session, error) {
	var sess *domain.Session
	err := r.cb.Execute(ctx, func() error {
		s, err := r.Repository.CreateSession(ctx, userID, freeTalk)
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	return sess, err
}

func (r *Resilient) AppendSessionMessage(ctx context.Context, msg domain.SessionMessage) (int64, bool, error) {
	var id int64
	var inserted bool
	err := r.cb.Execute(ctx, func() error {
		i, ins, err := r.Repository.AppendSessionMessage(ctx, msg)
		if err != nil {
			return err
		}
		id, inserted = i, ins
		return nil
	})
	return id, inserted, err
}

func (r *Resilient) UpdateSessionStage(ctx context.Context, sessionID int64, from, to domain.Stage) (bool, error) {
	var ok bool
	err := r.cb.Execute(ctx, func() error {
		v, err := r.Repository.UpdateSessionStage(ctx, sessionID, from, to)
		if err != nil {
			return err
		}
		ok = v
		return nil
	})
	return ok, err
}

func (r *Resilient) UpsertEvaluation(ctx context.Context, rec domain.EvaluationRecord) error {
	return r.cb.Execute(ctx, func() error { return r.Repository.UpsertEvaluation(ctx, rec) })
}

// DefaultCircuitBreaker is the shared breaker configuration this package
// wires around every write path, tuned slightly tighter than
// resilience.DefaultCBConfig since a Postgres outage should be surfaced
// to the Orchestrator's retry policy quickly rather than absorbed here.
func DefaultCircuitBreaker() *resilience.CircuitBreaker {
	cfg := resilience.DefaultCBConfig()
	cfg.FailureThreshold = 3
	cfg.Timeout = 15 * time.Second
	return resilience.MustNewCircuitBreaker("repository", cfg)
}
