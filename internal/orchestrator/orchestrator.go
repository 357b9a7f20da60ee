// Package orchestrator implements the Orchestrator component: the
// routing and admission layer between the HTTP ingress and the bus. An
// admission lease caps each session to one in-flight request, and
// stage-based routing sends each request to the right agent.
//
// This module implements orchestrator_mode=centralized only: the
// Orchestrator owns every stage->agent routing decision. A decentralized
// mode (each agent owning its own subscription without a central router)
// is accepted as a configuration value but rejected at startup — see
// cmd/maiced.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atoms-tech/maice/internal/bus"
	"github.com/atoms-tech/maice/internal/domain"
	"github.com/atoms-tech/maice/internal/merr"
	"github.com/atoms-tech/maice/internal/session"
)

// Config holds the timeouts and config-surface options that bear on
// routing decisions.
type Config struct {
	RequestTimeout               time.Duration
	ClassifierTimeout            time.Duration
	ClarifyTimeout               time.Duration
	AutoPromoteAfterClarification bool
	ForceNonStreaming            bool
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:                120 * time.Second,
		ClassifierTimeout:             15 * time.Second,
		ClarifyTimeout:                20 * time.Second,
		AutoPromoteAfterClarification: true,
	}
}

// Agent names, matching the consumer-group / request-channel names each
// AgentRuntime subscribes under.
const (
	AgentClassifier  = "classifier"
	AgentClarifier   = "clarifier"
	AgentAnswerer    = "answerer"
	AgentObserver    = "observer"
	AgentCurriculum  = "curriculum"
	AgentFreeTalker  = "freetalker"
)

// RateLimiter is the subset of internal/ratelimit.Limiter the admission
// path needs, kept as an interface to avoid a hard dependency cycle.
type RateLimiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// Orchestrator routes admitted user input through the bus by current
// session stage and enforces the at-most-one-in-flight-per-session rule
// via a Redis-backed lease.
type Orchestrator struct {
	logger      *slog.Logger
	bus         *bus.Bus
	sessions    *session.Store
	rdb         *redis.Client
	rateLimiter RateLimiter
	cfg         Config
}

// New constructs an Orchestrator. A nil logger falls back to slog's
// default handler.
func New(logger *slog.Logger, b *bus.Bus, sessions *session.Store, rdb *redis.Client, rateLimiter RateLimiter, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{logger: logger, bus: b, sessions: sessions, rdb: rdb, rateLimiter: rateLimiter, cfg: cfg}
}

func leaseKey(sessionID int64) string {
	return fmt.Sprintf("maice:lease:session:%d", sessionID)
}

// acquireLease implements the per-session in-flight cap: a SET NX with
// TTL=request_timeout is the sole synchronization primitive enforcing
// at-most-one concurrent request per session.
func (o *Orchestrator) acquireLease(ctx context.Context, sessionID int64, requestID string) (bool, error) {
	ok, err := o.rdb.SetNX(ctx, leaseKey(sessionID), requestID, o.cfg.RequestTimeout).Result()
	if err != nil {
		return false, merr.NewTransient("orchestrator.acquireLease", err)
	}
	return ok, nil
}

// ReleaseLease frees the session's in-flight lease early, once a request
// reaches complete or error — callers need not wait for the TTL.
func (o *Orchestrator) ReleaseLease(ctx context.Context, sessionID int64, requestID string) {
	// Only release if we still own the lease, to avoid releasing a lease
	// a subsequent request has since acquired after our own TTL expiry.
	val, err := o.rdb.Get(ctx, leaseKey(sessionID)).Result()
	if err == nil && val == requestID {
		_ = o.rdb.Del(ctx, leaseKey(sessionID)).Err()
	}
}

// AdmitQuestion is the entry point for POST /chat. It creates a session
// if sessionID is nil, applies rate limiting, acquires the in-flight
// lease, determines the routing agent for the session's current stage,
// and publishes the request. It returns the request id and the agent it
// was routed to so the caller can open a StreamingPipeline subscription
// before agent output starts arriving.
func (o *Orchestrator) AdmitQuestion(ctx context.Context, userID string, sessionID *int64, message, imageRef string) (requestID string, sid int64, agent string, err error) {
	if o.rateLimiter != nil {
		allowed, rlErr := o.rateLimiter.Allow(ctx, userID)
		if rlErr != nil {
			return "", 0, "", rlErr
		}
		if !allowed {
			return "", 0, "", merr.NewValidation("rate limit exceeded").WithOperation("orchestrator.AdmitQuestion")
		}
	}

	if sessionID == nil {
		newID, createErr := o.sessions.Create(ctx, userID, false, "")
		if createErr != nil {
			return "", 0, "", createErr
		}
		sid = newID
	} else {
		sid = *sessionID
	}

	requestID = uuid.NewString()
	acquired, leaseErr := o.acquireLease(ctx, sid, requestID)
	if leaseErr != nil {
		return "", sid, "", leaseErr
	}
	if !acquired {
		return "", sid, "", merr.NewBusy(sid)
	}

	stage, stageErr := o.sessions.CurrentStage(ctx, sid)
	if stageErr != nil {
		o.ReleaseLease(ctx, sid, requestID)
		return "", sid, "", stageErr
	}

	freeTalk, _ := o.sessions.IsFreeTalk(ctx, sid)
	agent = o.routeForStage(stage, freeTalk)

	kind := domain.RequestQuestion
	if imageRef != "" {
		kind = domain.RequestImageToLatex
	}

	req := domain.Request{
		RequestID: requestID, SessionID: sid, UserID: userID,
		Payload: message, ImageRef: imageRef, Kind: kind, EnqueuedAt: time.Now(),
	}
	if err := o.publish(ctx, agent, req); err != nil {
		o.ReleaseLease(ctx, sid, requestID)
		return "", sid, "", err
	}

	return requestID, sid, agent, nil
}

// AdmitClarificationAnswer is the entry point for POST /clarification.
// Clarifier interactive turns always re-enter the Clarifier agent.
func (o *Orchestrator) AdmitClarificationAnswer(ctx context.Context, userID string, sessionID int64, answer string, index, total int) (requestID string, agent string, err error) {
	requestID = uuid.NewString()
	acquired, leaseErr := o.acquireLease(ctx, sessionID, requestID)
	if leaseErr != nil {
		return "", "", leaseErr
	}
	if !acquired {
		return "", "", merr.NewBusy(sessionID)
	}

	req := domain.Request{
		RequestID: requestID, SessionID: sessionID, UserID: userID,
		Payload: answer, Kind: domain.RequestClarificationAnswer,
		ClarificationIndex: index, ClarificationTotal: total, EnqueuedAt: time.Now(),
	}
	if err := o.publish(ctx, AgentClarifier, req); err != nil {
		o.ReleaseLease(ctx, sessionID, requestID)
		return "", "", err
	}
	return requestID, AgentClarifier, nil
}

// routeForStage implements the stage -> agent mapping. It does not handle the Classifier-verdict-driven transitions (needs_clarify /
// answerable) or the post-answer Observer+Curriculum fan-out — those are
// driven by the Classifier/Answerer behaviors themselves publishing a
// follow-up request once their own output is known, since only the
// agent that just ran knows its own verdict.
func (o *Orchestrator) routeForStage(stage domain.Stage, freeTalk bool) string {
	if freeTalk {
		return AgentFreeTalker
	}
	switch stage {
	case domain.StageClarifying:
		return AgentClarifier
	case domain.StageAnswering:
		return AgentAnswerer
	default:
		return AgentClassifier
	}
}

func (o *Orchestrator) publish(ctx context.Context, agent string, req domain.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return merr.NewValidation("failed to encode request").WithOperation("orchestrator.publish")
	}
	if _, err := o.bus.Publish(ctx, bus.RequestChannel(agent), data); err != nil {
		return err
	}
	return nil
}

// PublishFollowUp lets a behavior hand off to the next agent in the
// pipeline (Classifier -> Clarifier/Answerer, Answerer -> Observer +
// Curriculum fan-out) without routing back through admission, since the
// in-flight lease for the originating request_id is still held.
func (o *Orchestrator) PublishFollowUp(ctx context.Context, agent string, req domain.Request) error {
	return o.publish(ctx, agent, req)
}

// FanOutPostAnswer publishes the finished-answer context to both the
// Observer and Curriculum agents in parallel, fire-and-forget, once the
// Answerer emits its final chunk. Each fan-out carries a fresh request id:
// the originating request is already terminated, and a cancellation
// broadcast for it must not abort the observation work. Errors from either
// publish are logged but never surfaced to the client — observation is
// non-blocking by design.
func (o *Orchestrator) FanOutPostAnswer(ctx context.Context, req domain.Request) {
	for _, agent := range []string{AgentObserver, AgentCurriculum} {
		followUp := req
		followUp.RequestID = uuid.NewString()
		followUp.EnqueuedAt = time.Now()
		if err := o.publish(ctx, agent, followUp); err != nil {
			o.logger.Error("orchestrator: post-answer fan-out publish failed", "agent", agent, "error", err)
		}
	}
}

// ForceNonStreaming reports the force_non_streaming configuration flag:
// when set, Answerer and FreeTalker emit their entire reply as one
// is_final chunk instead of token-by-token, per the OPEN QUESTION
// DECISIONS ordering (chunk, then answer_complete, then complete).
func (o *Orchestrator) ForceNonStreaming() bool {
	return o.cfg.ForceNonStreaming
}

// ClassifierTimeout reports how long Classifier.Handle waits for a verdict
// before degrading straight to Answerer.
func (o *Orchestrator) ClassifierTimeout() time.Duration {
	return o.cfg.ClassifierTimeout
}

// ClarifyTimeout reports how long Clarifier.Handle waits for a question
// before applying the auto-promote-or-error tie-break.
func (o *Orchestrator) ClarifyTimeout() time.Duration {
	return o.cfg.ClarifyTimeout
}

// AutoPromoteAfterClarification reports whether Clarifier.Handle should
// promote to Answerer (rather than surface an error) when clarify_timeout
// elapses with no question produced.
func (o *Orchestrator) AutoPromoteAfterClarification() bool {
	return o.cfg.AutoPromoteAfterClarification
}

// AdvanceStage delegates to session.Store.Transition, used by agent
// behaviors (via the runtime) after they decide the next stage.
func (o *Orchestrator) AdvanceStage(ctx context.Context, sessionID int64, from, to domain.Stage) error {
	return o.sessions.Transition(ctx, sessionID, from, to)
}
