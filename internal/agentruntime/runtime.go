// Package agentruntime implements the AgentRuntime component: the shared
// lifecycle every one of the six agent behaviors runs under — bus
// subscription, dispatch, retry with backoff, panic isolation, heartbeat,
// and graceful drain. One runtime is shared by every AgentBehavior rather
// than reimplemented per agent.
package agentruntime

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atoms-tech/maice/internal/bus"
	"github.com/atoms-tech/maice/internal/domain"
	"github.com/atoms-tech/maice/internal/logging"
	"github.com/atoms-tech/maice/internal/merr"
	"github.com/atoms-tech/maice/internal/metrics"
)

const (
	DefaultMaxAttempts  = 3
	DefaultDrainTimeout = 30 * time.Second

	panicCooldown      = 60 * time.Second
	panicTripThreshold = 3

	// responseStreamMaxLen bounds a per-session response stream once a
	// request terminates; one request's event count is far below this.
	responseStreamMaxLen = 1024
)

var backoffSchedule = [...]time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

// Config tunes one runtime's retry and shutdown behavior. Zero values fall
// back to the defaults above; RequestTimeout of zero disables the
// per-request deadline (tests only — production always sets it).
type Config struct {
	RequestTimeout time.Duration
	MaxAttempts    int
	DrainTimeout   time.Duration
}

// EmitFunc publishes one ResponseEvent onto the request's session response
// stream immediately, stamping session/request ids. Streaming behaviors
// (Answerer, FreeTalker) call it chunk by chunk so the client sees output
// while the model is still generating; non-streaming behaviors may ignore
// it and return their events in Result instead.
type EmitFunc func(domain.ResponseEvent) error

// Result is what a Behavior returns from a successful Handle call: any
// trailing ResponseEvents the runtime should publish after Handle returns.
// Behaviors that emitted everything through their EmitFunc return a zero
// Result.
type Result struct {
	Events []domain.ResponseEvent
}

// Behavior is the shared contract every agent (Classifier, Clarifier,
// Answerer, Observer, Curriculum, FreeTalker) implements. Handle must
// honor ctx cancellation at fine suspension-point granularity — no
// CPU-bound stretch longer than ~50ms without checking ctx.Done().
type Behavior interface {
	Name() string
	Handle(ctx context.Context, req domain.Request, emit EmitFunc) (Result, error)
}

// LeaseReleaser frees a session's in-flight lease once the runtime
// terminates a request with an error or a client cancellation. The
// Orchestrator implements it; nil is accepted for tests.
type LeaseReleaser interface {
	ReleaseLease(ctx context.Context, sessionID int64, requestID string)
}

// Runtime runs one Behavior's full lifecycle against the message bus.
type Runtime struct {
	behavior Behavior
	bus      *bus.Bus
	sidecar  *metrics.Sidecar
	leases   LeaseReleaser
	logger   *logging.Logger
	consumer string
	cfg      Config

	mu               sync.Mutex
	inFlight         int
	consecutivePanic int
	cooldownUntil    time.Time

	drainWG sync.WaitGroup
}

// New constructs a Runtime for behavior, consuming from its own request
// channel (bus.RequestChannel(behavior.Name())) under a consumer group
// named after the agent. cfg.RequestTimeout bounds how long a single
// request may occupy Handle, measured from domain.Request.EnqueuedAt: once
// it elapses the in-flight call is cancelled and a timeout error is
// surfaced rather than letting a stuck agent hold the request forever.
func New(behavior Behavior, b *bus.Bus, sidecar *metrics.Sidecar, leases LeaseReleaser, consumerID string, cfg Config) *Runtime {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Runtime{
		behavior: behavior,
		bus:      b,
		sidecar:  sidecar,
		leases:   leases,
		logger:   logging.GetLogger("agentruntime." + behavior.Name()),
		consumer: consumerID,
		cfg:      cfg,
	}
}

// Run subscribes, dispatches, and drains until ctx is cancelled. It
// blocks for at most drain_timeout after cancellation while in-flight
// work finishes.
func (r *Runtime) Run(ctx context.Context) error {
	group := r.behavior.Name()
	channel := bus.RequestChannel(group)

	deliveries, err := r.bus.Subscribe(ctx, channel, group, r.consumer)
	if err != nil {
		return err
	}

	go r.sidecar.StartHeartbeat(ctx, group)

	for delivery := range deliveries {
		if r.inCooldown() {
			r.logger.Warn("agentruntime: skipping delivery during panic cooldown")
			continue
		}

		r.drainWG.Add(1)
		r.mu.Lock()
		r.inFlight++
		r.mu.Unlock()

		d := delivery
		go func() {
			defer r.drainWG.Done()
			defer func() {
				r.mu.Lock()
				r.inFlight--
				r.mu.Unlock()
			}()
			r.dispatch(ctx, channel, d)
		}()
	}

	drained := make(chan struct{})
	go func() { r.drainWG.Wait(); close(drained) }()
	select {
	case <-drained:
	case <-time.After(r.cfg.DrainTimeout):
		r.logger.Warn("agentruntime: drain_timeout exceeded, exiting with work in flight")
	}
	return nil
}

func (r *Runtime) inCooldown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Now().Before(r.cooldownUntil)
}

func (r *Runtime) dispatch(ctx context.Context, channel string, d bus.Delivery) {
	var req domain.Request
	if err := json.Unmarshal(d.Payload, &req); err != nil {
		r.logger.WithError(err).Error("agentruntime: malformed request payload, acking and dropping")
		_ = r.bus.Ack(ctx, channel, d.Group, d.MessageID)
		return
	}

	name := r.behavior.Name()
	_ = r.sidecar.AppendLog(ctx, req.SessionID, stageFor(name), name+": dispatch",
		map[string]interface{}{"request_id": req.RequestID, "delivery": d.DeliveryCount})

	// A client disconnect arrives as a coordination broadcast keyed by
	// request id; it cancels the behavior's context so token emission
	// stops within the 2s cancellation budget.
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var clientCancelled atomic.Bool
	if cancelMsgs, unsub, err := r.bus.SubscribeBroadcast(hctx, bus.CoordinationTopic("cancel_"+req.RequestID)); err == nil {
		defer unsub()
		go func() {
			select {
			case <-hctx.Done():
			case _, ok := <-cancelMsgs:
				if ok {
					clientCancelled.Store(true)
					cancel()
				}
			}
		}()
	}

	emit := func(ev domain.ResponseEvent) error {
		return r.publishEvent(ctx, req, ev)
	}

	start := time.Now()
	result, err := r.handleWithRetry(hctx, req, emit)
	r.sidecar.Observe(name, "handle_seconds", time.Since(start).Seconds(), nil)

	if err != nil {
		if clientCancelled.Load() || merr.IsKind(err, merr.KindCancelled) {
			// Client disconnected: abort silently, no error surfaced. The
			// request is terminated, so the lease is freed and the message
			// acked — the session itself stays valid.
			if r.leases != nil {
				r.leases.ReleaseLease(ctx, req.SessionID, req.RequestID)
			}
			_ = r.bus.Ack(ctx, channel, d.Group, d.MessageID)
			return
		}
		if ctx.Err() != nil {
			// Process shutdown mid-dispatch: leave the message unacked so
			// the visibility timeout redelivers it to a live consumer.
			return
		}
		if isPanicError(err) && d.DeliveryCount <= 1 {
			// First panic on this message: nack once (leave unacked for
			// redelivery) and keep serving.
			r.logger.WithError(err).Error("agentruntime: behavior panicked, nacking for redelivery")
			return
		}
		r.onFailure(ctx, channel, d, req, err)
		return
	}

	r.resetPanicCounter()
	r.sidecar.Inc(name, "requests_total", 1, nil)
	r.publishEvents(ctx, req, result.Events)
	_ = r.bus.Ack(ctx, channel, d.Group, d.MessageID)
}

// handleWithRetry re-runs Handle on transient failures up to
// cfg.MaxAttempts, sleeping the jittered backoff schedule between
// attempts. Re-emitted chunk indexes from a retried attempt are
// deduplicated downstream by the StreamingPipeline's already-flushed-index
// check.
func (r *Runtime) handleWithRetry(ctx context.Context, req domain.Request, emit EmitFunc) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			step := attempt - 1
			if step >= len(backoffSchedule) {
				step = len(backoffSchedule) - 1
			}
			select {
			case <-ctx.Done():
				return Result{}, merr.NewCancelled(r.behavior.Name())
			case <-time.After(jitter(backoffSchedule[step])):
			}
		}

		result, err := r.handleWithDeadline(ctx, req, emit)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !merr.IsRetryable(err) {
			return Result{}, err
		}
		r.sidecar.Inc(r.behavior.Name(), "retries_total", 1, nil)
		r.logger.WithError(err).WithField("attempt", attempt+1).Warn("agentruntime: transient failure, will retry")
	}
	return Result{}, lastErr
}

// handleWithDeadline enforces request_timeout between suspension points:
// if the deadline computed from req.EnqueuedAt has already passed, Handle
// is never invoked; otherwise ctx is bounded to that deadline so a
// behavior blocked on a suspension point (model call, bus publish) is
// cancelled and its error reclassified as a timeout rather than left to
// run indefinitely.
func (r *Runtime) handleWithDeadline(ctx context.Context, req domain.Request, emit EmitFunc) (Result, error) {
	if r.cfg.RequestTimeout <= 0 {
		return r.handleWithPanicIsolation(ctx, req, emit)
	}

	deadline := req.Deadline(r.cfg.RequestTimeout)
	if !time.Now().Before(deadline) {
		return Result{}, merr.NewTimeout(r.behavior.Name(), r.cfg.RequestTimeout)
	}

	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result, err := r.handleWithPanicIsolation(dctx, req, emit)
	if err != nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
		return Result{}, merr.NewTimeout(r.behavior.Name(), r.cfg.RequestTimeout)
	}
	return result, err
}

func (r *Runtime) handleWithPanicIsolation(ctx context.Context, req domain.Request, emit EmitFunc) (result Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.recordPanic()
			err = merr.NewPermanent(r.behavior.Name(), nil).
				WithMetadata("panic", rec)
		}
	}()
	return r.behavior.Handle(ctx, req, emit)
}

func isPanicError(err error) bool {
	me, ok := merr.AsError(err)
	if !ok {
		return false
	}
	_, hasPanic := me.Metadata["panic"]
	return hasPanic
}

func (r *Runtime) recordPanic() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutivePanic++
	if r.consecutivePanic >= panicTripThreshold {
		r.cooldownUntil = time.Now().Add(panicCooldown)
		r.consecutivePanic = 0
		r.logger.Warn("agentruntime: tripped panic cooldown after three consecutive panics")
	}
}

func (r *Runtime) resetPanicCounter() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutivePanic = 0
}

// onFailure terminates a request whose retry budget is exhausted or whose
// error was never retryable: surfaces error then complete on the response
// stream, frees the session lease, and acks the message. The bus's own
// max-deliveries dead-letter path still covers messages that crash the
// consumer before reaching this point.
func (r *Runtime) onFailure(ctx context.Context, channel string, d bus.Delivery, req domain.Request, err error) {
	r.sidecar.Inc(r.behavior.Name(), "dispatch_errors", 1, map[string]string{"kind": string(merr.GetCode(err))})
	_ = r.sidecar.AppendLog(ctx, req.SessionID, stageFor(r.behavior.Name()), r.behavior.Name()+": failed",
		map[string]interface{}{"request_id": req.RequestID, "code": string(merr.GetCode(err))})

	r.logger.WithError(err).Error("agentruntime: terminal failure, surfacing error event")
	r.publishEvents(ctx, req, []domain.ResponseEvent{{
		Type:         domain.EventError,
		SessionID:    req.SessionID,
		RequestID:    req.RequestID,
		ErrorCode:    string(merr.GetCode(err)),
		ErrorMessage: err.Error(),
		ObservedAt:   time.Now(),
	}, {
		Type:       domain.EventComplete,
		SessionID:  req.SessionID,
		RequestID:  req.RequestID,
		ObservedAt: time.Now(),
	}})
	if r.leases != nil {
		r.leases.ReleaseLease(ctx, req.SessionID, req.RequestID)
	}
	_ = r.bus.Ack(ctx, channel, d.Group, d.MessageID)
}

func (r *Runtime) publishEvent(ctx context.Context, req domain.Request, ev domain.ResponseEvent) error {
	channel := bus.SessionResponseChannel(req.SessionID)
	ev.SessionID = req.SessionID
	ev.RequestID = req.RequestID
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.WithError(err).Error("agentruntime: failed to marshal response event")
		return err
	}
	if _, err := r.bus.Publish(ctx, channel, data); err != nil {
		r.logger.WithError(err).Error("agentruntime: failed to publish response event")
		return err
	}
	if ev.Type == domain.EventComplete || ev.Type == domain.EventError {
		_ = r.bus.Trim(ctx, channel, responseStreamMaxLen)
	}
	return nil
}

func (r *Runtime) publishEvents(ctx context.Context, req domain.Request, events []domain.ResponseEvent) {
	for _, ev := range events {
		_ = r.publishEvent(ctx, req, ev)
	}
}

// stageFor maps an agent name to the session stage it serves, for the
// per-session processing log.
func stageFor(agent string) domain.Stage {
	switch agent {
	case "classifier":
		return domain.StageInitial
	case "clarifier":
		return domain.StageClarifying
	case "answerer":
		return domain.StageAnswering
	case "observer", "curriculum":
		return domain.StageObserving
	case "freetalker":
		return domain.StageFreepass
	default:
		return domain.StageInitial
	}
}

func jitter(base time.Duration) time.Duration {
	spread := rand.Float64()*0.5 - 0.25 // ±25%
	return time.Duration(float64(base) * (1 + spread))
}
