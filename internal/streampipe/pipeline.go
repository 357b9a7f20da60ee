// Package streampipe implements the StreamingPipeline component:
// consumes a session's per-request response channel and reassembles
// streaming_chunk events into strictly ordered output for delivery to
// the HTTP collaborator's long-lived response. It adds ordering,
// gap-timeout, and backpressure semantics on top of the raw bus stream,
// while the actual wire framing at the HTTP edge is done by
// tmaxmax/go-sse in internal/api.
package streampipe

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atoms-tech/maice/internal/bus"
	"github.com/atoms-tech/maice/internal/domain"
	"github.com/atoms-tech/maice/internal/logging"
	"github.com/atoms-tech/maice/internal/metrics"
)

// Config tunes the reassembly buffer's timing and size thresholds.
type Config struct {
	GapTimeout     time.Duration
	MaxGap         int
	MaxBufferBytes int
}

func DefaultConfig() Config {
	return Config{GapTimeout: 2 * time.Second, MaxGap: 20, MaxBufferBytes: 1 << 20}
}

// controlEvent reports whether an event type must never be dropped under
// backpressure: error, complete, clarification_question, and
// answer_complete.
func controlEvent(t domain.ResponseEventType) bool {
	switch t {
	case domain.EventError, domain.EventComplete, domain.EventClarificationQuestion, domain.EventAnswerComplete:
		return true
	default:
		return false
	}
}

// Pipeline consumes and reassembles one session's response stream.
type Pipeline struct {
	b       *bus.Bus
	sidecar *metrics.Sidecar
	cfg     Config
	logger  *logging.Logger
}

// New constructs a Pipeline.
func New(b *bus.Bus, sidecar *metrics.Sidecar, cfg Config) *Pipeline {
	return &Pipeline{b: b, sidecar: sidecar, cfg: cfg, logger: logging.GetLogger("streampipe")}
}

// Open subscribes to sessionID's response channel and returns an ordered
// stream of ResponseEvents for requestID, reassembled per the chunking
// contract. The returned channel closes once a complete or error event
// has been delivered, or ctx is cancelled. Calling the returned cancel
// func signals the producing agent to stop within 2s via a coordination
// broadcast.
func (p *Pipeline) Open(ctx context.Context, sessionID int64, requestID string) (<-chan domain.ResponseEvent, func(), error) {
	pctx, cancel := context.WithCancel(ctx)

	// Tail from the stream's start rather than "$": events the agent
	// published before this subscription registered are replayed, and
	// anything belonging to an earlier request is filtered out by the
	// request-id check in consume. The runtime trims the stream on every
	// terminal event, so the replay window stays small.
	raw, err := p.b.Tail(pctx, bus.SessionResponseChannel(sessionID), "0")
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan domain.ResponseEvent, 64)
	r := &reassembler{
		pipeline:  p,
		sessionID: sessionID,
		requestID: requestID,
		pending:   make(map[int]domain.ResponseEvent),
		nextIndex: 0,
		out:       out,
	}

	go r.run(pctx, raw)

	cancelFn := func() {
		_ = p.b.Broadcast(context.Background(), bus.CoordinationTopic("cancel_"+requestID), []byte(requestID))
		cancel()
	}

	return out, cancelFn, nil
}

type reassembler struct {
	pipeline  *Pipeline
	sessionID int64
	requestID string

	mu            sync.Mutex
	pending       map[int]domain.ResponseEvent
	nextIndex     int
	bufferedBytes int
	lastArrival   time.Time
	closed        bool

	// deferred holds non-chunk events that arrived while chunks were
	// still pending, so answer_complete/complete cannot overtake the
	// chunks they follow. Drained whenever pending empties.
	deferred []domain.ResponseEvent

	out chan domain.ResponseEvent
}

func (r *reassembler) run(ctx context.Context, raw <-chan redis.XMessage) {
	ticker := time.NewTicker(r.pipeline.cfg.GapTimeout / 2)
	defer ticker.Stop()
	defer func() {
		r.mu.Lock()
		if !r.closed {
			r.closed = true
			close(r.out)
		}
		r.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkGapTimeout()
		case msg, ok := <-raw:
			if !ok {
				return
			}
			payload, _ := msg.Values["payload"].(string)
			if payload == "" {
				continue
			}
			r.consume(ctx, []byte(payload))
		}
	}
}

func (r *reassembler) consume(ctx context.Context, payload []byte) {
	var ev domain.ResponseEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.pipeline.logger.WithError(err).Warn("streampipe: dropping malformed response event")
		return
	}
	if ev.RequestID != "" && ev.RequestID != r.requestID {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case domain.EventStreamingChunk:
		r.admitChunkLocked(ev)
	default:
		// Non-chunk events queue behind any still-pending chunks so a
		// complete or answer_complete published after the final chunk
		// cannot overtake chunks held back by a gap.
		if len(r.pending) > 0 {
			r.deferred = append(r.deferred, ev)
			return
		}
		r.emitLocked(ev)
	}
}

// admitChunkLocked buffers an out-of-order chunk and flushes whatever
// contiguous prefix is now available, applying the max-gap and
// backpressure limits. A gap left behind an is_final chunk is resolved
// by the gap timeout (or max-gap) path, not here, so a late chunk still
// has the timeout window to arrive.
func (r *reassembler) admitChunkLocked(ev domain.ResponseEvent) {
	if ev.ChunkIndex < r.nextIndex {
		return // duplicate/late redelivery of an already-flushed index
	}

	maxBuffer := r.pipeline.cfg.MaxBufferBytes
	if r.bufferedBytes+len(ev.Content) > maxBuffer {
		r.pipeline.sidecar.Inc("streampipe", "dropped_chunks", 1, map[string]string{"session": sessionLabel(r.sessionID)})
		return
	}

	r.pending[ev.ChunkIndex] = ev
	r.bufferedBytes += len(ev.Content)
	r.lastArrival = time.Now()

	r.flushContiguousLocked()
}

func (r *reassembler) flushContiguousLocked() {
	for {
		ev, ok := r.pending[r.nextIndex]
		if !ok {
			break
		}
		delete(r.pending, ev.ChunkIndex)
		r.bufferedBytes -= len(ev.Content)
		r.nextIndex++
		r.emitLocked(ev)
		if ev.IsFinal {
			break
		}
	}
	if len(r.pending) == 0 {
		r.drainDeferredLocked()
	}
}

// drainDeferredLocked replays the non-chunk events that were held back
// behind pending chunks, in arrival order.
func (r *reassembler) drainDeferredLocked() {
	for _, ev := range r.deferred {
		r.emitLocked(ev)
	}
	r.deferred = nil
}

// checkGapTimeout is invoked by the run loop on a ticker; if the oldest
// pending chunk has waited longer than GapTimeout, or the pending set has
// grown past MaxGap, the contiguous-so-far prefix is flushed and the gap
// is logged.
func (r *reassembler) checkGapTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return
	}
	timedOut := !r.lastArrival.IsZero() && time.Since(r.lastArrival) > r.pipeline.cfg.GapTimeout
	tooWide := len(r.pending) > r.pipeline.cfg.MaxGap

	if !timedOut && !tooWide {
		return
	}

	r.pipeline.sidecar.Inc("streampipe", "gaps", 1, map[string]string{"session": sessionLabel(r.sessionID)})
	r.pipeline.logger.WithField("session_id", r.sessionID).Warn("streampipe: gap timeout, flushing contiguous prefix and skipping gap")

	// Skip forward to the lowest pending index so the contiguous-flush
	// loop can make progress past the stalled gap.
	lowest := -1
	for idx := range r.pending {
		if lowest == -1 || idx < lowest {
			lowest = idx
		}
	}
	if lowest > r.nextIndex {
		r.nextIndex = lowest
		r.emitWarningLocked(domain.ResponseEvent{
			Type: domain.EventError, SessionID: r.sessionID, RequestID: r.requestID,
			ErrorCode: "gap", ErrorMessage: "chunk gap: skipped ahead after gap timeout", ObservedAt: time.Now(),
		})
	}
	r.flushContiguousLocked()
}

// emitLocked delivers an event sourced from the upstream response stream.
// Only a genuine EventComplete or EventError arriving this way ends the
// stream; emitWarningLocked is used for locally synthesized notices that
// must not close r.out.
func (r *reassembler) emitLocked(ev domain.ResponseEvent) {
	if r.closed {
		return
	}
	r.deliverLocked(ev)
	if ev.Type == domain.EventComplete || ev.Type == domain.EventError {
		r.closed = true
		close(r.out)
	}
}

// emitWarningLocked delivers a locally synthesized notice (e.g. a chunk-gap
// warning) without ever closing r.out, even though its Type may be
// EventError: the stream continues past a gap rather than terminating on it.
func (r *reassembler) emitWarningLocked(ev domain.ResponseEvent) {
	if r.closed {
		return
	}
	r.deliverLocked(ev)
}

func (r *reassembler) deliverLocked(ev domain.ResponseEvent) {
	select {
	case r.out <- ev:
	default:
		if controlEvent(ev.Type) {
			// Control events must never be dropped; block briefly rather
			// than lose one under a momentarily full output channel.
			r.out <- ev
		}
	}
}

func sessionLabel(id int64) string {
	return "s" + strconv.FormatInt(id, 10)
}
