// Package agents implements the six AgentBehaviors: Classifier, Clarifier,
// Answerer, Observer, Curriculum, and FreeTalker. Each is a thin
// agentruntime.Behavior wrapping a prompt built from session context plus
// an llm.Client call.
package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atoms-tech/maice/internal/agentruntime"
	"github.com/atoms-tech/maice/internal/domain"
	"github.com/atoms-tech/maice/internal/llm"
	"github.com/atoms-tech/maice/internal/logging"
	"github.com/atoms-tech/maice/internal/merr"
	"github.com/atoms-tech/maice/internal/orchestrator"
	"github.com/atoms-tech/maice/internal/session"
)

// deps bundles the collaborators every behavior needs, avoiding six
// near-identical constructor signatures.
type deps struct {
	sessions *session.Store
	orch     *orchestrator.Orchestrator
	model    llm.Client
	logger   *logging.Logger
}

func newDeps(name string, sessions *session.Store, orch *orchestrator.Orchestrator, model llm.Client) deps {
	return deps{sessions: sessions, orch: orch, model: model, logger: logging.GetLogger("agents." + name)}
}

// collectStream drains an llm.Client stream into a single string, used by
// behaviors that need the model's full answer before deciding what to do
// next (Classifier, Clarifier, Curriculum, Observer never stream to the
// client directly — only Answerer and FreeTalker do). A stream that closed
// because ctx was cancelled or timed out is reported as an error, not as a
// truncated success.
func collectStream(ctx context.Context, ch <-chan llm.Chunk) (string, error) {
	var b strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return "", merr.NewTransient("agents.collectStream", chunk.Err)
		}
		b.WriteString(chunk.Content)
	}
	if ctx.Err() != nil {
		return "", merr.NewCancelled("agents.collectStream")
	}
	return b.String(), nil
}

// streamChunks forwards an llm.Client stream to the client as
// streaming_chunk events with strictly increasing indexes, holding one
// chunk back so the last one produced can carry is_final=true. Returns the
// concatenated answer.
func streamChunks(ctx context.Context, req domain.Request, ch <-chan llm.Chunk, emit agentruntime.EmitFunc, op string) (string, error) {
	var full strings.Builder
	var held *domain.ResponseEvent
	idx := 0

	for chunk := range ch {
		if chunk.Err != nil {
			return "", merr.NewTransient(op, chunk.Err)
		}
		if held != nil {
			if err := emit(*held); err != nil {
				return "", err
			}
		}
		full.WriteString(chunk.Content)
		held = &domain.ResponseEvent{
			Type: domain.EventStreamingChunk, SessionID: req.SessionID, RequestID: req.RequestID,
			ChunkIndex: idx, Content: chunk.Content,
		}
		idx++
	}
	if ctx.Err() != nil {
		return "", merr.NewCancelled(op)
	}
	if held != nil {
		held.IsFinal = true
		if err := emit(*held); err != nil {
			return "", err
		}
	}
	return full.String(), nil
}

// recentTranscript renders a session's recent messages as a flat prompt
// fragment, the same shape every behavior's prompt template embeds.
func recentTranscript(msgs []domain.SessionMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", m.Sender, m.Content)
	}
	return b.String()
}

func completeEvent(req domain.Request) domain.ResponseEvent {
	return domain.ResponseEvent{Type: domain.EventComplete, SessionID: req.SessionID, RequestID: req.RequestID, ObservedAt: time.Now()}
}

var _ agentruntime.Behavior = (*Classifier)(nil)
var _ agentruntime.Behavior = (*Clarifier)(nil)
var _ agentruntime.Behavior = (*Answerer)(nil)
var _ agentruntime.Behavior = (*Observer)(nil)
var _ agentruntime.Behavior = (*Curriculum)(nil)
var _ agentruntime.Behavior = (*FreeTalker)(nil)
