package agents

import (
	"context"

	"github.com/atoms-tech/maice/internal/agentruntime"
	"github.com/atoms-tech/maice/internal/domain"
	"github.com/atoms-tech/maice/internal/llm"
	"github.com/atoms-tech/maice/internal/merr"
	"github.com/atoms-tech/maice/internal/orchestrator"
	"github.com/atoms-tech/maice/internal/session"
)

const freeTalkPrompt = `Respond conversationally and helpfully. No classification, clarification loop, or
post-answer review applies to this session.

Conversation so far:
%s

Message: %s`

// FreeTalker handles sessions opted out of the classify/clarify/observe
// pipeline entirely: every message goes straight to a streamed reply with
// no further routing.
type FreeTalker struct{ deps }

func NewFreeTalker(sessions *session.Store, orch *orchestrator.Orchestrator, model llm.Client) *FreeTalker {
	return &FreeTalker{newDeps("freetalker", sessions, orch, model)}
}

func (f *FreeTalker) Name() string { return orchestrator.AgentFreeTalker }

func (f *FreeTalker) Handle(ctx context.Context, req domain.Request, emit agentruntime.EmitFunc) (agentruntime.Result, error) {
	snap, err := f.sessions.Snapshot(ctx, req.SessionID, 20)
	if err != nil {
		return agentruntime.Result{}, err
	}

	prompt := buildPrompt(freeTalkPrompt, recentTranscript(snap.Messages), req.Payload)
	stream, err := f.model.GenerateStream(ctx, prompt, nil, 1024)
	if err != nil {
		return agentruntime.Result{}, merr.NewTransient("freetalker.Handle", err)
	}

	var full string
	if f.orch.ForceNonStreaming() {
		full, err = collectStream(ctx, stream)
		if err != nil {
			return agentruntime.Result{}, err
		}
		if err := emit(domain.ResponseEvent{
			Type: domain.EventStreamingChunk, SessionID: req.SessionID, RequestID: req.RequestID,
			ChunkIndex: 0, Content: full, IsFinal: true,
		}); err != nil {
			return agentruntime.Result{}, err
		}
	} else {
		full, err = streamChunks(ctx, req, stream, emit, "freetalker.Handle")
		if err != nil {
			return agentruntime.Result{}, err
		}
	}

	if err := emit(domain.ResponseEvent{Type: domain.EventAnswerComplete, SessionID: req.SessionID, RequestID: req.RequestID}); err != nil {
		return agentruntime.Result{}, err
	}

	if _, err := f.sessions.Append(ctx, req.SessionID, domain.SessionMessage{
		Sender: domain.SenderMaice, Content: full, MessageType: domain.MessageMaiceAnswer,
	}); err != nil {
		f.logger.WithError(err).Warn("freetalker: failed to record reply")
	}

	f.orch.ReleaseLease(ctx, req.SessionID, req.RequestID)

	if err := emit(completeEvent(req)); err != nil {
		return agentruntime.Result{}, err
	}
	return agentruntime.Result{}, nil
}
