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

const answerPrompt = `Answer the user's math question clearly and step by step.

Conversation so far:
%s

Question: %s`

// Answerer streams the worked answer back to the client chunk by chunk,
// then hands the finished turn off to Observer and Curriculum for
// non-blocking post-processing.
type Answerer struct{ deps }

func NewAnswerer(sessions *session.Store, orch *orchestrator.Orchestrator, model llm.Client) *Answerer {
	return &Answerer{newDeps("answerer", sessions, orch, model)}
}

func (a *Answerer) Name() string { return orchestrator.AgentAnswerer }

func (a *Answerer) Handle(ctx context.Context, req domain.Request, emit agentruntime.EmitFunc) (agentruntime.Result, error) {
	snap, err := a.sessions.Snapshot(ctx, req.SessionID, 20)
	if err != nil {
		return agentruntime.Result{}, err
	}

	prompt := buildPrompt(answerPrompt, recentTranscript(snap.Messages), req.Payload)
	stream, err := a.model.GenerateStream(ctx, prompt, nil, 1024)
	if err != nil {
		return agentruntime.Result{}, merr.NewTransient("answerer.Handle", err)
	}

	var full string
	if a.orch.ForceNonStreaming() {
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
		full, err = streamChunks(ctx, req, stream, emit, "answerer.Handle")
		if err != nil {
			return agentruntime.Result{}, err
		}
	}

	if err := emit(domain.ResponseEvent{Type: domain.EventAnswerComplete, SessionID: req.SessionID, RequestID: req.RequestID}); err != nil {
		return agentruntime.Result{}, err
	}

	if _, err := a.sessions.Append(ctx, req.SessionID, domain.SessionMessage{
		Sender: domain.SenderMaice, Content: full, MessageType: domain.MessageMaiceAnswer,
	}); err != nil {
		a.logger.WithError(err).Warn("answerer: failed to record finished answer")
	}

	if err := a.orch.AdvanceStage(ctx, req.SessionID, domain.StageAnswering, domain.StageObserving); err != nil {
		a.logger.WithError(err).Warn("answerer: stage transition to observing did not apply")
	}

	a.orch.FanOutPostAnswer(ctx, req)
	a.orch.ReleaseLease(ctx, req.SessionID, req.RequestID)

	if err := emit(completeEvent(req)); err != nil {
		return agentruntime.Result{}, err
	}
	return agentruntime.Result{}, nil
}
