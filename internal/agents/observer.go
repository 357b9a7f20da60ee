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

const observerPrompt = `Summarize in two or three sentences what was taught in this finished exchange, ` +
	`for the student's own review later. Do not introduce new material.

Conversation so far:
%s`

// Observer reads a just-finished turn, produces a short summary for the
// session's own record, and transitions the session to completed. It
// runs fire-and-forget alongside Curriculum and never blocks the client
// that already received Answerer's complete event.
type Observer struct{ deps }

func NewObserver(sessions *session.Store, orch *orchestrator.Orchestrator, model llm.Client) *Observer {
	return &Observer{newDeps("observer", sessions, orch, model)}
}

func (o *Observer) Name() string { return orchestrator.AgentObserver }

func (o *Observer) Handle(ctx context.Context, req domain.Request, emit agentruntime.EmitFunc) (agentruntime.Result, error) {
	snap, err := o.sessions.Snapshot(ctx, req.SessionID, 20)
	if err != nil {
		return agentruntime.Result{}, err
	}

	prompt := buildPrompt(observerPrompt, recentTranscript(snap.Messages), "")
	stream, err := o.model.GenerateStream(ctx, prompt, nil, 256)
	if err != nil {
		return agentruntime.Result{}, merr.NewTransient("observer.Handle", err)
	}
	summary, err := collectStream(ctx, stream)
	if err != nil {
		return agentruntime.Result{}, err
	}

	if _, err := o.sessions.Append(ctx, req.SessionID, domain.SessionMessage{
		Sender: domain.SenderMaice, Content: summary, MessageType: domain.MessageMaiceSummary,
	}); err != nil {
		o.logger.WithError(err).Warn("observer: failed to record summary")
	}

	if err := o.orch.AdvanceStage(ctx, req.SessionID, domain.StageObserving, domain.StageCompleted); err != nil {
		o.logger.WithError(err).Warn("observer: stage transition to completed did not apply")
	}

	return agentruntime.Result{Events: []domain.ResponseEvent{{
		Type:      domain.EventSummaryComplete,
		SessionID: req.SessionID,
		RequestID: req.RequestID,
	}}}, nil
}
