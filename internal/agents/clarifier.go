package agents

import (
	"context"
	"errors"
	"strings"

	"github.com/atoms-tech/maice/internal/agentruntime"
	"github.com/atoms-tech/maice/internal/domain"
	"github.com/atoms-tech/maice/internal/llm"
	"github.com/atoms-tech/maice/internal/merr"
	"github.com/atoms-tech/maice/internal/orchestrator"
	"github.com/atoms-tech/maice/internal/session"
)

// maxClarificationQuestions bounds the clarification loop: at most three
// questions before the session is force-promoted to answering regardless
// of how informative the user's answers were.
const maxClarificationQuestions = 3

const clarifyingPrompt = `The user's question may be ambiguous or missing detail needed to answer it precisely. ` +
	`Given the conversation so far, either ask ONE short clarifying question, or reply exactly ` +
	`"clarification_sufficient" if enough detail is now present to answer.

Conversation so far:
%s`

// Clarifier asks up to three bounded clarifying questions before handing
// off to Answerer, tracking question index/total via the request's
// clarification coordinates rather than separate session-store state.
type Clarifier struct{ deps }

func NewClarifier(sessions *session.Store, orch *orchestrator.Orchestrator, model llm.Client) *Clarifier {
	return &Clarifier{newDeps("clarifier", sessions, orch, model)}
}

func (c *Clarifier) Name() string { return orchestrator.AgentClarifier }

func (c *Clarifier) Handle(ctx context.Context, req domain.Request, emit agentruntime.EmitFunc) (agentruntime.Result, error) {
	if req.Kind == domain.RequestClarificationAnswer {
		if _, err := c.sessions.Append(ctx, req.SessionID, domain.SessionMessage{
			Sender: domain.SenderUser, Content: req.Payload, MessageType: domain.MessageUserClarificationAnswer,
		}); err != nil {
			c.logger.WithError(err).Warn("clarifier: failed to record clarification answer")
		}
	}

	nextIndex := req.ClarificationIndex
	if req.Kind == domain.RequestClarificationAnswer {
		nextIndex = req.ClarificationIndex + 1
	}

	if nextIndex >= maxClarificationQuestions {
		return c.promoteToAnswering(ctx, req, emit)
	}

	snap, err := c.sessions.Snapshot(ctx, req.SessionID, 20)
	if err != nil {
		return agentruntime.Result{}, err
	}

	prompt := buildPrompt(clarifyingPrompt, recentTranscript(snap.Messages), "")
	reply, err := c.ask(ctx, prompt)
	if err != nil {
		if !merr.IsKind(err, merr.KindTimeout) {
			return agentruntime.Result{}, err
		}
		if c.orch.AutoPromoteAfterClarification() {
			c.logger.WithField("session_id", req.SessionID).Warn("clarifier: no question within clarify_timeout, auto-promoting to answerer")
			return c.promoteToAnswering(ctx, req, emit)
		}
		return agentruntime.Result{}, err
	}

	if strings.Contains(strings.ToLower(reply), "clarification_sufficient") {
		return c.promoteToAnswering(ctx, req, emit)
	}

	if _, err := c.sessions.Append(ctx, req.SessionID, domain.SessionMessage{
		Sender: domain.SenderMaice, Content: reply, MessageType: domain.MessageMaiceClarificationAsk,
	}); err != nil {
		c.logger.WithError(err).Warn("clarifier: failed to record clarifying question")
	}

	// A clarifying question ends this turn: the stream completes and the
	// session lease is freed so the user's answer can be admitted as a
	// fresh request.
	if err := emit(domain.ResponseEvent{
		Type:          domain.EventClarificationQuestion,
		SessionID:     req.SessionID,
		RequestID:     req.RequestID,
		Stage:         domain.StageClarifying,
		QuestionIndex: nextIndex,
		QuestionTotal: maxClarificationQuestions,
		Question:      reply,
	}); err != nil {
		return agentruntime.Result{}, err
	}
	if err := emit(completeEvent(req)); err != nil {
		return agentruntime.Result{}, err
	}
	c.orch.ReleaseLease(ctx, req.SessionID, req.RequestID)

	return agentruntime.Result{}, nil
}

// ask runs the model call bounded by clarify_timeout: if no question
// arrives in time, it returns a KindTimeout error so Handle can apply the
// auto-promote-or-error tie-break.
func (c *Clarifier) ask(ctx context.Context, prompt string) (string, error) {
	timeout := c.orch.ClarifyTimeout()
	if timeout <= 0 {
		return c.runModel(ctx, prompt)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := c.runModel(tctx, prompt)
	if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return "", merr.NewTimeout("clarifier.Handle", timeout)
	}
	return reply, err
}

func (c *Clarifier) runModel(ctx context.Context, prompt string) (string, error) {
	stream, err := c.model.GenerateStream(ctx, prompt, nil, 128)
	if err != nil {
		return "", merr.NewTransient("clarifier.Handle", err)
	}
	return collectStream(ctx, stream)
}

func (c *Clarifier) promoteToAnswering(ctx context.Context, req domain.Request, emit agentruntime.EmitFunc) (agentruntime.Result, error) {
	if err := c.orch.AdvanceStage(ctx, req.SessionID, domain.StageClarifying, domain.StageAnswering); err != nil {
		c.logger.WithError(err).Warn("clarifier: stage transition to answering did not apply")
	}
	if err := emit(domain.ResponseEvent{
		Type:      domain.EventProcessing,
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Stage:     domain.StageAnswering,
	}); err != nil {
		return agentruntime.Result{}, err
	}
	if err := c.orch.PublishFollowUp(ctx, orchestrator.AgentAnswerer, req); err != nil {
		return agentruntime.Result{}, err
	}
	return agentruntime.Result{}, nil
}
