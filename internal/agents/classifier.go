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

// KnowledgeCode is the classifier's curriculum-area verdict, K1 through K4.
type KnowledgeCode string

const (
	KnowledgeArithmetic KnowledgeCode = "K1"
	KnowledgeAlgebra    KnowledgeCode = "K2"
	KnowledgeCalculus   KnowledgeCode = "K3"
	KnowledgeOther      KnowledgeCode = "K4"
)

// Wire values for the verdict field of the classifier's processing event.
const (
	verdictAnswerable   = "answerable"
	verdictNeedsClarify = "needs_clarify"
)

const classifierPrompt = `Classify the following math question. Identify its knowledge area ` +
	`(arithmetic, algebra, calculus, or other), estimate how math-related it is on a 0-1 scale, ` +
	`and say whether it can be answered directly or needs a clarifying question first.

Conversation so far:
%s

Question: %s`

// Classifier is the entry agent for any non-free-talk session: it decides
// whether a question is answerable as-is or needs clarification first, and
// hands off to Clarifier or Answerer accordingly. It never streams to the
// client itself.
type Classifier struct{ deps }

func NewClassifier(sessions *session.Store, orch *orchestrator.Orchestrator, model llm.Client) *Classifier {
	return &Classifier{newDeps("classifier", sessions, orch, model)}
}

func (c *Classifier) Name() string { return orchestrator.AgentClassifier }

func (c *Classifier) Handle(ctx context.Context, req domain.Request, emit agentruntime.EmitFunc) (agentruntime.Result, error) {
	snap, err := c.sessions.Snapshot(ctx, req.SessionID, 20)
	if err != nil {
		return agentruntime.Result{}, err
	}

	prompt := buildPrompt(classifierPrompt, recentTranscript(snap.Messages), req.Payload)

	raw, err := c.classify(ctx, prompt)
	degraded := merr.IsKind(err, merr.KindTimeout)
	if err != nil && !degraded {
		return agentruntime.Result{}, err
	}

	nextStage := domain.StageAnswering
	nextAgent := orchestrator.AgentAnswerer
	var code KnowledgeCode
	var mathScore float64
	verdict := verdictAnswerable
	if degraded {
		c.logger.WithField("session_id", req.SessionID).Warn("classifier: degraded, no verdict within classifier_timeout, defaulting to answerer")
	} else {
		var needsClarify bool
		code, mathScore, needsClarify = interpretVerdict(raw)
		if needsClarify {
			verdict = verdictNeedsClarify
			nextStage = domain.StageClarifying
			nextAgent = orchestrator.AgentClarifier
		}
		c.logger.WithField("session_id", req.SessionID).
			WithField("knowledge_code", string(code)).
			WithField("verdict", verdict).
			WithField("math_score", mathScore).
			Debug("classifier: verdict")
	}

	if _, err := c.sessions.Append(ctx, req.SessionID, domain.SessionMessage{
		Sender: domain.SenderMaice, Content: req.Payload, MessageType: domain.MessageMaiceProcessing,
	}); err != nil {
		c.logger.WithError(err).Warn("classifier: failed to record processing message")
	}

	if err := c.orch.AdvanceStage(ctx, req.SessionID, domain.StageInitial, nextStage); err != nil {
		c.logger.WithError(err).Warn("classifier: stage transition did not apply, session may already have moved on")
	}

	// The processing event goes out before the follow-up request so the
	// client sees the stage change ahead of the next agent's first chunk.
	// It carries the structured verdict; a degraded classification leaves
	// the verdict fields at their routing default with no knowledge code.
	if err := emit(domain.ResponseEvent{
		Type:          domain.EventProcessing,
		SessionID:     req.SessionID,
		RequestID:     req.RequestID,
		Stage:         nextStage,
		KnowledgeCode: string(code),
		Verdict:       verdict,
		MathScore:     mathScore,
	}); err != nil {
		return agentruntime.Result{}, err
	}

	if err := c.orch.PublishFollowUp(ctx, nextAgent, req); err != nil {
		return agentruntime.Result{}, err
	}

	return agentruntime.Result{}, nil
}

// classify runs the model call bounded by classifier_timeout: if no
// verdict arrives in time, it returns a KindTimeout error so Handle can
// degrade straight to Answerer instead of failing the request.
func (c *Classifier) classify(ctx context.Context, prompt string) (string, error) {
	timeout := c.orch.ClassifierTimeout()
	if timeout <= 0 {
		return c.runModel(ctx, prompt)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	verdict, err := c.runModel(tctx, prompt)
	if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return "", merr.NewTimeout("classifier.Handle", timeout)
	}
	return verdict, err
}

func (c *Classifier) runModel(ctx context.Context, prompt string) (string, error) {
	stream, err := c.model.GenerateStream(ctx, prompt, nil, 256)
	if err != nil {
		return "", merr.NewTransient("classifier.Handle", err)
	}
	return collectStream(ctx, stream)
}

func buildPrompt(template, transcript, question string) string {
	return strings.Replace(strings.Replace(template, "%s", transcript, 1), "%s", question, 1)
}

// interpretVerdict parses the model's free-text classification into a
// structured verdict. The deterministic local model echoes recognizable
// keywords for exactly this purpose; a real provider would be prompted to
// emit a constrained format instead.
func interpretVerdict(verdict string) (code KnowledgeCode, mathScore float64, needsClarify bool) {
	lower := strings.ToLower(verdict)
	code = KnowledgeOther
	switch {
	case strings.Contains(lower, "calculus") || strings.Contains(lower, "derivative") || strings.Contains(lower, "integral"):
		code = KnowledgeCalculus
	case strings.Contains(lower, "algebra") || strings.Contains(lower, "equation"):
		code = KnowledgeAlgebra
	case strings.Contains(lower, "arithmetic"):
		code = KnowledgeArithmetic
	}

	mathScore = 0.5
	if code != KnowledgeOther {
		mathScore = 0.85
	}

	needsClarify = strings.Contains(lower, "ambiguous") || strings.Contains(lower, "unclear") || strings.TrimSpace(verdict) == ""
	return code, mathScore, needsClarify
}
