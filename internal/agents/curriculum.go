package agents

import (
	"context"
	"strings"

	"github.com/atoms-tech/maice/internal/agentruntime"
	"github.com/atoms-tech/maice/internal/domain"
	"github.com/atoms-tech/maice/internal/llm"
	"github.com/atoms-tech/maice/internal/orchestrator"
	"github.com/atoms-tech/maice/internal/session"
)

// termCorpus is a small static glossary Curriculum checks a finished
// answer's terminology against. A production deployment would back this
// with a maintained curriculum database; this is the fixed reference set
// used for the checks this agent performs.
var termCorpus = map[string]string{
	"derivative": "instantaneous rate of change of a function",
	"integral":   "accumulation of a quantity over an interval",
	"limit":      "value a function approaches as its input approaches some point",
	"factor":     "one of two or more quantities that divide a number evenly",
}

// Curriculum verifies that terminology used in a finished answer matches
// the reference corpus and records any mismatch for human review. It
// never rewrites the answer the student already received.
type Curriculum struct{ deps }

func NewCurriculum(sessions *session.Store, orch *orchestrator.Orchestrator, model llm.Client) *Curriculum {
	return &Curriculum{newDeps("curriculum", sessions, orch, model)}
}

func (c *Curriculum) Name() string { return orchestrator.AgentCurriculum }

func (c *Curriculum) Handle(ctx context.Context, req domain.Request, emit agentruntime.EmitFunc) (agentruntime.Result, error) {
	snap, err := c.sessions.Snapshot(ctx, req.SessionID, 5)
	if err != nil {
		return agentruntime.Result{}, err
	}

	var lastAnswer string
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].MessageType == domain.MessageMaiceAnswer {
			lastAnswer = snap.Messages[i].Content
			break
		}
	}

	mismatches := c.checkTerminology(lastAnswer)
	if len(mismatches) > 0 {
		c.logger.WithField("session_id", req.SessionID).WithField("terms", strings.Join(mismatches, ",")).
			Warn("curriculum: terminology flagged for review")
		if _, err := c.sessions.Append(ctx, req.SessionID, domain.SessionMessage{
			Sender: domain.SenderMaice, Content: "terminology flagged: " + strings.Join(mismatches, ", "),
			MessageType: domain.MessageInternal,
		}); err != nil {
			c.logger.WithError(err).Warn("curriculum: failed to record flagged terminology")
		}
	}

	// Curriculum never emits to the client's response stream: its output
	// is an internal audit signal, not user-visible content.
	return agentruntime.Result{}, nil
}

// checkTerminology looks for corpus terms used in a way that contradicts
// their reference definition — here, flags any corpus term that appears
// when the first word of its definition appears nowhere in the answer, a
// coarse proxy for "used incorrectly".
func (c *Curriculum) checkTerminology(answer string) []string {
	lower := strings.ToLower(answer)
	var flagged []string
	for term, def := range termCorpus {
		if !strings.Contains(lower, term) {
			continue
		}
		keyword := strings.Fields(def)[0]
		if !strings.Contains(lower, keyword) {
			flagged = append(flagged, term)
		}
	}
	return flagged
}
