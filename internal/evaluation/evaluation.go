// Package evaluation implements the EvaluationWorkflow component: scoring
// finished sessions against the eight-item rubric. It uses
// sourcegraph/conc's bounded pool for the batch and all-sessions entry
// points rather than hand-rolling a worker pool with raw goroutines and a
// semaphore channel.
package evaluation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/atoms-tech/maice/internal/domain"
	"github.com/atoms-tech/maice/internal/llm"
	"github.com/atoms-tech/maice/internal/logging"
	"github.com/atoms-tech/maice/internal/merr"
	"github.com/atoms-tech/maice/internal/repository"
	"github.com/atoms-tech/maice/internal/session"
)

const defaultParallelism = 4

const rubricPrompt = `Score this finished tutoring session against an eight-item checklist. For each of the
eight items, respond with a line "item N: S" where S is 1 to 5 (1 = not demonstrated, 5 = fully
demonstrated). The eight items are: (1) correctness of final answer, (2) clarity of explanation,
(3) appropriate level of detail, (4) clarification questions were relevant, (5) clarification
questions were not excessive, (6) terminology used correctly, (7) follow-up learning value,
(8) overall tone and encouragement. Finish with one sentence of feedback after the eight lines.

Transcript:
%s`

// Workflow scores one or more finished sessions against the rubric and
// persists the result via the repository, independent of the session's
// own current stage.
type Workflow struct {
	sessions    *session.Store
	repo        repository.Repository
	model       llm.Client
	logger      *logging.Logger
	parallelism int
}

func New(sessions *session.Store, repo repository.Repository, model llm.Client, parallelism int) *Workflow {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	return &Workflow{sessions: sessions, repo: repo, model: model, logger: logging.GetLogger("evaluation"), parallelism: parallelism}
}

// BatchResult summarizes a batch run: isolated per-session failures never
// abort the rest of the batch.
type BatchResult struct {
	Total      int
	Successful int
	Failed     int
	Errors     []string
}

// EvaluateSession scores a single session and upserts the resulting
// EvaluationRecord. Section and overall totals are computed deterministically
// from the model's eight item scores — the model is never trusted with the
// final numbers directly.
func (w *Workflow) EvaluateSession(ctx context.Context, sessionID int64) (*domain.EvaluationRecord, error) {
	snap, err := w.sessions.Snapshot(ctx, sessionID, 200)
	if err != nil {
		return nil, err
	}

	prompt := strings.Replace(rubricPrompt, "%s", transcriptFor(snap.Messages), 1)
	stream, err := w.model.GenerateStream(ctx, prompt, nil, 512)
	if err != nil {
		return nil, merr.NewTransient("evaluation.EvaluateSession", err)
	}

	var b strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return nil, merr.NewTransient("evaluation.EvaluateSession", chunk.Err)
		}
		b.WriteString(chunk.Content)
	}
	raw := b.String()

	rec := domain.EvaluationRecord{SessionID: sessionID, Feedback: lastSentence(raw)}
	rec.Items = parseItemScores(raw)
	rec.ScoreItems()
	rec.EvaluatedAt = time.Now().UTC()

	if err := w.repo.UpsertEvaluation(ctx, rec); err != nil {
		return nil, merr.NewTransient("evaluation.EvaluateSession", err).WithResource(sessionLabel(sessionID))
	}
	return &rec, nil
}

// EvaluateBatch scores an explicit list of sessions concurrently, bounded
// by w.parallelism. Each session's failure is isolated and reported in
// the result rather than aborting the rest of the batch.
func (w *Workflow) EvaluateBatch(ctx context.Context, sessionIDs []int64, onlyUnevaluated bool) BatchResult {
	ids := sessionIDs
	if onlyUnevaluated {
		ids = w.filterUnevaluated(ctx, sessionIDs)
	}

	result := BatchResult{Total: len(ids)}
	if len(ids) == 0 {
		return result
	}

	results := make(chan struct {
		ok  bool
		err string
	}, len(ids))

	p := pool.New().WithMaxGoroutines(w.parallelism)
	for _, id := range ids {
		id := id
		p.Go(func() {
			if _, err := w.EvaluateSession(ctx, id); err != nil {
				results <- struct {
					ok  bool
					err string
				}{false, sessionLabel(id) + ": " + err.Error()}
				return
			}
			results <- struct {
				ok  bool
				err string
			}{true, ""}
		})
	}
	p.Wait()
	close(results)

	for r := range results {
		if r.ok {
			result.Successful++
		} else {
			result.Failed++
			result.Errors = append(result.Errors, r.err)
		}
	}
	return result
}

// EvaluateAll scores every currently active session.
func (w *Workflow) EvaluateAll(ctx context.Context, onlyUnevaluated bool) (BatchResult, error) {
	ids, err := w.sessions.ActiveSessionIDs(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	return w.EvaluateBatch(ctx, ids, onlyUnevaluated), nil
}

func (w *Workflow) filterUnevaluated(ctx context.Context, ids []int64) []int64 {
	var out []int64
	for _, id := range ids {
		existing, err := w.repo.ListEvaluations(ctx, id)
		if err != nil {
			w.logger.WithError(err).WithField("session_id", id).Warn("evaluation: failed to check existing evaluation, including anyway")
			out = append(out, id)
			continue
		}
		if len(existing) == 0 {
			out = append(out, id)
		}
	}
	return out
}

func transcriptFor(msgs []domain.SessionMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Sender))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// parseItemScores extracts the eight "item N: S" lines the rubric prompt
// asks for, defaulting any unparsed item to the rubric's midpoint so a
// malformed model response never produces a zero-filled record.
func parseItemScores(raw string) [8]int {
	var items [8]int
	for i := range items {
		items[i] = 3
	}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.ToLower(strings.TrimSpace(line))
		if !strings.HasPrefix(line, "item ") {
			continue
		}
		var n, score int
		if _, err := fmt.Sscanf(line, "item %d: %d", &n, &score); err == nil && n >= 1 && n <= 8 && score >= 1 && score <= 5 {
			items[n-1] = score
		}
	}
	return items
}

func lastSentence(raw string) string {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSpace(lines[i])
		if l != "" && !strings.HasPrefix(strings.ToLower(l), "item ") {
			return l
		}
	}
	return ""
}

func sessionLabel(id int64) string {
	return "session:" + strconv.FormatInt(id, 10)
}
