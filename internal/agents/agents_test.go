package agents

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atoms-tech/maice/internal/bus"
	"github.com/atoms-tech/maice/internal/domain"
	"github.com/atoms-tech/maice/internal/llm"
	"github.com/atoms-tech/maice/internal/orchestrator"
	"github.com/atoms-tech/maice/internal/repository"
	"github.com/atoms-tech/maice/internal/session"
)

// fakeRepository is an in-memory repository.Repository, scoped to what
// the agent behaviors and the SessionStore/Orchestrator exercise here.
type fakeRepository struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*domain.Session
	messages map[int64][]domain.SessionMessage
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		sessions: make(map[int64]*domain.Session),
		messages: make(map[int64][]domain.SessionMessage),
	}
}

func (f *fakeRepository) GetUser(ctx context.Context, id string) (string, error) { return id, nil }

func (f *fakeRepository) GetSession(ctx context.Context, id int64) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepository) CreateSession(ctx context.Context, userID string, freeTalk bool) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	now := time.Now().UTC()
	s := &domain.Session{ID: f.nextID, UserID: userID, CurrentStage: domain.StageInitial, CreatedAt: now, UpdatedAt: now, IsActive: true, FreeTalk: freeTalk}
	f.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (f *fakeRepository) ListSessionMessages(ctx context.Context, sessionID int64, since time.Time) ([]domain.SessionMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SessionMessage(nil), f.messages[sessionID]...), nil
}

func (f *fakeRepository) AppendSessionMessage(ctx context.Context, msg domain.SessionMessage) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = f.nextID
	msg.CreatedAt = time.Now().UTC()
	f.messages[msg.SessionID] = append(f.messages[msg.SessionID], msg)
	if s, ok := f.sessions[msg.SessionID]; ok {
		s.LastMsgType = msg.MessageType
		s.UpdatedAt = msg.CreatedAt
	}
	return msg.ID, true, nil
}

func (f *fakeRepository) UpdateSessionStage(ctx context.Context, sessionID int64, from, to domain.Stage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.CurrentStage != from {
		return false, nil
	}
	s.CurrentStage = to
	return true, nil
}

func (f *fakeRepository) CloseSession(ctx context.Context, sessionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	s.IsActive = false
	return nil
}

func (f *fakeRepository) UpsertEvaluation(ctx context.Context, rec domain.EvaluationRecord) error {
	return nil
}

func (f *fakeRepository) ListEvaluations(ctx context.Context, sessionID int64) ([]domain.EvaluationRecord, error) {
	return nil, nil
}

func (f *fakeRepository) ListActiveSessionIDs(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for id := range f.sessions {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeRepository) Close() error { return nil }

// scriptedClient returns a fixed reply on every call, regardless of prompt.
type scriptedClient struct {
	reply string
}

func (c *scriptedClient) GenerateStream(ctx context.Context, prompt string, stopSequences []string, maxTokens int) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{Content: c.reply}
	close(ch)
	return ch, nil
}

// eventSink collects everything a behavior emits, standing in for the
// runtime's publish-to-response-stream EmitFunc.
type eventSink struct {
	events []domain.ResponseEvent
}

func (s *eventSink) emit(ev domain.ResponseEvent) error {
	s.events = append(s.events, ev)
	return nil
}

// testRig wires a real Bus and Orchestrator against miniredis, so the
// agent behaviors exercise their actual AdvanceStage/PublishFollowUp/
// FanOutPostAnswer/ReleaseLease calls instead of a mock orchestrator.
type testRig struct {
	repo     *fakeRepository
	sessions *session.Store
	orch     *orchestrator.Orchestrator
}

func newTestRig(t *testing.T, cfg orchestrator.Config) *testRig {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	b := bus.New(rdb, bus.DefaultConfig())
	repo := newFakeRepository()
	sessions := session.New(repo, nil)
	orch := orchestrator.New(nil, b, sessions, rdb, nil, cfg)
	return &testRig{repo: repo, sessions: sessions, orch: orch}
}

func TestClassifierRoutesCalculusToAnswering(t *testing.T) {
	rig := newTestRig(t, orchestrator.DefaultConfig())
	ctx := context.Background()

	id, err := rig.sessions.Create(ctx, "user-1", false, "what is the derivative of x^2?")
	require.NoError(t, err)

	c := NewClassifier(rig.sessions, rig.orch, &scriptedClient{reply: "this is a calculus question, directly answerable"})
	req := domain.Request{RequestID: "r1", SessionID: id, UserID: "user-1", Payload: "what is the derivative of x^2?", Kind: domain.RequestQuestion}

	sink := &eventSink{}
	result, err := c.Handle(ctx, req, sink.emit)
	require.NoError(t, err)
	assert.Empty(t, result.Events, "classifier emits its processing event before handing off")
	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventProcessing, sink.events[0].Type)
	assert.Equal(t, domain.StageAnswering, sink.events[0].Stage)
	assert.Equal(t, string(KnowledgeCalculus), sink.events[0].KnowledgeCode)
	assert.Equal(t, verdictAnswerable, sink.events[0].Verdict)
	assert.Greater(t, sink.events[0].MathScore, 0.5)

	stage, err := rig.sessions.CurrentStage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StageAnswering, stage)
}

func TestClassifierRoutesAmbiguousToClarifying(t *testing.T) {
	rig := newTestRig(t, orchestrator.DefaultConfig())
	ctx := context.Background()

	id, err := rig.sessions.Create(ctx, "user-1", false, "help me with math")
	require.NoError(t, err)

	c := NewClassifier(rig.sessions, rig.orch, &scriptedClient{reply: "ambiguous, unclear which topic"})
	req := domain.Request{RequestID: "r1", SessionID: id, UserID: "user-1", Payload: "help me with math", Kind: domain.RequestQuestion}

	sink := &eventSink{}
	_, err = c.Handle(ctx, req, sink.emit)
	require.NoError(t, err)
	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.StageClarifying, sink.events[0].Stage)
	assert.Equal(t, verdictNeedsClarify, sink.events[0].Verdict)

	stage, err := rig.sessions.CurrentStage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StageClarifying, stage)
}

func TestClarifierAsksQuestionThenCompletesTurn(t *testing.T) {
	rig := newTestRig(t, orchestrator.DefaultConfig())
	ctx := context.Background()

	id, err := rig.sessions.Create(ctx, "user-1", false, "help me with math")
	require.NoError(t, err)
	require.NoError(t, rig.sessions.Transition(ctx, id, domain.StageInitial, domain.StageClarifying))

	cl := NewClarifier(rig.sessions, rig.orch, &scriptedClient{reply: "which grade level is this for?"})
	req := domain.Request{RequestID: "r1", SessionID: id, UserID: "user-1", Kind: domain.RequestQuestion}

	sink := &eventSink{}
	_, err = cl.Handle(ctx, req, sink.emit)
	require.NoError(t, err)
	require.Len(t, sink.events, 2, "a clarifying question ends the turn with complete")
	assert.Equal(t, domain.EventClarificationQuestion, sink.events[0].Type)
	assert.Equal(t, 0, sink.events[0].QuestionIndex)
	assert.Equal(t, maxClarificationQuestions, sink.events[0].QuestionTotal)
	assert.Equal(t, domain.EventComplete, sink.events[1].Type)

	stage, err := rig.sessions.CurrentStage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StageClarifying, stage, "stage should not advance until sufficient or bound reached")
}

func TestClarifierPromotesOnSufficientReply(t *testing.T) {
	rig := newTestRig(t, orchestrator.DefaultConfig())
	ctx := context.Background()

	id, err := rig.sessions.Create(ctx, "user-1", false, "")
	require.NoError(t, err)
	require.NoError(t, rig.sessions.Transition(ctx, id, domain.StageInitial, domain.StageClarifying))

	cl := NewClarifier(rig.sessions, rig.orch, &scriptedClient{reply: "clarification_sufficient"})
	req := domain.Request{RequestID: "r1", SessionID: id, UserID: "user-1", Kind: domain.RequestClarificationAnswer, ClarificationIndex: 1}

	sink := &eventSink{}
	_, err = cl.Handle(ctx, req, sink.emit)
	require.NoError(t, err)
	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventProcessing, sink.events[0].Type)
	assert.Equal(t, domain.StageAnswering, sink.events[0].Stage)

	stage, err := rig.sessions.CurrentStage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StageAnswering, stage)
}

func TestClarifierForcePromotesAtBound(t *testing.T) {
	rig := newTestRig(t, orchestrator.DefaultConfig())
	ctx := context.Background()

	id, err := rig.sessions.Create(ctx, "user-1", false, "")
	require.NoError(t, err)
	require.NoError(t, rig.sessions.Transition(ctx, id, domain.StageInitial, domain.StageClarifying))

	cl := NewClarifier(rig.sessions, rig.orch, &scriptedClient{reply: "another clarifying question"})
	req := domain.Request{RequestID: "r1", SessionID: id, UserID: "user-1", Kind: domain.RequestClarificationAnswer, ClarificationIndex: maxClarificationQuestions - 1}

	sink := &eventSink{}
	_, err = cl.Handle(ctx, req, sink.emit)
	require.NoError(t, err)
	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.StageAnswering, sink.events[0].Stage, "hitting the bound must force-promote regardless of model reply")
}

func TestAnswererStreamsChunksThenCompletes(t *testing.T) {
	rig := newTestRig(t, orchestrator.DefaultConfig())
	ctx := context.Background()

	id, err := rig.sessions.Create(ctx, "user-1", false, "what is 2+2?")
	require.NoError(t, err)
	require.NoError(t, rig.sessions.Transition(ctx, id, domain.StageInitial, domain.StageAnswering))

	a := NewAnswerer(rig.sessions, rig.orch, &scriptedClient{reply: "4"})
	req := domain.Request{RequestID: "r1", SessionID: id, UserID: "user-1", Payload: "what is 2+2?", Kind: domain.RequestQuestion}

	sink := &eventSink{}
	result, err := a.Handle(ctx, req, sink.emit)
	require.NoError(t, err)
	assert.Empty(t, result.Events)
	require.True(t, len(sink.events) >= 3)

	assert.Equal(t, domain.EventStreamingChunk, sink.events[0].Type)
	assert.Equal(t, 0, sink.events[0].ChunkIndex)
	assert.Equal(t, domain.EventComplete, sink.events[len(sink.events)-1].Type)

	hasAnswerComplete := false
	finalCount := 0
	for _, ev := range sink.events {
		if ev.Type == domain.EventAnswerComplete {
			hasAnswerComplete = true
		}
		if ev.Type == domain.EventStreamingChunk && ev.IsFinal {
			finalCount++
		}
	}
	assert.True(t, hasAnswerComplete)
	assert.Equal(t, 1, finalCount, "exactly one chunk carries is_final")

	stage, err := rig.sessions.CurrentStage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StageObserving, stage)
}

func TestAnswererChunkConcatenationReproducesAnswer(t *testing.T) {
	rig := newTestRig(t, orchestrator.DefaultConfig())
	ctx := context.Background()

	id, err := rig.sessions.Create(ctx, "user-1", false, "define a derivative")
	require.NoError(t, err)
	require.NoError(t, rig.sessions.Transition(ctx, id, domain.StageInitial, domain.StageAnswering))

	a := NewAnswerer(rig.sessions, rig.orch, llm.NewDeterministicClient())
	req := domain.Request{RequestID: "r1", SessionID: id, UserID: "user-1", Payload: "define a derivative", Kind: domain.RequestQuestion}

	sink := &eventSink{}
	_, err = a.Handle(ctx, req, sink.emit)
	require.NoError(t, err)

	var concatenated string
	for _, ev := range sink.events {
		if ev.Type == domain.EventStreamingChunk {
			concatenated += ev.Content
		}
	}

	snap, err := rig.sessions.Snapshot(ctx, id, 0)
	require.NoError(t, err)
	var persisted string
	for _, m := range snap.Messages {
		if m.MessageType == domain.MessageMaiceAnswer {
			persisted = m.Content
		}
	}
	assert.Equal(t, persisted, concatenated, "ordered chunk concatenation must reproduce the persisted answer")
	assert.NotEmpty(t, persisted)
}

func TestAnswererForceNonStreamingEmitsSingleFinalChunk(t *testing.T) {
	cfg := orchestrator.DefaultConfig()
	cfg.ForceNonStreaming = true
	rig := newTestRig(t, cfg)
	ctx := context.Background()

	id, err := rig.sessions.Create(ctx, "user-1", false, "what is 2+2?")
	require.NoError(t, err)
	require.NoError(t, rig.sessions.Transition(ctx, id, domain.StageInitial, domain.StageAnswering))

	a := NewAnswerer(rig.sessions, rig.orch, &scriptedClient{reply: "the answer is 4"})
	req := domain.Request{RequestID: "r1", SessionID: id, UserID: "user-1", Payload: "what is 2+2?", Kind: domain.RequestQuestion}

	sink := &eventSink{}
	_, err = a.Handle(ctx, req, sink.emit)
	require.NoError(t, err)

	chunkCount := 0
	for _, ev := range sink.events {
		if ev.Type == domain.EventStreamingChunk {
			chunkCount++
			assert.True(t, ev.IsFinal)
			assert.Equal(t, "the answer is 4", ev.Content)
		}
	}
	assert.Equal(t, 1, chunkCount, "force_non_streaming must emit exactly one chunk")

	// Ordering: single final chunk, then answer_complete, then complete.
	require.True(t, len(sink.events) >= 3)
	assert.Equal(t, domain.EventStreamingChunk, sink.events[0].Type)
	assert.Equal(t, domain.EventAnswerComplete, sink.events[1].Type)
	assert.Equal(t, domain.EventComplete, sink.events[len(sink.events)-1].Type)
}

func TestAnswererCancelledMidStreamPersistsNothing(t *testing.T) {
	rig := newTestRig(t, orchestrator.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	id, err := rig.sessions.Create(ctx, "user-1", false, "what is 2+2?")
	require.NoError(t, err)
	require.NoError(t, rig.sessions.Transition(ctx, id, domain.StageInitial, domain.StageAnswering))

	model := &cancellingClient{cancel: cancel, chunksBeforeCancel: 3}
	a := NewAnswerer(rig.sessions, rig.orch, model)
	req := domain.Request{RequestID: "r1", SessionID: id, UserID: "user-1", Payload: "what is 2+2?", Kind: domain.RequestQuestion}

	sink := &eventSink{}
	_, err = a.Handle(ctx, req, sink.emit)
	require.Error(t, err)

	for _, ev := range sink.events {
		assert.False(t, ev.IsFinal, "no chunk may carry is_final after a cancellation")
	}

	snap, err := rig.sessions.Snapshot(context.Background(), id, 0)
	require.NoError(t, err)
	for _, m := range snap.Messages {
		assert.NotEqual(t, domain.MessageMaiceAnswer, m.MessageType, "a cancelled stream must not persist a partial answer")
	}
}

// cancellingClient emits a few chunks and then cancels the caller's
// context mid-stream, simulating a client disconnect during generation.
type cancellingClient struct {
	cancel             context.CancelFunc
	chunksBeforeCancel int
}

func (c *cancellingClient) GenerateStream(ctx context.Context, prompt string, stopSequences []string, maxTokens int) (<-chan llm.Chunk, error) {
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for i := 0; i < c.chunksBeforeCancel; i++ {
			select {
			case out <- llm.Chunk{Content: "word "}:
			case <-ctx.Done():
				return
			}
		}
		c.cancel()
		<-ctx.Done()
	}()
	return out, nil
}

func TestObserverSummarizesAndCompletesSession(t *testing.T) {
	rig := newTestRig(t, orchestrator.DefaultConfig())
	ctx := context.Background()

	id, err := rig.sessions.Create(ctx, "user-1", false, "")
	require.NoError(t, err)
	_, err = rig.sessions.Append(ctx, id, domain.SessionMessage{Sender: domain.SenderMaice, Content: "the answer is 4", MessageType: domain.MessageMaiceAnswer})
	require.NoError(t, err)
	require.NoError(t, rig.sessions.Transition(ctx, id, domain.StageInitial, domain.StageAnswering))
	require.NoError(t, rig.sessions.Transition(ctx, id, domain.StageAnswering, domain.StageObserving))

	o := NewObserver(rig.sessions, rig.orch, &scriptedClient{reply: "we covered basic addition."})
	req := domain.Request{RequestID: "r1", SessionID: id, UserID: "user-1"}

	sink := &eventSink{}
	result, err := o.Handle(ctx, req, sink.emit)
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, domain.EventSummaryComplete, result.Events[0].Type)

	stage, err := rig.sessions.CurrentStage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, stage)

	snap, err := rig.sessions.Snapshot(ctx, id, 0)
	require.NoError(t, err)
	found := false
	for _, m := range snap.Messages {
		if m.MessageType == domain.MessageMaiceSummary {
			found = true
		}
	}
	assert.True(t, found, "observer should persist its summary")
}

func TestCurriculumFlagsMismatchedTerminologySilently(t *testing.T) {
	rig := newTestRig(t, orchestrator.DefaultConfig())
	ctx := context.Background()

	id, err := rig.sessions.Create(ctx, "user-1", false, "")
	require.NoError(t, err)
	_, err = rig.sessions.Append(ctx, id, domain.SessionMessage{
		Sender: domain.SenderMaice, Content: "a derivative is just a number you add up over an interval",
		MessageType: domain.MessageMaiceAnswer,
	})
	require.NoError(t, err)

	c := NewCurriculum(rig.sessions, rig.orch, &scriptedClient{})
	req := domain.Request{RequestID: "r1", SessionID: id, UserID: "user-1"}

	sink := &eventSink{}
	result, err := c.Handle(ctx, req, sink.emit)
	require.NoError(t, err)
	assert.Empty(t, result.Events, "curriculum never emits client-facing events")
	assert.Empty(t, sink.events)

	snap, err := rig.sessions.Snapshot(ctx, id, 0)
	require.NoError(t, err)
	found := false
	for _, m := range snap.Messages {
		if m.MessageType == domain.MessageInternal {
			found = true
		}
	}
	assert.True(t, found, "a mismatched term should be recorded as an internal message")
}

func TestCurriculumNoFlagOnCleanAnswer(t *testing.T) {
	rig := newTestRig(t, orchestrator.DefaultConfig())
	ctx := context.Background()

	id, err := rig.sessions.Create(ctx, "user-1", false, "")
	require.NoError(t, err)
	_, err = rig.sessions.Append(ctx, id, domain.SessionMessage{
		Sender: domain.SenderMaice, Content: "there is no curriculum terminology in this particular reply",
		MessageType: domain.MessageMaiceAnswer,
	})
	require.NoError(t, err)

	c := NewCurriculum(rig.sessions, rig.orch, &scriptedClient{})
	req := domain.Request{RequestID: "r1", SessionID: id, UserID: "user-1"}

	sink := &eventSink{}
	_, err = c.Handle(ctx, req, sink.emit)
	require.NoError(t, err)

	snap, err := rig.sessions.Snapshot(ctx, id, 0)
	require.NoError(t, err)
	for _, m := range snap.Messages {
		assert.NotEqual(t, domain.MessageInternal, m.MessageType)
	}
}

func TestFreeTalkerStreamsWithoutStageRouting(t *testing.T) {
	rig := newTestRig(t, orchestrator.DefaultConfig())
	ctx := context.Background()

	id, err := rig.sessions.Create(ctx, "user-1", true, "")
	require.NoError(t, err)

	f := NewFreeTalker(rig.sessions, rig.orch, &scriptedClient{reply: "sure, happy to chat"})
	req := domain.Request{RequestID: "r1", SessionID: id, UserID: "user-1", Payload: "hey there", Kind: domain.RequestQuestion}

	sink := &eventSink{}
	_, err = f.Handle(ctx, req, sink.emit)
	require.NoError(t, err)

	require.NotEmpty(t, sink.events)
	assert.Equal(t, domain.EventComplete, sink.events[len(sink.events)-1].Type)

	stage, err := rig.sessions.CurrentStage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInitial, stage, "free talk sessions never advance the classify/clarify/answer stage machine")
}
