package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atoms-tech/maice/internal/domain"
)

func newTestRepository(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &PostgresRepository{db: db}, mock
}

func TestGetUserReturnsDisplayName(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectQuery(`SELECT display_name FROM users WHERE id = \$1`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"display_name"}).AddRow("Ada"))

	name, err := repo.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserReturnsNotFound(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectQuery(`SELECT display_name FROM users WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetSessionScansAllColumns(t *testing.T) {
	repo, mock := newTestRepository(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "user_id", "title", "current_stage", "last_message_type", "created_at", "updated_at", "is_active", "free_talk"}).
		AddRow(int64(5), "user-1", "", domain.StageAnswering, domain.MessageMaiceAnswer, now, now, true, false)
	mock.ExpectQuery(`SELECT id, user_id, title, current_stage, last_message_type, created_at, updated_at, is_active, free_talk`).
		WithArgs(int64(5)).
		WillReturnRows(rows)

	s, err := repo.GetSession(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, domain.StageAnswering, s.CurrentStage)
}

func TestGetSessionNotFound(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectQuery(`SELECT id, user_id, title, current_stage, last_message_type, created_at, updated_at, is_active, free_talk`).
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetSession(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateSessionReturnsNewID(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectQuery(`INSERT INTO sessions`).
		WithArgs("user-1", domain.StageInitial, sqlmock.AnyArg(), true).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))

	s, err := repo.CreateSession(context.Background(), "user-1", true)
	require.NoError(t, err)
	assert.Equal(t, int64(10), s.ID)
	assert.True(t, s.FreeTalk)
}

func TestListSessionMessagesOrdered(t *testing.T) {
	repo, mock := newTestRepository(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "session_id", "sender", "content", "message_type", "created_at"}).
		AddRow(int64(1), int64(5), domain.SenderUser, "hi", domain.MessageUserQuestion, now).
		AddRow(int64(2), int64(5), domain.SenderMaice, "hello", domain.MessageMaiceAnswer, now)
	mock.ExpectQuery(`SELECT id, session_id, sender, content, message_type, created_at`).
		WithArgs(int64(5), sqlmock.AnyArg()).
		WillReturnRows(rows)

	msgs, err := repo.ListSessionMessages(context.Background(), 5, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[1].Content)
}

func TestAppendSessionMessageDedupsMaiceSenderOnConflict(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectBegin()
	// The insert loses to the partial unique index (ON CONFLICT DO NOTHING
	// returns zero rows), so the pre-existing id is fetched instead.
	mock.ExpectQuery(`INSERT INTO session_messages .* ON CONFLICT`).
		WithArgs(int64(5), domain.SenderMaice, "the answer is 4", domain.MessageMaiceAnswer, sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT id FROM session_messages`).
		WithArgs(int64(5), "the answer is 4", domain.MessageMaiceAnswer).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(99)))
	mock.ExpectCommit()

	id, inserted, err := repo.AppendSessionMessage(context.Background(), domain.SessionMessage{
		SessionID: 5, Sender: domain.SenderMaice, Content: "the answer is 4", MessageType: domain.MessageMaiceAnswer,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(99), id)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendSessionMessageInsertsNew(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO session_messages .* ON CONFLICT`).
		WithArgs(int64(5), domain.SenderMaice, "hi", domain.MessageMaiceAnswer, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(201)))
	mock.ExpectExec(`UPDATE sessions SET last_message_type`).
		WithArgs(domain.MessageMaiceAnswer, sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, inserted, err := repo.AppendSessionMessage(context.Background(), domain.SessionMessage{
		SessionID: 5, Sender: domain.SenderMaice, Content: "hi", MessageType: domain.MessageMaiceAnswer,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(201), id)
	assert.True(t, inserted)
}

func TestAppendSessionMessageSkipsDedupForUserSender(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO session_messages`).
		WithArgs(int64(5), domain.SenderUser, "what is 2+2?", domain.MessageUserQuestion, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(`UPDATE sessions SET last_message_type`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, inserted, err := repo.AppendSessionMessage(context.Background(), domain.SessionMessage{
		SessionID: 5, Sender: domain.SenderUser, Content: "what is 2+2?", MessageType: domain.MessageUserQuestion,
	})
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestUpdateSessionStageCASSucceeds(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectExec(`UPDATE sessions SET current_stage`).
		WithArgs(domain.StageAnswering, sqlmock.AnyArg(), int64(5), domain.StageClarifying).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.UpdateSessionStage(context.Background(), 5, domain.StageClarifying, domain.StageAnswering)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdateSessionStageCASFailsOnStaleFrom(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectExec(`UPDATE sessions SET current_stage`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.UpdateSessionStage(context.Background(), 5, domain.StageClarifying, domain.StageAnswering)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloseSessionExecutesUpdate(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectExec(`UPDATE sessions SET is_active = false`).
		WithArgs(domain.StageCompleted, sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CloseSession(context.Background(), 5))
}

func TestUpsertEvaluationExecutesOnConflict(t *testing.T) {
	repo, mock := newTestRepository(t)
	rec := domain.EvaluationRecord{SessionID: 5, Items: [8]int{4, 4, 4, 4, 4, 4, 4, 4}, SectionA: 12, SectionB: 12, SectionC: 8, Overall: 32}
	mock.ExpectExec(`INSERT INTO evaluations`).
		WithArgs(int64(5), "{4,4,4,4,4,4,4,4}", 12, 12, 8, 32, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.UpsertEvaluation(context.Background(), rec))
}

func TestListEvaluationsScansRows(t *testing.T) {
	repo, mock := newTestRepository(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"session_id", "section_a", "section_b", "section_c", "overall", "feedback", "evaluated_at"}).
		AddRow(int64(5), 12, 12, 8, 32, "good", now)
	mock.ExpectQuery(`SELECT session_id, section_a, section_b, section_c, overall, feedback, evaluated_at`).
		WithArgs(int64(5)).
		WillReturnRows(rows)

	evals, err := repo.ListEvaluations(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, 32, evals[0].Overall)
}

func TestListActiveSessionIDs(t *testing.T) {
	repo, mock := newTestRepository(t)
	rows := sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2))
	mock.ExpectQuery(`SELECT id FROM sessions WHERE is_active = true`).WillReturnRows(rows)

	ids, err := repo.ListActiveSessionIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestPqIntArrayFormatsLiteral(t *testing.T) {
	assert.Equal(t, "{1,2,3}", pqIntArray([]int{1, 2, 3}))
	assert.Equal(t, "{}", pqIntArray(nil))
}
