// Package repository defines the abstract persistence contract SessionStore
// sits on top of, and a Postgres implementation over database/sql + lib/pq
// covering the session/message/evaluation schema this domain needs.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/atoms-tech/maice/internal/domain"
)

var ErrNotFound = errors.New("repository: not found")

// Repository is the abstract persistence contract every storage backend
// implements. Implementations are expected to be transactional per call.
type Repository interface {
	GetUser(ctx context.Context, id string) (string, error)
	GetSession(ctx context.Context, id int64) (*domain.Session, error)
	CreateSession(ctx context.Context, userID string, freeTalk bool) (*domain.Session, error)
	ListSessionMessages(ctx context.Context, sessionID int64, since time.Time) ([]domain.SessionMessage, error)
	AppendSessionMessage(ctx context.Context, msg domain.SessionMessage) (int64, bool, error)
	UpdateSessionStage(ctx context.Context, sessionID int64, from, to domain.Stage) (bool, error)
	CloseSession(ctx context.Context, sessionID int64) error
	UpsertEvaluation(ctx context.Context, record domain.EvaluationRecord) error
	ListEvaluations(ctx context.Context, sessionID int64) ([]domain.EvaluationRecord, error)
	ListActiveSessionIDs(ctx context.Context) ([]int64, error)
	Close() error
}

// PostgresRepository implements Repository over database/sql with the
// lib/pq driver.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository opens a connection pool against dsn and verifies
// it with a ping at construction time.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) Close() error { return r.db.Close() }

func (r *PostgresRepository) GetUser(ctx context.Context, id string) (string, error) {
	var name string
	err := r.db.QueryRowContext(ctx, `SELECT display_name FROM users WHERE id = $1`, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return name, err
}

func (r *PostgresRepository) GetSession(ctx context.Context, id int64) (*domain.Session, error) {
	var s domain.Session
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, current_stage, last_message_type, created_at, updated_at, is_active, free_talk
		FROM sessions WHERE id = $1`, id).Scan(
		&s.ID, &s.UserID, &s.Title, &s.CurrentStage, &s.LastMsgType, &s.CreatedAt, &s.UpdatedAt, &s.IsActive, &s.FreeTalk,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, userID string, freeTalk bool) (*domain.Session, error) {
	now := time.Now().UTC()
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (user_id, title, current_stage, created_at, updated_at, is_active, free_talk)
		VALUES ($1, '', $2, $3, $3, true, $4)
		RETURNING id`, userID, domain.StageInitial, now, freeTalk).Scan(&id)
	if err != nil {
		return nil, err
	}
	return &domain.Session{
		ID: id, UserID: userID, CurrentStage: domain.StageInitial,
		CreatedAt: now, UpdatedAt: now, IsActive: true, FreeTalk: freeTalk,
	}, nil
}

func (r *PostgresRepository) ListSessionMessages(ctx context.Context, sessionID int64, since time.Time) ([]domain.SessionMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, sender, content, message_type, created_at
		FROM session_messages
		WHERE session_id = $1 AND created_at >= $2
		ORDER BY created_at ASC, id ASC`, sessionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SessionMessage
	for rows.Next() {
		var m domain.SessionMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Content, &m.MessageType, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendSessionMessage enforces the uniqueness invariant for maice-sender
// messages: (session_id, content, message_type) is unique. Returns the
// persisted or pre-existing message id and whether it was newly inserted.
// The maice path rides the partial unique index atomically — INSERT ...
// ON CONFLICT DO NOTHING, then a SELECT only when the insert lost — so
// two concurrent redeliveries of the same message both resolve to one row
// without either seeing a constraint violation.
func (r *PostgresRepository) AppendSessionMessage(ctx context.Context, msg domain.SessionMessage) (int64, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var id int64

	if msg.Sender == domain.SenderMaice {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO session_messages (session_id, sender, content, message_type, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id, content, message_type) WHERE sender = 'maice' DO NOTHING
			RETURNING id`, msg.SessionID, msg.Sender, msg.Content, msg.MessageType, now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			var existingID int64
			err = tx.QueryRowContext(ctx, `
				SELECT id FROM session_messages
				WHERE session_id = $1 AND content = $2 AND message_type = $3`,
				msg.SessionID, msg.Content, msg.MessageType).Scan(&existingID)
			if err != nil {
				return 0, false, err
			}
			return existingID, false, tx.Commit()
		}
		if err != nil {
			return 0, false, err
		}
	} else {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO session_messages (session_id, sender, content, message_type, created_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`, msg.SessionID, msg.Sender, msg.Content, msg.MessageType, now).Scan(&id)
		if err != nil {
			return 0, false, err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET last_message_type = $1, updated_at = $2 WHERE id = $3`,
		msg.MessageType, now, msg.SessionID); err != nil {
		return 0, false, err
	}

	return id, true, tx.Commit()
}

// UpdateSessionStage performs a compare-and-swap: it succeeds only if the
// row's current_stage still matches from.
func (r *PostgresRepository) UpdateSessionStage(ctx context.Context, sessionID int64, from, to domain.Stage) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET current_stage = $1, updated_at = $2
		WHERE id = $3 AND current_stage = $4`,
		to, time.Now().UTC(), sessionID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresRepository) CloseSession(ctx context.Context, sessionID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET is_active = false, current_stage = $1, updated_at = $2 WHERE id = $3`,
		domain.StageCompleted, time.Now().UTC(), sessionID)
	return err
}

func (r *PostgresRepository) UpsertEvaluation(ctx context.Context, rec domain.EvaluationRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO evaluations (session_id, items, section_a, section_b, section_c, overall, feedback, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
			items = EXCLUDED.items, section_a = EXCLUDED.section_a, section_b = EXCLUDED.section_b,
			section_c = EXCLUDED.section_c, overall = EXCLUDED.overall, feedback = EXCLUDED.feedback,
			evaluated_at = EXCLUDED.evaluated_at`,
		rec.SessionID, pqIntArray(rec.Items[:]), rec.SectionA, rec.SectionB, rec.SectionC, rec.Overall, rec.Feedback, rec.EvaluatedAt)
	return err
}

func (r *PostgresRepository) ListEvaluations(ctx context.Context, sessionID int64) ([]domain.EvaluationRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, section_a, section_b, section_c, overall, feedback, evaluated_at
		FROM evaluations WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EvaluationRecord
	for rows.Next() {
		var rec domain.EvaluationRecord
		if err := rows.Scan(&rec.SessionID, &rec.SectionA, &rec.SectionB, &rec.SectionC, &rec.Overall, &rec.Feedback, &rec.EvaluatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListActiveSessionIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM sessions WHERE is_active = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// pqIntArray renders a Go int slice as a Postgres array literal; avoids
// pulling in pq.Array's reflection path for this one fixed-size case.
func pqIntArray(items []int) string {
	s := "{"
	for i, v := range items {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%d", v)
	}
	return s + "}"
}
