package repository

import (
	"context"
	"database/sql"
)

// Migrate creates the schema this repository expects if it doesn't
// already exist. It's intentionally a single idempotent pass rather than
// a versioned migration chain.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			current_stage TEXT NOT NULL,
			last_message_type TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			free_talk BOOLEAN NOT NULL DEFAULT false
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(is_active);

		CREATE TABLE IF NOT EXISTS session_messages (
			id BIGSERIAL PRIMARY KEY,
			session_id BIGINT NOT NULL REFERENCES sessions(id),
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			message_type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, created_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_session_messages_maice_dedup
			ON session_messages(session_id, content, message_type)
			WHERE sender = 'maice';

		CREATE TABLE IF NOT EXISTS evaluations (
			session_id BIGINT PRIMARY KEY REFERENCES sessions(id),
			items INTEGER[] NOT NULL,
			section_a INTEGER NOT NULL,
			section_b INTEGER NOT NULL,
			section_c INTEGER NOT NULL,
			overall INTEGER NOT NULL,
			feedback TEXT NOT NULL DEFAULT '',
			evaluated_at TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}
