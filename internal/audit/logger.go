// Package audit implements a buffered SQL audit logger over the session
// lifecycle events this domain needs to keep a compliance trail for:
// creation, message append, stage transition, and close. It buffers
// entries and flushes on a periodic timer, checking for context
// cancellation before each record.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atoms-tech/maice/internal/logging"
)

var (
	ErrNilDatabase     = errors.New("audit: database connection is nil")
	ErrContextCanceled = errors.New("audit: context canceled")
)

// Entry is one immutable audit record.
type Entry struct {
	ID        string
	Timestamp time.Time
	Action    string
	SessionID string
	Metadata  map[string]any
}

// Logger buffers session audit entries and flushes them to Postgres
// either when the buffer fills or on a periodic timer.
type Logger struct {
	db         *sql.DB
	logger     *logging.Logger
	mu         sync.Mutex
	buffer     []Entry
	bufferSize int
	closed     bool
	stop       chan struct{}
}

// New constructs a Logger. bufferSize of 0 flushes every entry
// immediately; >0 batches up to bufferSize entries or 30s, whichever
// comes first.
func New(db *sql.DB, bufferSize int) (*Logger, error) {
	if db == nil {
		return nil, ErrNilDatabase
	}
	l := &Logger{db: db, logger: logging.GetLogger("audit"), bufferSize: bufferSize, stop: make(chan struct{})}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	if bufferSize > 0 {
		go l.periodicFlush(30 * time.Second)
	}
	return l, nil
}

func (l *Logger) initSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_audit_log (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			action TEXT NOT NULL,
			session_id TEXT NOT NULL,
			metadata JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_session_audit_session ON session_audit_log(session_id);
		CREATE INDEX IF NOT EXISTS idx_session_audit_action ON session_audit_log(action);
	`)
	return err
}

// RecordSessionEvent implements session.AuditLogger. It never returns an
// error to the caller: audit logging is best-effort and must not fail the
// session operation it's recording. Call sites invoke it after the
// primary write has already succeeded.
func (l *Logger) RecordSessionEvent(ctx context.Context, action, sessionID string, metadata map[string]any) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	entry := Entry{ID: uuid.NewString(), Timestamp: time.Now().UTC(), Action: action, SessionID: sessionID, Metadata: metadata}

	if l.bufferSize == 0 {
		if err := l.write(entry); err != nil {
			l.logger.WithError(err).Warn("audit: immediate write failed")
		}
		return
	}

	l.mu.Lock()
	l.buffer = append(l.buffer, entry)
	full := len(l.buffer) >= l.bufferSize
	l.mu.Unlock()

	if full {
		l.Flush()
	}
}

func (l *Logger) write(e Entry) error {
	data, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(`INSERT INTO session_audit_log (id, timestamp, action, session_id, metadata) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.Timestamp, e.Action, e.SessionID, data)
	return err
}

// Flush writes any buffered entries immediately.
func (l *Logger) Flush() {
	l.mu.Lock()
	pending := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	for _, e := range pending {
		if err := l.write(e); err != nil {
			l.logger.WithError(err).WithField("action", e.Action).Warn("audit: buffered write failed")
		}
	}
}

func (l *Logger) periodicFlush(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Flush()
		case <-l.stop:
			return
		}
	}
}

// Close flushes remaining entries and stops the periodic flush goroutine.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stop)
	l.Flush()
}
