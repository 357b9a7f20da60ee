// Package session implements the SessionStore component: custodian of
// session state and the conversation log. A sync.Map cache of session
// handles sits in front of a durable store, each handle guarded by its
// own mutex, implementing the stage-state-machine and idempotent-append
// semantics this domain requires with the durable store backed by
// internal/repository.
package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/atoms-tech/maice/internal/domain"
	"github.com/atoms-tech/maice/internal/logging"
	"github.com/atoms-tech/maice/internal/merr"
	"github.com/atoms-tech/maice/internal/repository"
)

var (
	ErrSessionNotFound  = errors.New("session: not found")
	ErrInvalidUserID    = errors.New("session: invalid user id")
	ErrTransitionFailed = errors.New("session: compare-and-swap transition failed")
)

// AuditLogger is the subset of internal/audit.Logger SessionStore needs;
// declared here to avoid an import cycle between session and audit.
type AuditLogger interface {
	RecordSessionEvent(ctx context.Context, action, sessionID string, metadata map[string]any)
}

// handle is the in-memory, mutex-guarded view of one session cached by
// the Store.
type handle struct {
	mu      sync.RWMutex
	session domain.Session
}

// Store is the SessionStore. One Store is shared process-wide.
type Store struct {
	repo   repository.Repository
	audit  AuditLogger
	logger *logging.Logger

	cache sync.Map // session id -> *handle

	defaultSnapshotN int
}

// New constructs a Store over repo. audit may be nil.
func New(repo repository.Repository, audit AuditLogger) *Store {
	return &Store{repo: repo, audit: audit, logger: logging.GetLogger("session"), defaultSnapshotN: 50}
}

// Create atomically creates a new session for userID and returns its id.
// initialQuestion, if non-empty, is appended as the first user message.
func (s *Store) Create(ctx context.Context, userID string, freeTalk bool, initialQuestion string) (int64, error) {
	if userID == "" {
		return 0, ErrInvalidUserID
	}

	sess, err := s.repo.CreateSession(ctx, userID, freeTalk)
	if err != nil {
		return 0, merr.NewTransient("session.Create", err)
	}
	s.cache.Store(sess.ID, &handle{session: *sess})

	if s.audit != nil {
		s.audit.RecordSessionEvent(ctx, "created", idString(sess.ID), map[string]any{"user_id": userID, "free_talk": freeTalk})
	}

	if initialQuestion != "" {
		if _, err := s.Append(ctx, sess.ID, domain.SessionMessage{
			SessionID: sess.ID, Sender: domain.SenderUser, Content: initialQuestion, MessageType: domain.MessageUserQuestion,
		}); err != nil {
			s.logger.WithError(err).WithField("session_id", sess.ID).Warn("session: failed to persist initial question")
		}
	}

	return sess.ID, nil
}

// get loads a session handle, consulting the repository on cache miss.
func (s *Store) get(ctx context.Context, sessionID int64) (*handle, error) {
	if h, ok := s.cache.Load(sessionID); ok {
		return h.(*handle), nil
	}

	sess, err := s.repo.GetSession(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, merr.NewTransient("session.get", err)
	}

	h := &handle{session: *sess}
	actual, _ := s.cache.LoadOrStore(sessionID, h)
	return actual.(*handle), nil
}

// Append persists a message, idempotently for sender=maice on exact
// (session_id, content, message_type) match.
func (s *Store) Append(ctx context.Context, sessionID int64, msg domain.SessionMessage) (int64, error) {
	if _, err := s.get(ctx, sessionID); err != nil {
		return 0, err
	}
	msg.SessionID = sessionID

	id, inserted, err := s.repo.AppendSessionMessage(ctx, msg)
	if err != nil {
		return 0, merr.NewTransient("session.Append", err).WithResource(idString(sessionID))
	}

	if h, ok := s.cache.Load(sessionID); ok {
		hh := h.(*handle)
		hh.mu.Lock()
		hh.session.LastMsgType = msg.MessageType
		hh.session.UpdatedAt = time.Now().UTC()
		hh.mu.Unlock()
	}

	if inserted && s.audit != nil {
		s.audit.RecordSessionEvent(ctx, "message_appended", idString(sessionID), map[string]any{
			"sender": msg.Sender, "message_type": msg.MessageType,
		})
	}

	return id, nil
}

// Transition performs a compare-and-swap stage transition: it succeeds
// only if the session's observed stage is still from.
func (s *Store) Transition(ctx context.Context, sessionID int64, from, to domain.Stage) error {
	h, err := s.get(ctx, sessionID)
	if err != nil {
		return err
	}

	ok, err := s.repo.UpdateSessionStage(ctx, sessionID, from, to)
	if err != nil {
		return merr.NewTransient("session.Transition", err).WithResource(idString(sessionID))
	}
	if !ok {
		return merr.NewPermanent("session.Transition", ErrTransitionFailed).
			WithResource(idString(sessionID)).
			WithMetadata("from", from).WithMetadata("to", to)
	}

	h.mu.Lock()
	h.session.CurrentStage = to
	h.session.UpdatedAt = time.Now().UTC()
	h.mu.Unlock()

	if s.audit != nil {
		s.audit.RecordSessionEvent(ctx, "stage_transition", idString(sessionID), map[string]any{"from": from, "to": to})
	}
	return nil
}

// Snapshot is the current stage, the last N messages, and metadata for a
// session.
type Snapshot struct {
	Session  domain.Session
	Messages []domain.SessionMessage
}

// Snapshot returns the current session state plus its last n messages
// (0 uses the store's default of 50).
func (s *Store) Snapshot(ctx context.Context, sessionID int64, n int) (*Snapshot, error) {
	h, err := s.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = s.defaultSnapshotN
	}

	h.mu.RLock()
	sess := h.session
	h.mu.RUnlock()

	msgs, err := s.repo.ListSessionMessages(ctx, sessionID, time.Time{})
	if err != nil {
		return nil, merr.NewTransient("session.Snapshot", err).WithResource(idString(sessionID))
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}

	return &Snapshot{Session: sess, Messages: msgs}, nil
}

// Close marks a session inactive and transitions it to completed,
// regardless of its current stage — this is a terminal operation, not a
// CAS transition.
func (s *Store) Close(ctx context.Context, sessionID int64) error {
	if _, err := s.get(ctx, sessionID); err != nil {
		return err
	}
	if err := s.repo.CloseSession(ctx, sessionID); err != nil {
		return merr.NewTransient("session.Close", err).WithResource(idString(sessionID))
	}

	if h, ok := s.cache.Load(sessionID); ok {
		hh := h.(*handle)
		hh.mu.Lock()
		hh.session.IsActive = false
		hh.session.CurrentStage = domain.StageCompleted
		hh.mu.Unlock()
	}

	if s.audit != nil {
		s.audit.RecordSessionEvent(ctx, "closed", idString(sessionID), nil)
	}
	return nil
}

// CurrentStage is a convenience accessor the Orchestrator uses on every
// admission check.
func (s *Store) CurrentStage(ctx context.Context, sessionID int64) (domain.Stage, error) {
	h, err := s.get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session.CurrentStage, nil
}

// IsFreeTalk reports whether a session is assigned to free-talk mode.
func (s *Store) IsFreeTalk(ctx context.Context, sessionID int64) (bool, error) {
	h, err := s.get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session.FreeTalk, nil
}

// ActiveSessionIDs lists every currently active session, for the
// EvaluationWorkflow's "all sessions" entry point and for inactivity
// sweeps.
func (s *Store) ActiveSessionIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.repo.ListActiveSessionIDs(ctx)
	if err != nil {
		return nil, merr.NewTransient("session.ActiveSessionIDs", err)
	}
	return ids, nil
}

func idString(id int64) string {
	return "session:" + strconv.FormatInt(id, 10)
}
