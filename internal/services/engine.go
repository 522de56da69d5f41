// Package services – Engine
//
// The mutation engine performs every compound change to a session (message
// append plus aggregate update, note create/update/delete) as one atomic unit
// while holding the session's exclusive lock. Writers on the same session are
// totally ordered; writers on different sessions do not contend.
//
// The lock has two layers: an in-process keyed lock with a bounded wait, and
// the database row lock taken by bumping the session version as the first
// statement of the transaction. The first keeps waiters in this process
// cheap and bounded; the second serializes against other processes.
package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-backend/internal/domain"
	"github.com/tbourn/go-support-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultLockTimeout bounds the wait for a session lock when none is configured.
const DefaultLockTimeout = 5 * time.Second

// Change is what a mutation wants committed: new messages (in order) and a
// patch to the session aggregate.
type Change struct {
	Messages []domain.MessageBody
	Patch    domain.SessionPatch
}

// MutateFunc inspects the locked session and returns the change to commit.
// It runs inside the lock and must not perform external I/O.
type MutateFunc func(s *domain.ChatSession) (Change, error)

// Result is the committed state after a mutation.
type Result struct {
	Session  *domain.ChatSession
	Messages []domain.Message
}

// Engine serializes mutations per session.
type Engine struct {
	DB          *gorm.DB
	LockTimeout time.Duration

	// Now is the clock; defaults to time.Now.
	Now func() time.Time

	locksOnce sync.Once
	locks     *keyedLock
}

// NewEngine returns an engine over db.
func NewEngine(db *gorm.DB, lockTimeout time.Duration) *Engine {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Engine{DB: db, LockTimeout: lockTimeout}
}

// sessionLocks returns the engine's lock set, creating it on first use so a
// zero Engine is safe to share between goroutines.
func (e *Engine) sessionLocks() *keyedLock {
	e.locksOnce.Do(func() { e.locks = newKeyedLock() })
	return e.locks
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// withLock runs fn inside a transaction holding the session's lock.
func (e *Engine) withLock(ctx context.Context, op, sessionID string, fn func(tx *gorm.DB, s *domain.ChatSession) error) (err error) {
	defer func() { mutations.WithLabelValues(op, outcome(err)).Inc() }()

	if strings.TrimSpace(sessionID) == "" {
		return ErrSessionNotFound
	}

	start := time.Now()
	release, err := e.sessionLocks().acquire(ctx, sessionID, e.LockTimeout)
	lockWait.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer release()

	err = e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := repo.LockSession(ctx, tx, sessionID, e.LockTimeout)
		if err != nil {
			return err
		}
		return fn(tx, s)
	})
	return mapStoreErr(err)
}

// mapStoreErr turns repository errors into service errors.
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return ErrSessionNotFound
	case repo.IsLockTimeout(err):
		return ErrLockTimeout
	}
	return err
}

// Mutate is the engine primitive: lock the session, let fn decide the change,
// insert its messages with consecutive sequence numbers, apply its patch and
// commit. Any error rolls everything back.
func (e *Engine) Mutate(ctx context.Context, sessionID string, fn MutateFunc) (*Result, error) {
	ctx, span := otel.Tracer("services/Engine").Start(ctx, "Mutate",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	var res *Result
	err := e.withLock(ctx, "mutate", sessionID, func(tx *gorm.DB, s *domain.ChatSession) error {
		ch, err := fn(s)
		if err != nil {
			return err
		}
		res, err = e.commit(ctx, tx, s, ch)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("messages", len(res.Messages)))
	return res, nil
}

// commit writes ch for the locked session s.
func (e *Engine) commit(ctx context.Context, tx *gorm.DB, s *domain.ChatSession, ch Change) (*Result, error) {
	now := e.now()

	// Creation time never goes backwards within a session.
	at := now
	if s.LastMessageAt != nil && at.Before(*s.LastMessageAt) {
		at = s.LastMessageAt.UTC()
	}

	msgs := make([]domain.Message, 0, len(ch.Messages))
	for i, body := range ch.Messages {
		if err := domain.ValidateBody(body); err != nil {
			return nil, err
		}
		m := domain.NewMessage(s.ID, body)
		m.ID = uuid.NewString()
		m.Seq = s.MessageSeq + int64(i) + 1
		m.CreatedAt = at
		msgs = append(msgs, m)
	}

	patch := ch.Patch
	if len(msgs) > 0 && (patch.LastMessageAt == nil || patch.LastMessageAt.Before(at)) {
		patch.LastMessageAt = &at
	}
	cols := patch.Apply(s)
	if len(msgs) > 0 {
		s.MessageSeq += int64(len(msgs))
		cols["message_seq"] = s.MessageSeq
	}
	s.UpdatedAt = now
	cols["updated_at"] = now

	if err := repo.InsertMessages(ctx, tx, msgs); err != nil {
		return nil, err
	}
	if err := repo.UpdateSessionColumns(ctx, tx, s.ID, cols); err != nil {
		return nil, err
	}
	return &Result{Session: s, Messages: msgs}, nil
}

// AppendMessages inserts msgs and applies patch atomically.
func (e *Engine) AppendMessages(ctx context.Context, sessionID string, msgs []domain.MessageBody, patch domain.SessionPatch) (*Result, error) {
	return e.Mutate(ctx, sessionID, func(*domain.ChatSession) (Change, error) {
		return Change{Messages: msgs, Patch: patch}, nil
	})
}

// AddNote stores note under the session lock. ID and timestamps are assigned
// here; the committed note and session are returned.
func (e *Engine) AddNote(ctx context.Context, sessionID string, note domain.Note) (*domain.Note, *domain.ChatSession, error) {
	ctx, span := otel.Tracer("services/Engine").Start(ctx, "AddNote",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	var sess *domain.ChatSession
	err := e.withLock(ctx, "add_note", sessionID, func(tx *gorm.DB, s *domain.ChatSession) error {
		now := e.now()
		note.ID = uuid.NewString()
		note.SessionID = s.ID
		note.CreatedAt, note.UpdatedAt = now, now
		if err := repo.CreateNote(ctx, tx, &note); err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &note, sess, nil
}

// UpdateNote rewrites a note's content under the session lock.
func (e *Engine) UpdateNote(ctx context.Context, sessionID, noteID, content string) (*domain.Note, *domain.ChatSession, error) {
	ctx, span := otel.Tracer("services/Engine").Start(ctx, "UpdateNote",
		trace.WithAttributes(attribute.String("session.id", sessionID), attribute.String("note.id", noteID)),
	)
	defer span.End()

	var (
		out  *domain.Note
		sess *domain.ChatSession
	)
	err := e.withLock(ctx, "update_note", sessionID, func(tx *gorm.DB, s *domain.ChatSession) error {
		if err := repo.UpdateNoteContent(ctx, tx, sessionID, noteID, content, e.now()); err != nil {
			return noteErr(err)
		}
		n, err := repo.GetNote(ctx, tx, sessionID, noteID)
		if err != nil {
			return noteErr(err)
		}
		out, sess = n, s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, sess, nil
}

// DeleteNote removes a note under the session lock.
func (e *Engine) DeleteNote(ctx context.Context, sessionID, noteID string) (*domain.ChatSession, error) {
	ctx, span := otel.Tracer("services/Engine").Start(ctx, "DeleteNote",
		trace.WithAttributes(attribute.String("session.id", sessionID), attribute.String("note.id", noteID)),
	)
	defer span.End()

	var sess *domain.ChatSession
	err := e.withLock(ctx, "delete_note", sessionID, func(tx *gorm.DB, s *domain.ChatSession) error {
		if err := repo.DeleteNote(ctx, tx, sessionID, noteID); err != nil {
			return noteErr(err)
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// noteErr keeps a missing note from being reported as a missing session.
func noteErr(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNoteNotFound
	}
	return err
}
