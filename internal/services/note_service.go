// Package services – NoteService
//
// Internal notes are operator-only remarks on a session. Any operator may
// add one; only the author may edit or delete it. Ownership is checked
// before the session lock is taken, the write itself goes through the
// Engine so concurrent note edits on one session never overwrite each other.
package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/tbourn/go-support-backend/internal/broadcast"
	"github.com/tbourn/go-support-backend/internal/domain"
	"github.com/tbourn/go-support-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NotePayload is the body of note events.
type NotePayload struct {
	SessionID string       `json:"session_id"`
	NoteID    string       `json:"note_id"`
	Note      *domain.Note `json:"note,omitempty"`
}

// NoteService manages internal notes.
type NoteService struct {
	DB     *gorm.DB
	Engine *Engine
	Events *broadcast.Fanout

	// MaxContentRunes caps note length; 0 disables the check.
	MaxContentRunes int
}

func (s *NoteService) tracer() trace.Tracer { return otel.Tracer("services/NoteService") }

// List returns the notes of a session, oldest first.
func (s *NoteService) List(ctx context.Context, sessionID string) ([]domain.Note, error) {
	ctx, span := s.tracer().Start(ctx, "List",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	if _, err := repo.GetSession(ctx, s.DB, sessionID); err != nil {
		return nil, mapStoreErr(err)
	}
	return repo.ListNotes(ctx, s.DB, sessionID)
}

// Add attaches a new note written by the operator.
func (s *NoteService) Add(ctx context.Context, sessionID string, by Staff, content string) (*domain.Note, error) {
	ctx, span := s.tracer().Start(ctx, "Add",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("operator.id", by.ID),
		),
	)
	defer span.End()

	content, err := s.checkContent(content)
	if err != nil {
		return nil, err
	}
	n, sess, err := s.Engine.AddNote(ctx, sessionID, domain.Note{
		Content:      content,
		OperatorID:   by.ID,
		OperatorName: by.Name,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.Events.Staff(sess, broadcast.NoteAdded, NotePayload{SessionID: sess.ID, NoteID: n.ID, Note: n})
	return n, nil
}

// Update rewrites the content of a note. Only its author may do so.
func (s *NoteService) Update(ctx context.Context, sessionID, noteID string, by Staff, content string) (*domain.Note, error) {
	ctx, span := s.tracer().Start(ctx, "Update",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("note.id", noteID),
			attribute.String("operator.id", by.ID),
		),
	)
	defer span.End()

	content, err := s.checkContent(content)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, sessionID, noteID, by); err != nil {
		return nil, err
	}
	n, sess, err := s.Engine.UpdateNote(ctx, sessionID, noteID, content)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.Events.Staff(sess, broadcast.NoteUpdated, NotePayload{SessionID: sess.ID, NoteID: n.ID, Note: n})
	return n, nil
}

// Delete removes a note. Only its author may do so.
func (s *NoteService) Delete(ctx context.Context, sessionID, noteID string, by Staff) error {
	ctx, span := s.tracer().Start(ctx, "Delete",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("note.id", noteID),
			attribute.String("operator.id", by.ID),
		),
	)
	defer span.End()

	if err := s.authorize(ctx, sessionID, noteID, by); err != nil {
		return err
	}
	sess, err := s.Engine.DeleteNote(ctx, sessionID, noteID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	s.Events.Staff(sess, broadcast.NoteDeleted, NotePayload{SessionID: sess.ID, NoteID: noteID})
	return nil
}

// authorize checks that the note exists and belongs to by, without locking.
func (s *NoteService) authorize(ctx context.Context, sessionID, noteID string, by Staff) error {
	n, err := repo.GetNote(ctx, s.DB, sessionID, noteID)
	if err == nil {
		if n.OperatorID != by.ID {
			return ErrPermissionDenied
		}
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if _, err := repo.GetSession(ctx, s.DB, sessionID); err != nil {
		return mapStoreErr(err)
	}
	return ErrNoteNotFound
}

func (s *NoteService) checkContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.MaxContentRunes {
		return "", ErrTooLong
	}
	return content, nil
}
