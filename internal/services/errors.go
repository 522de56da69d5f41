// Package services implements the live-support core: the mutation engine
// that serializes writers per session, the operator matcher and the session,
// note and operator services built on top of them.
//
// This file centralizes service-level error values so they can be returned
// consistently and translated to HTTP status codes by the handler layer.
package services

import (
	"errors"

	"github.com/tbourn/go-support-backend/internal/lifecycle"
)

var (
	// ErrSessionNotFound indicates the session id does not resolve. Not retryable.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoteNotFound indicates the note id is absent from the session.
	ErrNoteNotFound = errors.New("note not found")

	// ErrPermissionDenied is returned when an operator acts on something they
	// do not own (another operator's note or session).
	ErrPermissionDenied = errors.New("permission denied")

	// ErrLockTimeout is returned when the session lock could not be acquired in
	// time. Transient: callers may retry with backoff.
	ErrLockTimeout = errors.New("session lock timeout")

	// ErrNoOperatorAvailable is the business condition "nobody can take this
	// chat right now"; the caller falls back to waiting and offers a ticket.
	ErrNoOperatorAvailable = errors.New("no operator available")

	// ErrSessionClosed rejects live messages on CLOSED or TICKET_CREATED sessions.
	ErrSessionClosed = errors.New("session is closed")

	// ErrOperatorNotFound is returned for an unknown operator id.
	ErrOperatorNotFound = errors.New("operator not found")

	// ErrEmptyContent is returned when a message or note has no content.
	ErrEmptyContent = errors.New("content is empty")

	// ErrTooLong is returned when content exceeds the configured limit.
	ErrTooLong = errors.New("content too long")

	// ErrInvalidPriority is returned for an unknown priority value.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrAttachmentsDisabled is returned for uploads when no store is configured.
	ErrAttachmentsDisabled = errors.New("attachments are not configured")
)

// Lifecycle errors are re-exported so handlers only import services.
var (
	ErrAlreadyClosed     = lifecycle.ErrAlreadyClosed
	ErrInvalidTransition = lifecycle.ErrInvalidTransition
)
