// Package lifecycle holds the session state machine. It decides which status
// transitions are legal and what each one changes, expressed as a
// domain.SessionPatch. It never touches storage; the mutation engine commits
// the patch together with whatever message triggered it.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tbourn/go-support-backend/internal/domain"
)

// Trigger names a lifecycle event.
type Trigger string

const (
	RequestHuman  Trigger = "request_human"
	Assign        Trigger = "assign"
	Transfer      Trigger = "transfer"
	Close         Trigger = "close"
	Reopen        Trigger = "reopen"
	ConvertTicket Trigger = "convert_ticket"
)

var (
	// ErrAlreadyClosed is returned when closing a session that is already CLOSED.
	ErrAlreadyClosed = errors.New("session already closed")

	// ErrInvalidTransition is returned for any edge the machine does not allow.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Args carries the trigger-specific inputs.
//
//   - OperatorID: the operator to attach (assign, transfer).
//   - ClosedBy: who closed the session (close); an operator id or "user".
//   - TicketRef: reference of the created ticket (convert_ticket).
type Args struct {
	OperatorID string
	ClosedBy   string
	TicketRef  string
}

// edges lists, per trigger, the statuses it may start from.
var edges = map[Trigger][]domain.SessionStatus{
	RequestHuman:  {domain.StatusActive, domain.StatusWaiting},
	Assign:        {domain.StatusWaiting, domain.StatusActive},
	Transfer:      {domain.StatusWithOperator},
	Close:         {domain.StatusWithOperator, domain.StatusActive, domain.StatusWaiting},
	Reopen:        {domain.StatusClosed},
	ConvertTicket: {domain.StatusActive, domain.StatusWaiting, domain.StatusWithOperator},
}

// Allowed reports whether trigger t may fire from status from.
func Allowed(from domain.SessionStatus, t Trigger) bool {
	for _, s := range edges[t] {
		if s == from {
			return true
		}
	}
	return false
}

// Apply validates trigger t against the current state of s and returns the
// patch that performs it. s itself is not modified.
func Apply(s *domain.ChatSession, t Trigger, args Args, now time.Time) (domain.SessionPatch, error) {
	if s == nil {
		return domain.SessionPatch{}, ErrInvalidTransition
	}
	if t == Close && s.Status == domain.StatusClosed {
		return domain.SessionPatch{}, ErrAlreadyClosed
	}
	if !Allowed(s.Status, t) {
		return domain.SessionPatch{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, t, s.Status)
	}

	now = now.UTC()
	switch t {
	case RequestHuman:
		if s.Status == domain.StatusWaiting {
			return domain.SessionPatch{}, nil
		}
		return domain.SessionPatch{
			Status:       domain.Ptr(domain.StatusWaiting),
			WaitingSince: &now,
		}, nil

	case Assign:
		op := strings.TrimSpace(args.OperatorID)
		if op == "" {
			return domain.SessionPatch{}, fmt.Errorf("%w: assign without operator", ErrInvalidTransition)
		}
		return domain.SessionPatch{
			Status:            domain.Ptr(domain.StatusWithOperator),
			SetOperator:       true,
			OperatorID:        &op,
			AssignedAt:        &now,
			ClearWaitingSince: true,
		}, nil

	case Transfer:
		op := strings.TrimSpace(args.OperatorID)
		if op == "" || s.AssignedTo(op) {
			return domain.SessionPatch{}, fmt.Errorf("%w: transfer needs a different operator", ErrInvalidTransition)
		}
		return domain.SessionPatch{
			SetOperator: true,
			OperatorID:  &op,
			AssignedAt:  &now,
		}, nil

	case Close:
		by := args.ClosedBy
		return domain.SessionPatch{
			Status:            domain.Ptr(domain.StatusClosed),
			SetOperator:       true,
			ClosedAt:          &now,
			ClosedBy:          &by,
			ClearWaitingSince: true,
		}, nil

	case Reopen:
		return domain.SessionPatch{
			Status:        domain.Ptr(domain.StatusActive),
			ClearClosedAt: true,
		}, nil

	case ConvertTicket:
		ref := strings.TrimSpace(args.TicketRef)
		if ref == "" {
			return domain.SessionPatch{}, fmt.Errorf("%w: ticket without reference", ErrInvalidTransition)
		}
		return domain.SessionPatch{
			Status:            domain.Ptr(domain.StatusTicketCreated),
			SetOperator:       true,
			TicketRef:         &ref,
			ClearWaitingSince: true,
		}, nil
	}
	return domain.SessionPatch{}, ErrInvalidTransition
}
