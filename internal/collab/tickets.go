package collab

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-support-backend/internal/domain"
)

// Ticket is the hand-off of a conversation to asynchronous support.
type Ticket struct {
	Ref          string           `json:"ref"`
	SessionID    string           `json:"session_id"`
	VisitorID    string           `json:"visitor_id"`
	VisitorName  string           `json:"visitor_name,omitempty"`
	VisitorEmail string           `json:"visitor_email,omitempty"`
	Channel      domain.Channel   `json:"channel"`
	Priority     domain.Priority  `json:"priority"`
	Tags         []string         `json:"tags,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Transcript   []domain.Message `json:"transcript"`
	CreatedAt    time.Time        `json:"created_at"`
}

// TicketSink files tickets in the external ticketing system.
type TicketSink interface {
	Open(ctx context.Context, t Ticket) error
}

// LogTicketSink logs tickets instead of filing them.
type LogTicketSink struct{}

func (LogTicketSink) Open(ctx context.Context, t Ticket) error {
	log.Ctx(ctx).Info().
		Str("ticket_ref", t.Ref).
		Str("session_id", t.SessionID).
		Int("messages", len(t.Transcript)).
		Msg("ticket opened")
	return nil
}
