package broadcast

import (
	"time"

	"github.com/tbourn/go-support-backend/internal/domain"
)

// Publisher is what Fanout needs from a Hub.
type Publisher interface {
	Publish(channel string, ev Event) Event
}

// Fanout turns one committed change into events on every channel class that
// should see it. A nil Fanout or one without a Publisher does nothing.
type Fanout struct {
	P Publisher
}

// SessionSummary is the session snapshot carried by session-level events.
type SessionSummary struct {
	SessionID          string               `json:"session_id"`
	Status             domain.SessionStatus `json:"status"`
	OperatorID         *string              `json:"operator_id"`
	UnreadMessageCount int                  `json:"unread_message_count"`
	Priority           domain.Priority      `json:"priority"`
	Tags               []string             `json:"tags"`
	LastMessageAt      *time.Time           `json:"last_message_at,omitempty"`
	TicketRef          string               `json:"ticket_ref,omitempty"`
}

// Summarize snapshots the broadcastable fields of s.
func Summarize(s *domain.ChatSession) SessionSummary {
	tags := []string(s.Tags)
	if tags == nil {
		tags = []string{}
	}
	return SessionSummary{
		SessionID:          s.ID,
		Status:             s.Status,
		OperatorID:         s.OperatorID,
		UnreadMessageCount: s.UnreadMessageCount,
		Priority:           s.Priority,
		Tags:               tags,
		LastMessageAt:      s.LastMessageAt,
		TicketRef:          s.TicketRef,
	}
}

// MessagePayload is the body of the *_message events.
type MessagePayload struct {
	Session SessionSummary `json:"session"`
	Message domain.Message `json:"message"`
}

func (f *Fanout) enabled() bool { return f != nil && f.P != nil }

// Session publishes to the session channel, the assigned operator (plus any
// extra operators, e.g. the previous one on transfer) and the dashboard.
func (f *Fanout) Session(s *domain.ChatSession, t EventType, payload any, extraOperators ...string) {
	if !f.enabled() {
		return
	}
	f.P.Publish(SessionChannel(s.ID), NewEvent(t, s.ID, payload))
	f.staff(s, t, payload, extraOperators)
}

// Staff publishes to operator and dashboard channels only. Internal data such
// as notes goes through here so it never reaches the visitor widget.
func (f *Fanout) Staff(s *domain.ChatSession, t EventType, payload any, extraOperators ...string) {
	if !f.enabled() {
		return
	}
	f.staff(s, t, payload, extraOperators)
}

func (f *Fanout) staff(s *domain.ChatSession, t EventType, payload any, extra []string) {
	seen := map[string]bool{}
	if s.HasOperator() {
		seen[*s.OperatorID] = true
		f.P.Publish(OperatorChannel(*s.OperatorID), NewEvent(t, s.ID, payload))
	}
	for _, op := range extra {
		if op == "" || seen[op] {
			continue
		}
		seen[op] = true
		f.P.Publish(OperatorChannel(op), NewEvent(t, s.ID, payload))
	}
	f.P.Publish(DashboardChannel, NewEvent(t, s.ID, payload))
}

// Operator publishes to a single operator channel.
func (f *Fanout) Operator(operatorID string, t EventType, sessionID string, payload any) {
	if !f.enabled() || operatorID == "" {
		return
	}
	f.P.Publish(OperatorChannel(operatorID), NewEvent(t, sessionID, payload))
}

// Dashboard publishes to the dashboard channel only.
func (f *Fanout) Dashboard(t EventType, sessionID string, payload any) {
	if !f.enabled() {
		return
	}
	f.P.Publish(DashboardChannel, NewEvent(t, sessionID, payload))
}

// Messages publishes one *_message event per appended message, in order.
func (f *Fanout) Messages(s *domain.ChatSession, msgs []domain.Message) {
	if !f.enabled() {
		return
	}
	sum := Summarize(s)
	for _, m := range msgs {
		f.Session(s, MessageEvent(m.Type), MessagePayload{Session: sum, Message: m})
	}
}

// MessageEvent maps a message type to its event type.
func MessageEvent(t domain.MessageType) EventType {
	switch t {
	case domain.MessageAI:
		return AIMessage
	case domain.MessageOperator:
		return OperatorMessage
	case domain.MessageSystem:
		return SystemMessage
	default:
		return UserMessage
	}
}
