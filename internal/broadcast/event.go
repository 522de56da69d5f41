// Package broadcast delivers session events to connected dashboards, operator
// consoles and visitor widgets.
//
// Events are published on named channels. Each channel stamps its own
// monotonically increasing sequence number, so a subscriber that sees a gap
// knows it missed something and should resync by pulling from storage.
// Delivery is at-most-once: a subscriber whose buffer is full loses the event.
package broadcast

import (
	"encoding/json"
	"time"
)

// EventType names what happened to a session or operator.
type EventType string

const (
	NewChatCreated              EventType = "new_chat_created"
	NewChatRequest              EventType = "new_chat_request"
	ChatAssigned                EventType = "chat_assigned"
	UserMessage                 EventType = "user_message"
	AIMessage                   EventType = "ai_message"
	OperatorMessage             EventType = "operator_message"
	SystemMessage               EventType = "system_message"
	ChatClosed                  EventType = "chat_closed"
	ChatTransferred             EventType = "chat_transferred"
	ChatReopened                EventType = "chat_reopened"
	TicketCreated               EventType = "ticket_created"
	SessionUpdated              EventType = "session_updated"
	NoteAdded                   EventType = "note_added"
	NoteUpdated                 EventType = "note_updated"
	NoteDeleted                 EventType = "note_deleted"
	OperatorAvailabilityChanged EventType = "operator_availability_changed"
)

// DashboardChannel carries every session change for operator dashboards.
const DashboardChannel = "dashboard"

// SessionChannel is read by the visitor widget of one session.
func SessionChannel(sessionID string) string { return "session:" + sessionID }

// OperatorChannel is read by one operator's console.
func OperatorChannel(operatorID string) string { return "operator:" + operatorID }

// Event is one notification. Channel and Seq are stamped by the Hub on
// publish; Data is the JSON payload (at least the session id plus whatever
// changed).
type Event struct {
	Type      EventType       `json:"type"`
	Channel   string          `json:"channel"`
	Seq       uint64          `json:"seq"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	At        time.Time       `json:"at"`
}

// NewEvent builds an event with payload encoded as JSON. Payloads that
// cannot be encoded are dropped rather than failing the publish.
func NewEvent(t EventType, sessionID string, payload any) Event {
	ev := Event{Type: t, SessionID: sessionID, At: time.Now().UTC()}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Data = b
		}
	}
	return ev
}
