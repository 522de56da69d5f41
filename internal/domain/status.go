package domain

import "strings"

// SessionStatus is the lifecycle state of a ChatSession.
type SessionStatus string

const (
	// StatusActive means the AI responder is handling the conversation.
	StatusActive SessionStatus = "ACTIVE"
	// StatusWaiting means the visitor asked for a human and none is assigned yet.
	StatusWaiting SessionStatus = "WAITING"
	// StatusWithOperator means a human operator is engaged.
	StatusWithOperator SessionStatus = "WITH_OPERATOR"
	// StatusClosed is terminal, except for the async reopen edge.
	StatusClosed SessionStatus = "CLOSED"
	// StatusTicketCreated is terminal: the conversation became an async ticket.
	StatusTicketCreated SessionStatus = "TICKET_CREATED"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusWaiting, StatusWithOperator, StatusClosed, StatusTicketCreated:
		return true
	}
	return false
}

// Terminal reports whether no regular transition leaves s.
func (s SessionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusTicketCreated
}

// ParseStatus normalizes a user-supplied status filter. Unknown values yield "".
func ParseStatus(v string) SessionStatus {
	s := SessionStatus(strings.ToUpper(strings.TrimSpace(v)))
	if s.Valid() {
		return s
	}
	return ""
}

// Priority orders sessions on the dashboard.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ParsePriority returns the priority named by v and whether it is known.
func ParsePriority(v string) (Priority, bool) {
	p := Priority(strings.ToUpper(strings.TrimSpace(v)))
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, true
	}
	return "", false
}

// Channel is the medium the visitor reaches us through. Non-widget channels
// receive operator replies through the notification sender.
type Channel string

const (
	ChannelWidget   Channel = "widget"
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// ParseChannel defaults unknown or empty values to the widget channel.
func ParseChannel(v string) Channel {
	switch c := Channel(strings.ToLower(strings.TrimSpace(v))); c {
	case ChannelEmail, ChannelWhatsApp:
		return c
	}
	return ChannelWidget
}
