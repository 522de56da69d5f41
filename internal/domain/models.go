// Package domain defines the persistence models for support sessions,
// their messages and internal notes, and the operators who handle them.
// These types are mapped with GORM and form the core data layer of the
// support backend.
package domain

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ChatSession is one continuous support conversation between a visitor and,
// over time, the AI responder and zero or more operators.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Status: lifecycle state, only moved by the lifecycle package.
//   - OperatorID: assigned operator; non-nil iff Status is WITH_OPERATOR.
//   - UnreadMessageCount: visitor messages not yet read by an operator.
//   - MessageSeq: last sequence number handed to a message of this session.
//   - Version: bumped by every locked mutation (doubles as the row lock).
//   - DeletedAt: soft tombstone written by the external retention job.
type ChatSession struct {
	ID     string        `json:"id"     gorm:"type:char(36);primaryKey"`
	Status SessionStatus `json:"status" gorm:"type:varchar(16);not null;index:idx_sessions_status_last,priority:1"`

	OperatorID *string `json:"operator_id,omitempty" gorm:"type:varchar(64);index"`

	VisitorID    string  `json:"visitor_id"              gorm:"type:varchar(64);not null;index"`
	VisitorName  string  `json:"visitor_name,omitempty"  gorm:"type:varchar(255)"`
	VisitorEmail string  `json:"visitor_email,omitempty" gorm:"type:varchar(255)"`
	Channel      Channel `json:"channel"                 gorm:"type:varchar(16);not null;default:'widget'"`

	UnreadMessageCount int        `json:"unread_message_count" gorm:"not null;default:0"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty" gorm:"index:idx_sessions_status_last,priority:2"`
	WaitingSince       *time.Time `json:"waiting_since,omitempty"`
	AssignedAt         *time.Time `json:"assigned_at,omitempty"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
	ClosedBy           string     `json:"closed_by,omitempty" gorm:"type:varchar(64)"`
	TicketRef          string     `json:"ticket_ref,omitempty" gorm:"type:varchar(64)"`

	Priority Priority                    `json:"priority" gorm:"type:varchar(8);not null;default:'NORMAL'"`
	Tags     datatypes.JSONSlice[string] `json:"tags"`

	MessageSeq int64 `json:"message_seq" gorm:"not null;default:0"`
	Version    int64 `json:"version"     gorm:"not null;default:0"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for ChatSession.
func (ChatSession) TableName() string { return "chat_sessions" }

// HasOperator reports whether an operator is currently attached.
func (s *ChatSession) HasOperator() bool {
	return s.OperatorID != nil && *s.OperatorID != ""
}

// AssignedTo reports whether operatorID is the session's current operator.
func (s *ChatSession) AssignedTo(operatorID string) bool {
	return s.HasOperator() && *s.OperatorID == operatorID
}

// Note is an internal, operator-only remark attached to a session. Notes are
// stored as their own rows keyed by session id and are only changed while the
// owning session is locked.
type Note struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	SessionID    string    `json:"session_id"    gorm:"type:char(36);not null;index:idx_session_notes,priority:1"`
	Content      string    `json:"content"       gorm:"type:text;not null"`
	OperatorID   string    `json:"operator_id"   gorm:"type:varchar(64);not null"`
	OperatorName string    `json:"operator_name" gorm:"type:varchar(255)"`
	CreatedAt    time.Time `json:"created_at"    gorm:"index:idx_session_notes,priority:2"`
	UpdatedAt    time.Time `json:"updated_at"`

	Session ChatSession `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Note.
func (Note) TableName() string { return "notes" }

// Operator is a human agent that can be matched to sessions. Availability is
// toggled by the operator and switched off by the liveness sweep.
type Operator struct {
	ID                string     `json:"id"                  gorm:"type:varchar(64);primaryKey"`
	Name              string     `json:"name"                gorm:"type:varchar(255);not null"`
	Email             string     `json:"email,omitempty"     gorm:"type:varchar(255)"`
	IsAvailable       bool       `json:"is_available"        gorm:"not null;default:false;index:idx_operator_load,priority:1"`
	TotalChatsHandled int64      `json:"total_chats_handled" gorm:"not null;default:0;index:idx_operator_load,priority:2"`
	LastSeenAt        *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Operator.
func (Operator) TableName() string { return "operators" }
