package domain

import (
	"errors"
	"strings"
	"time"
)

// MessageType tags the author kind of a message.
type MessageType string

const (
	MessageUser     MessageType = "USER"
	MessageAI       MessageType = "AI"
	MessageOperator MessageType = "OPERATOR"
	MessageSystem   MessageType = "SYSTEM"
)

// Message is one immutable entry of a session's log. The row carries the
// union of all variant fields; use Body to get the typed variant back.
//
// Fields:
//   - Seq: position within the session (unique with SessionID), assigned
//     under the session lock.
//   - OperatorID / OperatorName: only for OPERATOR messages.
//   - Confidence / SuggestHuman: only for AI messages.
//   - Attachment*: only when a file was sent with a USER or OPERATOR message.
type Message struct {
	ID        string      `json:"id"         gorm:"type:char(36);primaryKey"`
	SessionID string      `json:"session_id" gorm:"type:char(36);not null;uniqueIndex:ux_session_seq,priority:1"`
	Seq       int64       `json:"seq"        gorm:"not null;uniqueIndex:ux_session_seq,priority:2"`
	Type      MessageType `json:"type"       gorm:"type:varchar(16);not null;check:type IN ('USER','AI','OPERATOR','SYSTEM')"`
	Content   string      `json:"content"    gorm:"type:text;not null"`

	OperatorID   *string `json:"operator_id,omitempty"   gorm:"type:varchar(64)"`
	OperatorName string  `json:"operator_name,omitempty" gorm:"type:varchar(255)"`

	Confidence   *float64 `json:"confidence,omitempty"`
	SuggestHuman *bool    `json:"suggest_human,omitempty"`

	AttachmentURL  string `json:"attachment_url,omitempty"  gorm:"type:varchar(1024)"`
	AttachmentName string `json:"attachment_name,omitempty" gorm:"type:varchar(255)"`
	AttachmentMime string `json:"attachment_mime,omitempty" gorm:"type:varchar(128)"`
	AttachmentSize int64  `json:"attachment_size,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`

	Session ChatSession `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Attachment describes a stored file referenced by a message.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Mime string `json:"mime_type"`
	Size int64  `json:"size"`
}

// MessageBody is the sealed set of message variants. Each variant carries
// only the fields that make sense for its author kind.
type MessageBody interface {
	Type() MessageType
	validate() error
	fill(m *Message)
}

// UserBody is text (and optionally a file) sent by the visitor.
type UserBody struct {
	Content    string
	Attachment *Attachment
}

// AIBody is a reply produced by the AI responder.
type AIBody struct {
	Content      string
	Confidence   float64
	SuggestHuman bool
}

// OperatorBody is a reply written by an operator.
type OperatorBody struct {
	Content      string
	OperatorID   string
	OperatorName string
	Attachment   *Attachment
}

// SystemBody is an automatic notice (assignment, transfer, closing...).
type SystemBody struct {
	Content string
}

var (
	// ErrEmptyMessage is returned for a message without content or attachment.
	ErrEmptyMessage = errors.New("message has no content")
	// ErrBadConfidence is returned for AI confidence outside [0,1].
	ErrBadConfidence = errors.New("confidence must be within [0,1]")
	// ErrMissingOperator is returned for an operator message without author.
	ErrMissingOperator = errors.New("operator message requires an operator")
)

func (UserBody) Type() MessageType     { return MessageUser }
func (AIBody) Type() MessageType       { return MessageAI }
func (OperatorBody) Type() MessageType { return MessageOperator }
func (SystemBody) Type() MessageType   { return MessageSystem }

func (b UserBody) validate() error {
	if strings.TrimSpace(b.Content) == "" && b.Attachment == nil {
		return ErrEmptyMessage
	}
	return nil
}

func (b AIBody) validate() error {
	if strings.TrimSpace(b.Content) == "" {
		return ErrEmptyMessage
	}
	if b.Confidence < 0 || b.Confidence > 1 {
		return ErrBadConfidence
	}
	return nil
}

func (b OperatorBody) validate() error {
	if strings.TrimSpace(b.OperatorID) == "" {
		return ErrMissingOperator
	}
	if strings.TrimSpace(b.Content) == "" && b.Attachment == nil {
		return ErrEmptyMessage
	}
	return nil
}

func (b SystemBody) validate() error {
	if strings.TrimSpace(b.Content) == "" {
		return ErrEmptyMessage
	}
	return nil
}

func (b UserBody) fill(m *Message) {
	m.Content = b.Content
	setAttachment(m, b.Attachment)
}

func (b AIBody) fill(m *Message) {
	m.Content = b.Content
	c, s := b.Confidence, b.SuggestHuman
	m.Confidence = &c
	m.SuggestHuman = &s
}

func (b OperatorBody) fill(m *Message) {
	m.Content = b.Content
	id := b.OperatorID
	m.OperatorID = &id
	m.OperatorName = b.OperatorName
	setAttachment(m, b.Attachment)
}

func (b SystemBody) fill(m *Message) { m.Content = b.Content }

func setAttachment(m *Message, a *Attachment) {
	if a == nil {
		return
	}
	m.AttachmentURL = a.URL
	m.AttachmentName = a.Name
	m.AttachmentMime = a.Mime
	m.AttachmentSize = a.Size
}

// ValidateBody checks the per-variant invariants of b.
func ValidateBody(b MessageBody) error {
	if b == nil {
		return ErrEmptyMessage
	}
	return b.validate()
}

// NewMessage materializes a row for body. ID, Seq and CreatedAt are left for
// the caller (the mutation engine assigns them under the session lock).
func NewMessage(sessionID string, body MessageBody) Message {
	m := Message{SessionID: sessionID, Type: body.Type()}
	body.fill(&m)
	return m
}

// Body decodes the row back into its typed variant.
func (m *Message) Body() MessageBody {
	att := m.attachment()
	switch m.Type {
	case MessageAI:
		b := AIBody{Content: m.Content}
		if m.Confidence != nil {
			b.Confidence = *m.Confidence
		}
		if m.SuggestHuman != nil {
			b.SuggestHuman = *m.SuggestHuman
		}
		return b
	case MessageOperator:
		b := OperatorBody{Content: m.Content, OperatorName: m.OperatorName, Attachment: att}
		if m.OperatorID != nil {
			b.OperatorID = *m.OperatorID
		}
		return b
	case MessageSystem:
		return SystemBody{Content: m.Content}
	default:
		return UserBody{Content: m.Content, Attachment: att}
	}
}

func (m *Message) attachment() *Attachment {
	if m.AttachmentURL == "" {
		return nil
	}
	return &Attachment{URL: m.AttachmentURL, Name: m.AttachmentName, Mime: m.AttachmentMime, Size: m.AttachmentSize}
}
