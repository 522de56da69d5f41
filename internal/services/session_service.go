// Package services – SessionService
//
// SessionService drives a session through its lifecycle: visitor and
// operator messages, AI replies, human hand-off, transfer, close and ticket
// conversion. Every change goes through the Engine so a transition and the
// message that caused it commit together. Collaborators (AI responder,
// notifier, ticket sink) are called only after the lock is released and
// their failures never undo a committed change.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-backend/internal/broadcast"
	"github.com/tbourn/go-support-backend/internal/collab"
	"github.com/tbourn/go-support-backend/internal/domain"
	"github.com/tbourn/go-support-backend/internal/lifecycle"
	"github.com/tbourn/go-support-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
)

const (
	defaultAIHistory  = 10
	defaultPageSize   = 20
	maxPageSize       = 100
	maxTags           = 20
	maxTagRunes       = 32
	closedByVisitor   = "user"
	ticketRefPrefix   = "TCK-"
	defaultTicketNote = "converted by operator"
)

// StartInput describes a new visitor conversation.
type StartInput struct {
	VisitorID    string
	VisitorName  string
	VisitorEmail string
	Channel      domain.Channel
	// Greeting, when set, is appended as the first SYSTEM message.
	Greeting string
}

// Upload is a file sent along with a message.
type Upload struct {
	Data []byte
	Name string
}

// Staff identifies the operator performing an action.
type Staff struct {
	ID   string
	Name string
}

// PostResult is what a visitor message produced: the committed messages in
// order (the visitor's own, plus the AI reply when one was generated).
type PostResult struct {
	Session  *domain.ChatSession
	Messages []domain.Message
}

// HumanResult reports the outcome of a hand-off request. When Operator is
// nil the session is WAITING and TicketOffered is true.
type HumanResult struct {
	Session       *domain.ChatSession
	Operator      *domain.Operator
	TicketOffered bool
}

// SessionService coordinates session lifecycle operations.
type SessionService struct {
	DB      *gorm.DB
	Engine  *Engine
	Matcher *Matcher
	Events  *broadcast.Fanout

	AI          collab.AIResponder
	Notifier    collab.Notifier
	Tickets     collab.TicketSink
	Attachments collab.AttachmentStore

	// AIHistory is how many prior messages the responder sees.
	AIHistory int
	// MaxContentRunes caps message length; 0 disables the check.
	MaxContentRunes int
}

func (s *SessionService) tracer() trace.Tracer { return otel.Tracer("services/SessionService") }

// Start creates an ACTIVE session for a visitor.
func (s *SessionService) Start(ctx context.Context, in StartInput) (*domain.ChatSession, error) {
	ctx, span := s.tracer().Start(ctx, "Start",
		trace.WithAttributes(attribute.String("channel", string(in.Channel))),
	)
	defer span.End()

	visitor := strings.TrimSpace(in.VisitorID)
	if visitor == "" {
		visitor = uuid.NewString()
	}
	ch := in.Channel
	if ch == "" {
		ch = domain.ChannelWidget
	}
	sess := &domain.ChatSession{
		ID:           uuid.NewString(),
		Status:       domain.StatusActive,
		VisitorID:    visitor,
		VisitorName:  strings.TrimSpace(in.VisitorName),
		VisitorEmail: strings.TrimSpace(in.VisitorEmail),
		Channel:      ch,
		Priority:     domain.PriorityNormal,
		Tags:         []string{},
	}
	if err := repo.CreateSession(ctx, s.DB, sess); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))

	if g := strings.TrimSpace(in.Greeting); g != "" {
		res, err := s.Engine.AppendMessages(ctx, sess.ID, []domain.MessageBody{domain.SystemBody{Content: g}}, domain.SessionPatch{})
		if err != nil {
			return nil, err
		}
		sess = res.Session
	}

	s.Events.Dashboard(broadcast.NewChatCreated, sess.ID, broadcast.Summarize(sess))
	return sess, nil
}

// Get returns a session without taking its lock.
func (s *SessionService) Get(ctx context.Context, id string) (*domain.ChatSession, error) {
	ctx, span := s.tracer().Start(ctx, "Get",
		trace.WithAttributes(attribute.String("session.id", id)),
	)
	defer span.End()

	sess, err := repo.GetSession(ctx, s.DB, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return sess, nil
}

// List returns one dashboard page plus the total number of matching sessions.
func (s *SessionService) List(ctx context.Context, status domain.SessionStatus, operatorID string, page, pageSize int) ([]domain.ChatSession, int64, error) {
	ctx, span := s.tracer().Start(ctx, "List",
		trace.WithAttributes(
			attribute.String("status", string(status)),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	f := repo.SessionFilter{Status: status, OperatorID: operatorID, Offset: (page - 1) * pageSize, Limit: pageSize}

	total, err := repo.CountSessions(ctx, s.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.ChatSession{}, 0, nil
	}
	items, err := repo.ListSessionsPage(ctx, s.DB, f)
	return items, total, err
}

// Messages returns messages with Seq > afterSeq in order. It is the pull
// path subscribers use to resync after a gap in the event stream.
func (s *SessionService) Messages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.Message, error) {
	ctx, span := s.tracer().Start(ctx, "Messages",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int64("after_seq", afterSeq),
		),
	)
	defer span.End()

	if _, err := repo.GetSession(ctx, s.DB, sessionID); err != nil {
		return nil, mapStoreErr(err)
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	return repo.ListMessagesAfter(ctx, s.DB, sessionID, afterSeq, limit)
}

// checkContent trims and validates text. allowEmpty is set when a file is
// attached.
func (s *SessionService) checkContent(text string, allowEmpty bool) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" && !allowEmpty {
		return "", ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(text) > s.MaxContentRunes {
		return "", ErrTooLong
	}
	return text, nil
}

// store saves an upload. A failure aborts the message it belongs to.
func (s *SessionService) store(ctx context.Context, up *Upload) (*domain.Attachment, error) {
	if up == nil {
		return nil, nil
	}
	if s.Attachments == nil {
		return nil, ErrAttachmentsDisabled
	}
	att, err := s.Attachments.Store(ctx, up.Data, up.Name)
	if err != nil {
		return nil, err
	}
	return &att, nil
}

// PostUserMessage appends a widget message from the visitor. While no
// operator is engaged the AI responder answers after the message commits,
// through a second append; an AI failure leaves the visitor message in place.
func (s *SessionService) PostUserMessage(ctx context.Context, sessionID, text string, up *Upload) (*PostResult, error) {
	ctx, span := s.tracer().Start(ctx, "PostUserMessage",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Bool("attachment", up != nil),
		),
	)
	defer span.End()

	text, err := s.checkContent(text, up != nil)
	if err != nil {
		return nil, err
	}
	// Reject early so a closed session does not collect orphan files.
	if cur, err := repo.GetSession(ctx, s.DB, sessionID); err != nil {
		return nil, mapStoreErr(err)
	} else if cur.Status.Terminal() {
		return nil, ErrSessionClosed
	}
	att, err := s.store(ctx, up)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	res, err := s.Engine.Mutate(ctx, sessionID, func(cur *domain.ChatSession) (Change, error) {
		if cur.Status.Terminal() {
			return Change{}, ErrSessionClosed
		}
		return Change{
			Messages: []domain.MessageBody{domain.UserBody{Content: text, Attachment: att}},
			Patch:    domain.SessionPatch{UnreadDelta: 1},
		}, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.Events.Messages(res.Session, res.Messages)

	out := &PostResult{Session: res.Session, Messages: res.Messages}
	if res.Session.Status != domain.StatusActive || s.AI == nil {
		return out, nil
	}

	reply, err := s.aiReply(ctx, res.Session.ID, text)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("ai reply failed")
		return out, nil
	}
	aiRes, err := s.Engine.Mutate(ctx, sessionID, func(cur *domain.ChatSession) (Change, error) {
		// An operator may have picked the chat up while the responder ran.
		if cur.Status != domain.StatusActive {
			return Change{}, nil
		}
		return Change{Messages: []domain.MessageBody{domain.AIBody{
			Content:      reply.Text,
			Confidence:   clamp01(reply.Confidence),
			SuggestHuman: reply.SuggestHuman,
		}}}, nil
	})
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("ai reply not stored")
		return out, nil
	}
	if len(aiRes.Messages) > 0 {
		s.Events.Messages(aiRes.Session, aiRes.Messages)
		out.Session = aiRes.Session
		out.Messages = append(out.Messages, aiRes.Messages...)
	}
	return out, nil
}

// aiReply runs the responder over the recent history. No lock is held.
func (s *SessionService) aiReply(ctx context.Context, sessionID, text string) (collab.Reply, error) {
	n := s.AIHistory
	if n <= 0 {
		n = defaultAIHistory
	}
	history, err := repo.RecentMessages(ctx, s.DB, sessionID, n)
	if err != nil {
		return collab.Reply{}, err
	}
	return s.AI.GenerateReply(ctx, text, history)
}

// InboundAsync appends a visitor message that arrived through an
// asynchronous channel (email, WhatsApp). A CLOSED session is reopened to
// ACTIVE in the same commit; TICKET_CREATED sessions stay terminal.
func (s *SessionService) InboundAsync(ctx context.Context, sessionID, text string, up *Upload) (*PostResult, error) {
	ctx, span := s.tracer().Start(ctx, "InboundAsync",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	text, err := s.checkContent(text, up != nil)
	if err != nil {
		return nil, err
	}
	att, err := s.store(ctx, up)
	if err != nil {
		return nil, err
	}

	reopened := false
	res, err := s.Engine.Mutate(ctx, sessionID, func(cur *domain.ChatSession) (Change, error) {
		patch := domain.SessionPatch{UnreadDelta: 1}
		switch cur.Status {
		case domain.StatusTicketCreated:
			return Change{}, ErrSessionClosed
		case domain.StatusClosed:
			p, err := lifecycle.Apply(cur, lifecycle.Reopen, lifecycle.Args{}, s.Engine.now())
			if err != nil {
				return Change{}, err
			}
			patch = patch.Merge(p)
			reopened = true
		}
		return Change{
			Messages: []domain.MessageBody{domain.UserBody{Content: text, Attachment: att}},
			Patch:    patch,
		}, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if reopened {
		transitions.WithLabelValues(string(lifecycle.Reopen)).Inc()
		s.Events.Session(res.Session, broadcast.ChatReopened, broadcast.Summarize(res.Session))
	}
	s.Events.Messages(res.Session, res.Messages)
	return &PostResult{Session: res.Session, Messages: res.Messages}, nil
}

// RequestHuman hands the session to the least-busy available operator. With
// nobody available the session moves to WAITING and a ticket is offered.
func (s *SessionService) RequestHuman(ctx context.Context, sessionID string) (*HumanResult, error) {
	ctx, span := s.tracer().Start(ctx, "RequestHuman",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	cur, err := repo.GetSession(ctx, s.DB, sessionID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if cur.Status == domain.StatusWithOperator {
		return &HumanResult{Session: cur}, nil
	}
	if cur.Status.Terminal() {
		return nil, ErrSessionClosed
	}

	op, err := s.Matcher.Match(ctx)
	switch {
	case errors.Is(err, ErrNoOperatorAvailable):
		return s.wait(ctx, sessionID)
	case err != nil:
		span.RecordError(err)
		return nil, err
	}

	// The session may have been handed to someone else since the read above;
	// the locked re-check inside assign turns that into a no-op.
	sess, assigned, err := s.assign(ctx, sessionID, op, s.Matcher.Exclusive, true)
	if s.Matcher.Exclusive && (err != nil || !assigned) {
		s.releaseClaim(ctx, op.ID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !assigned {
		return &HumanResult{Session: sess}, nil
	}
	span.SetAttributes(attribute.String("operator.id", op.ID))
	return &HumanResult{Session: sess, Operator: op}, nil
}

// wait moves the session to WAITING and announces the request. A session
// that got an operator in the meantime is returned as is.
func (s *SessionService) wait(ctx context.Context, sessionID string) (*HumanResult, error) {
	moved, taken := false, false
	res, err := s.Engine.Mutate(ctx, sessionID, func(cur *domain.ChatSession) (Change, error) {
		switch {
		case cur.Status == domain.StatusWithOperator:
			taken = true
			return Change{}, nil
		case cur.Status.Terminal():
			return Change{}, ErrSessionClosed
		}
		p, err := lifecycle.Apply(cur, lifecycle.RequestHuman, lifecycle.Args{}, s.Engine.now())
		if err != nil {
			return Change{}, err
		}
		if p.Empty() {
			return Change{}, nil
		}
		moved = true
		return Change{
			Messages: []domain.MessageBody{domain.SystemBody{Content: "All of our agents are busy right now. You can wait or leave a ticket and we will get back to you."}},
			Patch:    p,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if taken {
		return &HumanResult{Session: res.Session}, nil
	}
	if moved {
		transitions.WithLabelValues(string(lifecycle.RequestHuman)).Inc()
		s.Events.Session(res.Session, broadcast.NewChatRequest, broadcast.Summarize(res.Session))
		s.Events.Messages(res.Session, res.Messages)
	}
	return &HumanResult{Session: res.Session, TicketOffered: true}, nil
}

// assign attaches op to the session and notifies the operator. claimed is
// true when the matcher already bumped the operator's load. With yield set,
// a session that already has an operator is left untouched and reported
// with assigned=false, and a closed one yields ErrSessionClosed.
func (s *SessionService) assign(ctx context.Context, sessionID string, op *domain.Operator, claimed, yield bool) (sess *domain.ChatSession, assigned bool, err error) {
	res, err := s.Engine.Mutate(ctx, sessionID, func(cur *domain.ChatSession) (Change, error) {
		if yield {
			switch {
			case cur.Status == domain.StatusWithOperator:
				return Change{}, nil
			case cur.Status.Terminal():
				return Change{}, ErrSessionClosed
			}
		}
		p, err := lifecycle.Apply(cur, lifecycle.Assign, lifecycle.Args{OperatorID: op.ID}, s.Engine.now())
		if err != nil {
			return Change{}, err
		}
		assigned = true
		return Change{
			Messages: []domain.MessageBody{domain.SystemBody{Content: fmt.Sprintf("%s joined the conversation.", displayName(op.Name, op.ID))}},
			Patch:    p,
		}, nil
	})
	if err != nil {
		return nil, false, err
	}
	if !assigned {
		return res.Session, false, nil
	}
	transitions.WithLabelValues(string(lifecycle.Assign)).Inc()

	if !claimed {
		s.recordLoad(ctx, op.ID)
	}

	s.Events.Session(res.Session, broadcast.ChatAssigned, broadcast.Summarize(res.Session))
	s.Events.Messages(res.Session, res.Messages)
	s.notifyOperator(ctx, op.ID, fmt.Sprintf("New chat assigned: %s", sessionID))
	return res.Session, true, nil
}

// Assign lets an operator pick up a waiting (or AI-handled) session.
func (s *SessionService) Assign(ctx context.Context, sessionID string, by Staff) (*domain.ChatSession, error) {
	ctx, span := s.tracer().Start(ctx, "Assign",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("operator.id", by.ID),
		),
	)
	defer span.End()

	op, err := s.operator(ctx, by)
	if err != nil {
		return nil, err
	}
	sess, _, err := s.assign(ctx, sessionID, op, false, false)
	return sess, err
}

// Transfer moves a session from its current operator to another one. Only
// the assigned operator may transfer.
func (s *SessionService) Transfer(ctx context.Context, sessionID string, by Staff, toOperatorID string) (*domain.ChatSession, error) {
	ctx, span := s.tracer().Start(ctx, "Transfer",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("operator.id", by.ID),
			attribute.String("to.operator.id", toOperatorID),
		),
	)
	defer span.End()

	target, err := repo.GetOperator(ctx, s.DB, toOperatorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrOperatorNotFound
		}
		return nil, err
	}

	res, err := s.Engine.Mutate(ctx, sessionID, func(cur *domain.ChatSession) (Change, error) {
		if cur.Status == domain.StatusWithOperator && !cur.AssignedTo(by.ID) {
			return Change{}, ErrPermissionDenied
		}
		p, err := lifecycle.Apply(cur, lifecycle.Transfer, lifecycle.Args{OperatorID: target.ID}, s.Engine.now())
		if err != nil {
			return Change{}, err
		}
		return Change{
			Messages: []domain.MessageBody{domain.SystemBody{Content: fmt.Sprintf("Conversation transferred to %s.", displayName(target.Name, target.ID))}},
			Patch:    p,
		}, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	transitions.WithLabelValues(string(lifecycle.Transfer)).Inc()
	s.recordLoad(ctx, target.ID)

	s.Events.Session(res.Session, broadcast.ChatTransferred, broadcast.Summarize(res.Session), by.ID)
	s.Events.Messages(res.Session, res.Messages)
	s.notifyOperator(ctx, target.ID, fmt.Sprintf("Chat %s was transferred to you by %s", sessionID, displayName(by.Name, by.ID)))
	return res.Session, nil
}

// Close ends the session. by is the closing operator, or nil when the
// visitor ends the chat. Closing twice returns ErrAlreadyClosed.
func (s *SessionService) Close(ctx context.Context, sessionID string, by *Staff) (*domain.ChatSession, error) {
	ctx, span := s.tracer().Start(ctx, "Close",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	closedBy := closedByVisitor
	if by != nil {
		closedBy = by.ID
	}
	var prevOp string
	res, err := s.Engine.Mutate(ctx, sessionID, func(cur *domain.ChatSession) (Change, error) {
		if by != nil && cur.HasOperator() && !cur.AssignedTo(by.ID) {
			return Change{}, ErrPermissionDenied
		}
		p, err := lifecycle.Apply(cur, lifecycle.Close, lifecycle.Args{ClosedBy: closedBy}, s.Engine.now())
		if err != nil {
			return Change{}, err
		}
		if cur.OperatorID != nil {
			prevOp = *cur.OperatorID
		}
		return Change{
			Messages: []domain.MessageBody{domain.SystemBody{Content: "The conversation was closed."}},
			Patch:    p,
		}, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	transitions.WithLabelValues(string(lifecycle.Close)).Inc()
	s.Events.Messages(res.Session, res.Messages)
	s.Events.Session(res.Session, broadcast.ChatClosed, broadcast.Summarize(res.Session), prevOp)
	return res.Session, nil
}

// ConvertToTicket turns the session into an asynchronous ticket. The ticket
// reference is committed first; the sink is called afterwards and a sink
// failure is only logged.
func (s *SessionService) ConvertToTicket(ctx context.Context, sessionID string, by *Staff, reason string) (*domain.ChatSession, error) {
	ctx, span := s.tracer().Start(ctx, "ConvertToTicket",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	ref := newTicketRef()
	var prevOp string
	res, err := s.Engine.Mutate(ctx, sessionID, func(cur *domain.ChatSession) (Change, error) {
		if by != nil && cur.HasOperator() && !cur.AssignedTo(by.ID) {
			return Change{}, ErrPermissionDenied
		}
		p, err := lifecycle.Apply(cur, lifecycle.ConvertTicket, lifecycle.Args{TicketRef: ref}, s.Engine.now())
		if err != nil {
			return Change{}, err
		}
		if cur.OperatorID != nil {
			prevOp = *cur.OperatorID
		}
		return Change{
			Messages: []domain.MessageBody{domain.SystemBody{Content: fmt.Sprintf("We created ticket %s. Our team will follow up by email.", ref)}},
			Patch:    p,
		}, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	transitions.WithLabelValues(string(lifecycle.ConvertTicket)).Inc()
	s.Events.Messages(res.Session, res.Messages)
	s.Events.Session(res.Session, broadcast.TicketCreated, broadcast.Summarize(res.Session), prevOp)

	if s.Tickets != nil {
		if reason = strings.TrimSpace(reason); reason == "" {
			reason = defaultTicketNote
		}
		t := collab.Ticket{
			Ref:          ref,
			SessionID:    res.Session.ID,
			VisitorID:    res.Session.VisitorID,
			VisitorName:  res.Session.VisitorName,
			VisitorEmail: res.Session.VisitorEmail,
			Channel:      res.Session.Channel,
			Priority:     res.Session.Priority,
			Tags:         []string(res.Session.Tags),
			Reason:       reason,
			CreatedAt:    s.Engine.now(),
		}
		if t.Transcript, err = repo.ListMessagesAfter(ctx, s.DB, sessionID, 0, 0); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("ticket transcript unavailable")
		}
		if err := s.Tickets.Open(ctx, t); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("ticket_ref", ref).Msg("ticket sink failed")
		}
	}
	return res.Session, nil
}

// PostOperatorMessage appends a reply from the assigned operator. It resets
// the unread counter and, for email/WhatsApp sessions, forwards the text to
// the visitor through the notifier.
func (s *SessionService) PostOperatorMessage(ctx context.Context, sessionID string, by Staff, text string, up *Upload) (*domain.Message, *domain.ChatSession, error) {
	ctx, span := s.tracer().Start(ctx, "PostOperatorMessage",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("operator.id", by.ID),
		),
	)
	defer span.End()

	text, err := s.checkContent(text, up != nil)
	if err != nil {
		return nil, nil, err
	}
	att, err := s.store(ctx, up)
	if err != nil {
		return nil, nil, err
	}

	res, err := s.Engine.Mutate(ctx, sessionID, func(cur *domain.ChatSession) (Change, error) {
		if cur.Status.Terminal() {
			return Change{}, ErrSessionClosed
		}
		if !cur.AssignedTo(by.ID) {
			return Change{}, ErrPermissionDenied
		}
		return Change{
			Messages: []domain.MessageBody{domain.OperatorBody{Content: text, OperatorID: by.ID, OperatorName: by.Name, Attachment: att}},
			Patch:    domain.SessionPatch{ResetUnread: true},
		}, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	s.Events.Messages(res.Session, res.Messages)

	if res.Session.Channel != domain.ChannelWidget && s.Notifier != nil {
		if err := s.Notifier.NotifyUser(ctx, res.Session.Channel, res.Session.VisitorEmail, text); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("visitor notification failed")
		}
	}
	return &res.Messages[0], res.Session, nil
}

// MarkRead resets the unread counter.
func (s *SessionService) MarkRead(ctx context.Context, sessionID string) (*domain.ChatSession, error) {
	ctx, span := s.tracer().Start(ctx, "MarkRead",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	return s.update(ctx, sessionID, func(cur *domain.ChatSession) (domain.SessionPatch, error) {
		if cur.UnreadMessageCount == 0 {
			return domain.SessionPatch{}, nil
		}
		return domain.SessionPatch{ResetUnread: true}, nil
	})
}

// SetPriority changes the dashboard priority of a session.
func (s *SessionService) SetPriority(ctx context.Context, sessionID, priority string) (*domain.ChatSession, error) {
	ctx, span := s.tracer().Start(ctx, "SetPriority",
		trace.WithAttributes(attribute.String("session.id", sessionID), attribute.String("priority", priority)),
	)
	defer span.End()

	p, ok := domain.ParsePriority(priority)
	if !ok {
		return nil, ErrInvalidPriority
	}
	return s.update(ctx, sessionID, func(*domain.ChatSession) (domain.SessionPatch, error) {
		return domain.SessionPatch{Priority: &p}, nil
	})
}

// SetTags replaces the session's tags. Tags are trimmed and de-duplicated
// case-insensitively, keeping the first spelling.
func (s *SessionService) SetTags(ctx context.Context, sessionID string, tags []string) (*domain.ChatSession, error) {
	ctx, span := s.tracer().Start(ctx, "SetTags",
		trace.WithAttributes(attribute.String("session.id", sessionID), attribute.Int("tags", len(tags))),
	)
	defer span.End()

	clean := normalizeTags(tags)
	return s.update(ctx, sessionID, func(*domain.ChatSession) (domain.SessionPatch, error) {
		return domain.SessionPatch{SetTags: true, Tags: clean}, nil
	})
}

// update commits a message-less patch and announces it on staff channels.
func (s *SessionService) update(ctx context.Context, sessionID string, fn func(*domain.ChatSession) (domain.SessionPatch, error)) (*domain.ChatSession, error) {
	res, err := s.Engine.Mutate(ctx, sessionID, func(cur *domain.ChatSession) (Change, error) {
		p, err := fn(cur)
		return Change{Patch: p}, err
	})
	if err != nil {
		return nil, err
	}
	s.Events.Staff(res.Session, broadcast.SessionUpdated, broadcast.Summarize(res.Session))
	return res.Session, nil
}

// operator loads the acting operator.
func (s *SessionService) operator(ctx context.Context, by Staff) (*domain.Operator, error) {
	if strings.TrimSpace(by.ID) == "" {
		return nil, ErrOperatorNotFound
	}
	op, err := repo.GetOperator(ctx, s.DB, by.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrOperatorNotFound
		}
		return nil, err
	}
	return op, nil
}

// recordLoad bumps the operator's handled-chat counter after a commit.
func (s *SessionService) recordLoad(ctx context.Context, operatorID string) {
	if s.Matcher == nil || s.Matcher.Registry == nil {
		return
	}
	if err := s.Matcher.Registry.RecordAssignment(ctx, operatorID); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("operator_id", operatorID).Msg("operator load not recorded")
	}
}

// releaseClaim gives back a load slot the matcher claimed for an assignment
// that did not happen.
func (s *SessionService) releaseClaim(ctx context.Context, operatorID string) {
	if err := s.Matcher.Registry.Release(ctx, operatorID); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("operator_id", operatorID).Msg("operator claim not released")
	}
}

func (s *SessionService) notifyOperator(ctx context.Context, operatorID, text string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.NotifyOperator(ctx, operatorID, text); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("operator_id", operatorID).Msg("operator notification failed")
	}
}

var whitespaceRE = regexp.MustCompile(`\s+`)

func normalizeTags(tags []string) []string {
	fold := cases.Fold()
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = whitespaceRE.ReplaceAllString(strings.TrimSpace(t), " ")
		if t == "" {
			continue
		}
		if utf8.RuneCountInString(t) > maxTagRunes {
			t = string([]rune(t)[:maxTagRunes])
		}
		k := fold.String(t)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}

func newTicketRef() string {
	return ticketRefPrefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

func displayName(name, id string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return id
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
