// Support HTTP handlers.
//
// Handlers are transport-thin: they bind and normalize input, resolve the
// caller (visitor or operator), delegate to the application services and
// translate results into HTTP responses, including conditional responses
// (ETag) and idempotent replays.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-backend/internal/broadcast"
	"github.com/tbourn/go-support-backend/internal/domain"
	"github.com/tbourn/go-support-backend/internal/http/middleware"
	"github.com/tbourn/go-support-backend/internal/repo"
	"github.com/tbourn/go-support-backend/internal/services"
	"github.com/tbourn/go-support-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// SessionService is the session lifecycle consumed by the handlers.
type SessionService interface {
	Start(ctx context.Context, in services.StartInput) (*domain.ChatSession, error)
	Get(ctx context.Context, id string) (*domain.ChatSession, error)
	List(ctx context.Context, status domain.SessionStatus, operatorID string, page, pageSize int) ([]domain.ChatSession, int64, error)
	Messages(ctx context.Context, id string, afterSeq int64, limit int) ([]domain.Message, error)

	PostUserMessage(ctx context.Context, id, text string, up *services.Upload) (*services.PostResult, error)
	InboundAsync(ctx context.Context, id, text string, up *services.Upload) (*services.PostResult, error)
	RequestHuman(ctx context.Context, id string) (*services.HumanResult, error)

	Assign(ctx context.Context, id string, by services.Staff) (*domain.ChatSession, error)
	Transfer(ctx context.Context, id string, by services.Staff, toOperatorID string) (*domain.ChatSession, error)
	Close(ctx context.Context, id string, by *services.Staff) (*domain.ChatSession, error)
	ConvertToTicket(ctx context.Context, id string, by *services.Staff, reason string) (*domain.ChatSession, error)
	PostOperatorMessage(ctx context.Context, id string, by services.Staff, text string, up *services.Upload) (*domain.Message, *domain.ChatSession, error)

	MarkRead(ctx context.Context, id string) (*domain.ChatSession, error)
	SetPriority(ctx context.Context, id, priority string) (*domain.ChatSession, error)
	SetTags(ctx context.Context, id string, tags []string) (*domain.ChatSession, error)
}

// NoteService manages internal notes.
type NoteService interface {
	List(ctx context.Context, sessionID string) ([]domain.Note, error)
	Add(ctx context.Context, sessionID string, by services.Staff, content string) (*domain.Note, error)
	Update(ctx context.Context, sessionID, noteID string, by services.Staff, content string) (*domain.Note, error)
	Delete(ctx context.Context, sessionID, noteID string, by services.Staff) error
}

// OperatorService is the operator registry.
type OperatorService interface {
	Ensure(ctx context.Context, id, name, email string) (*domain.Operator, error)
	SetAvailability(ctx context.Context, id string, available bool) (*domain.Operator, error)
	Heartbeat(ctx context.Context, id string) error
	List(ctx context.Context, onlyAvailable bool) ([]domain.Operator, error)
}

//
// Handler wiring
//

// Options carries the non-service dependencies of the handlers.
type Options struct {
	// DB backs ETags and idempotent replays; nil disables both.
	DB *gorm.DB
	// Hub serves the websocket endpoints; nil makes them return 503.
	Hub *broadcast.Hub
	// IdempotencyTTL is how long a stored result is replayed. Default 24h.
	IdempotencyTTL time.Duration
	// MaxContentRunes is advertised in validation messages; the services
	// enforce it.
	MaxContentRunes int
	// MaxAttachmentBytes caps multipart uploads. Default 10 MiB.
	MaxAttachmentBytes int64
	// Greeting is posted as the first SYSTEM message of new sessions.
	Greeting string
}

// Handlers groups the HTTP endpoints of the support API.
type Handlers struct {
	sessions  SessionService
	notes     NoteService
	operators OperatorService
	opts      Options

	// known caches operator ids already registered by RegisterOperator.
	known sync.Map
}

// New constructs a Handlers instance bound to the given services.
func New(sessions SessionService, notes NoteService, operators OperatorService, opts Options) *Handlers {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.MaxAttachmentBytes <= 0 {
		opts.MaxAttachmentBytes = 10 << 20
	}
	return &Handlers{sessions: sessions, notes: notes, operators: operators, opts: opts}
}

// RegisterOperator records the authenticated operator in the registry the
// first time this process sees them, so assignment and transfer can find
// them. It must run after middleware.RequireOperator.
func (h *Handlers) RegisterOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, name, _ := middleware.OperatorFrom(c)
		if _, seen := h.known.Load(id); !seen {
			if _, err := h.operators.Ensure(c.Request.Context(), id, name, ""); err != nil {
				serviceError(c, err, ErrCodeInternal)
				return
			}
			h.known.Store(id, struct{}{})
		}
		c.Next()
	}
}

// staff returns the acting operator. Only valid behind RequireOperator.
func staff(c *gin.Context) services.Staff {
	id, name, _ := middleware.OperatorFrom(c)
	return services.Staff{ID: id, Name: name}
}

//
// DTOs
//

// StartSessionRequest opens a conversation from the widget.
type StartSessionRequest struct {
	VisitorID    string `json:"visitor_id"    example:"visitor-42"`
	VisitorName  string `json:"visitor_name"  example:"Jane"`
	VisitorEmail string `json:"visitor_email" example:"jane@example.com"`
	// Channel defaults to widget.
	Channel string `json:"channel" example:"widget" enums:"widget,email,whatsapp"`
}

// PostMessageRequest is the JSON payload of a text message.
type PostMessageRequest struct {
	Content string `json:"content" binding:"required,min=1" example:"How do I reset my password?"`
}

// PostMessageResponse is what a visitor message produced: the visitor's
// message and, when the AI answered, its reply.
type PostMessageResponse struct {
	Session  *domain.ChatSession `json:"session"`
	Messages []domain.Message    `json:"messages"`
}

// OperatorMessageResponse is the committed operator reply.
type OperatorMessageResponse struct {
	Session *domain.ChatSession `json:"session"`
	Message *domain.Message     `json:"message"`
}

// ListMessagesResponse is one slice of the message log after a sequence number.
type ListMessagesResponse struct {
	Messages []domain.Message `json:"messages"`
	// LastSeq is the highest seq returned, or after_seq when empty; pass it
	// back as after_seq to continue.
	LastSeq int64 `json:"last_seq"`
	HasMore bool  `json:"has_more"`
}

// HumanResponse reports a hand-off request.
type HumanResponse struct {
	Session       *domain.ChatSession `json:"session"`
	Operator      *domain.Operator    `json:"operator,omitempty"`
	TicketOffered bool                `json:"ticket_offered"`
}

// TicketRequest optionally explains a ticket conversion.
type TicketRequest struct {
	Reason string `json:"reason" example:"needs billing team"`
}

// TransferRequest names the operator taking over.
type TransferRequest struct {
	OperatorID string `json:"operator_id" binding:"required" example:"op-7"`
}

// PriorityRequest sets the dashboard priority.
type PriorityRequest struct {
	Priority string `json:"priority" binding:"required" example:"HIGH" enums:"LOW,NORMAL,HIGH,URGENT"`
}

// TagsRequest replaces the session's tags.
type TagsRequest struct {
	Tags []string `json:"tags" example:"billing,vip"`
}

// NoteRequest is the body of a note create or edit.
type NoteRequest struct {
	Content string `json:"content" binding:"required,min=1" example:"Customer is on the legacy plan."`
}

// ListNotesResponse wraps a session's notes.
type ListNotesResponse struct {
	Notes []domain.Note `json:"notes"`
}

// AvailabilityRequest toggles whether the operator accepts new chats.
type AvailabilityRequest struct {
	Available *bool `json:"available" binding:"required" example:"true"`
}

// ListOperatorsResponse wraps the operator registry.
type ListOperatorsResponse struct {
	Operators []domain.Operator `json:"operators"`
}

// InboundRequest is a visitor reply delivered by an email or WhatsApp
// gateway. Without a session id a new session is started for the visitor.
type InboundRequest struct {
	SessionID    string `json:"session_id"    example:"3f9a0c1e-6c1b-4a53-9f0e-2b7e1f3c5d10"`
	Channel      string `json:"channel"       example:"email" enums:"email,whatsapp"`
	VisitorID    string `json:"visitor_id"    example:"jane@example.com"`
	VisitorName  string `json:"visitor_name"  example:"Jane"`
	VisitorEmail string `json:"visitor_email" example:"jane@example.com"`
	Content      string `json:"content"       binding:"required,min=1" example:"Thanks, that worked."`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListSessionsResponse wraps a page of sessions and pagination information.
type ListSessionsResponse struct {
	Sessions   []domain.ChatSession `json:"sessions"`
	Pagination Pagination           `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = max(utils.AtoiDefault(c.Query("page"), defaultPage), 1)
	pageSize = utils.Clamp(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}

func newPagination(page, pageSize int, total int64) Pagination {
	pages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: pages,
		HasNext:    page < pages,
	}
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent converts CRLF/CR to LF, collapses runs of blank lines and
// trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// contentError maps message validation errors, naming the configured limit.
func (h *Handlers) contentError(c *gin.Context, err error, fallbackCode string) {
	if errors.Is(err, services.ErrTooLong) && h.opts.MaxContentRunes > 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", h.opts.MaxContentRunes))
		return
	}
	serviceError(c, err, fallbackCode)
}

// notModified sets the ETag and reports whether the client copy is current.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}

// readUpload loads the "file" part of a multipart form. It returns nil when
// the request carries no file.
func (h *Handlers) readUpload(c *gin.Context) (*services.Upload, error) {
	fh, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return h.loadFile(fh)
}

var errUploadTooLarge = errors.New("attachment too large")

func (h *Handlers) loadFile(fh *multipart.FileHeader) (*services.Upload, error) {
	if fh.Size > h.opts.MaxAttachmentBytes {
		return nil, errUploadTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.opts.MaxAttachmentBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.opts.MaxAttachmentBytes {
		return nil, errUploadTooLarge
	}
	return &services.Upload{Data: data, Name: fh.Filename}, nil
}

// uploadError maps multipart parsing failures.
func (h *Handlers) uploadError(c *gin.Context, err error) {
	if errors.Is(err, errUploadTooLarge) {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, fmt.Sprintf("attachment exceeds %d bytes", h.opts.MaxAttachmentBytes))
		return
	}
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid multipart form")
}

//
// Idempotency
//

// replayed looks up a stored result for the request's Idempotency-Key and
// returns the originally committed messages. For visitor posts the AI reply
// that followed the visitor message is included, matching the first response.
func (h *Handlers) replayed(c *gin.Context, sessionID string, withAIReply bool) ([]domain.Message, int, bool) {
	key, has := middleware.GetIdempotencyKey(c)
	if !has || h.opts.DB == nil {
		return nil, 0, false
	}
	ctx := c.Request.Context()
	rec, err := repo.GetIdempotency(ctx, h.opts.DB, middleware.ActorID(c), sessionID, key, time.Now().UTC())
	if err != nil {
		return nil, 0, false
	}
	first, err := repo.GetMessage(ctx, h.opts.DB, rec.MessageID)
	if err != nil {
		return nil, 0, false
	}
	out := []domain.Message{*first}
	if withAIReply {
		next, err := repo.ListMessagesAfter(ctx, h.opts.DB, sessionID, first.Seq, 1)
		if err == nil && len(next) == 1 && next[0].Type == domain.MessageAI {
			out = append(out, next[0])
		}
	}
	return out, rec.Status, true
}

// remember stores the message id under the request's Idempotency-Key. Best
// effort: a concurrent duplicate or store failure only costs the replay.
func (h *Handlers) remember(c *gin.Context, sessionID, messageID string, status int) {
	key, has := middleware.GetIdempotencyKey(c)
	if !has || h.opts.DB == nil {
		return
	}
	_, err := repo.CreateIdempotency(c.Request.Context(), h.opts.DB, middleware.ActorID(c), sessionID, key, messageID, status, h.opts.IdempotencyTTL)
	if err != nil && !errors.Is(err, repo.ErrDuplicate) {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency record not stored")
	}
}

// IdempotencyLookup adapts the idempotency store for
// middleware.IdempotencyValidator.
func IdempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	return func(ctx context.Context, actorID, sessionID, key string, now time.Time) (bool, error) {
		_, err := repo.GetIdempotency(ctx, db, actorID, sessionID, key, now)
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
}
