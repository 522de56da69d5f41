// Visitor HTTP handlers.
//
// This file exposes the widget endpoints of a session:
//   - POST /sessions                    (start)
//   - GET  /sessions/{id}               (read)
//   - GET  /sessions/{id}/messages      (pull after a sequence number, ETag)
//   - POST /sessions/{id}/messages      (visitor message, Idempotency-Key)
//   - POST /sessions/{id}/attachments   (visitor file, multipart)
//   - POST /sessions/{id}/human         (ask for an operator)
//   - POST /sessions/{id}/ticket        (accept the ticket offer)
//   - POST /sessions/{id}/close         (visitor ends the chat)
package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-support-backend/internal/domain"
	"github.com/tbourn/go-support-backend/internal/http/middleware"
	"github.com/tbourn/go-support-backend/internal/repo"
	"github.com/tbourn/go-support-backend/internal/services"
	"github.com/tbourn/go-support-backend/internal/utils"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 100
)

// StartSession godoc
// @ID          startSession
// @Summary     Start a support session
// @Description Creates an ACTIVE session answered by the AI until a human is requested.
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Param       X-Visitor-ID  header  string                        false  "Visitor identifier"
// @Param       body          body    handlers.StartSessionRequest  false  "Visitor details"
// @Success     201  {object}  domain.ChatSession
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sessions [post]
func (h *Handlers) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	visitor := strings.TrimSpace(req.VisitorID)
	if visitor == "" {
		visitor = strings.TrimSpace(c.GetHeader(middleware.HeaderVisitorID))
	}

	s, err := h.sessions.Start(c.Request.Context(), services.StartInput{
		VisitorID:    visitor,
		VisitorName:  req.VisitorName,
		VisitorEmail: req.VisitorEmail,
		Channel:      domain.ParseChannel(req.Channel),
		Greeting:     h.opts.Greeting,
	})
	if err != nil {
		serviceError(c, err, ErrCodeCreateFailed)
		return
	}
	ok(c, http.StatusCreated, s)
}

// GetSession godoc
// @ID          getSession
// @Summary     Get a session
// @Tags        Sessions
// @Produce     json
// @Param       id   path  string  true  "Session ID"  format(uuid)
// @Success     200  {object}  domain.ChatSession
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id} [get]
func (h *Handlers) GetSession(c *gin.Context) {
	s, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, s)
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages after a sequence number
// @Description Returns messages with seq > after_seq in order. Clients that detect a gap in the
// @Description event stream resync through this endpoint. Supports weak ETag via If-None-Match.
// @Tags        Sessions
// @Produce     json
// @Param       id         path   string  true   "Session ID"  format(uuid)
// @Param       after_seq  query  int     false  "Return messages after this seq"  minimum(0) default(0)
// @Param       limit      query  int     false  "Maximum messages"  minimum(1) maximum(100) default(50)
// @Success     200  {object}  handlers.ListMessagesResponse
// @Success     304  "Not modified"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	afterSeq := max(utils.Int64Default(c.Query("after_seq"), 0), 0)
	limit := utils.Clamp(utils.AtoiDefault(c.Query("limit"), defaultMessageLimit), 1, maxMessageLimit)

	if h.opts.DB != nil {
		if count, lastSeq, err := repo.MessagesStats(ctx, h.opts.DB, id); err == nil && count > 0 {
			etag := fmt.Sprintf(`W/"messages:%s:%d:%d:%d:%d"`, id, count, lastSeq, afterSeq, limit)
			if notModified(c, etag) {
				return
			}
		}
	}

	msgs, err := h.sessions.Messages(ctx, id, afterSeq, limit)
	if err != nil {
		serviceError(c, err, ErrCodeListFailed)
		return
	}
	last := afterSeq
	if n := len(msgs); n > 0 {
		last = msgs[n-1].Seq
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: msgs, LastSeq: last, HasMore: len(msgs) == limit})
}

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a visitor message
// @Description Appends the visitor's message. While the session is ACTIVE the AI reply is
// @Description generated after the message commits and returned alongside it.
// @Description Supports idempotency via the Idempotency-Key header (same key → same result).
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Param       X-Visitor-ID     header  string                        false  "Visitor identifier"
// @Param       Idempotency-Key  header  string                        false  "Idempotency key for safe retries"
// @Param       id               path    string                        true   "Session ID"  format(uuid)
// @Param       body             body    handlers.PostMessageRequest   true   "Message"
// @Success     201  {object}  handlers.PostMessageResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Session closed"
// @Failure     503  {object}  handlers.ErrorResponse  "Session busy"
// @Router      /sessions/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	id := c.Param("id")
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	content := sanitizeContent(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	h.postUser(c, id, content, nil)
}

// PostAttachment godoc
// @ID          postAttachment
// @Summary     Send a file
// @Description Stores the file and appends a visitor message referencing it. An optional
// @Description "content" field is used as the message text.
// @Tags        Sessions
// @Accept      multipart/form-data
// @Produce     json
// @Param       id       path      string  true   "Session ID"  format(uuid)
// @Param       file     formData  file    true   "Attachment"
// @Param       content  formData  string  false  "Message text"
// @Success     201  {object}  handlers.PostMessageResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     409  {object}  handlers.ErrorResponse  "Session closed"
// @Failure     413  {object}  handlers.ErrorResponse  "Too large"
// @Failure     501  {object}  handlers.ErrorResponse  "Attachments disabled"
// @Router      /sessions/{id}/attachments [post]
func (h *Handlers) PostAttachment(c *gin.Context) {
	up, err := h.readUpload(c)
	if err != nil {
		h.uploadError(c, err)
		return
	}
	if up == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "file required")
		return
	}
	h.postUser(c, c.Param("id"), sanitizeContent(c.PostForm("content")), up)
}

func (h *Handlers) postUser(c *gin.Context, id, content string, up *services.Upload) {
	ctx := c.Request.Context()

	if msgs, status, hit := h.replayed(c, id, true); hit {
		s, err := h.sessions.Get(ctx, id)
		if err != nil {
			serviceError(c, err, ErrCodePostFailed)
			return
		}
		c.Header(middleware.HeaderIdempotencyReplayed, "true")
		ok(c, status, PostMessageResponse{Session: s, Messages: msgs})
		return
	}

	res, err := h.sessions.PostUserMessage(ctx, id, content, up)
	if err != nil {
		h.contentError(c, err, ErrCodePostFailed)
		return
	}
	h.remember(c, id, res.Messages[0].ID, http.StatusCreated)
	ok(c, http.StatusCreated, PostMessageResponse{Session: res.Session, Messages: res.Messages})
}

// RequestHuman godoc
// @ID          requestHuman
// @Summary     Ask for a human operator
// @Description Assigns the least-busy available operator (200). When nobody is available the
// @Description session waits in the queue and a ticket is offered (202).
// @Tags        Sessions
// @Produce     json
// @Param       id   path  string  true  "Session ID"  format(uuid)
// @Success     200  {object}  handlers.HumanResponse  "Operator assigned"
// @Success     202  {object}  handlers.HumanResponse  "Waiting, ticket offered"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Session closed"
// @Router      /sessions/{id}/human [post]
func (h *Handlers) RequestHuman(c *gin.Context) {
	res, err := h.sessions.RequestHuman(c.Request.Context(), c.Param("id"))
	if err != nil {
		serviceError(c, err, ErrCodeUpdateFailed)
		return
	}
	status := http.StatusOK
	if res.TicketOffered {
		status = http.StatusAccepted
	}
	ok(c, status, HumanResponse{Session: res.Session, Operator: res.Operator, TicketOffered: res.TicketOffered})
}

// VisitorTicket godoc
// @ID          visitorTicket
// @Summary     Leave a ticket instead of waiting
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Param       id    path  string                  true   "Session ID"  format(uuid)
// @Param       body  body  handlers.TicketRequest  false  "Reason"
// @Success     200  {object}  domain.ChatSession
// @Failure     409  {object}  handlers.ErrorResponse  "Session already closed"
// @Router      /sessions/{id}/ticket [post]
func (h *Handlers) VisitorTicket(c *gin.Context) {
	h.convert(c, nil)
}

// VisitorClose godoc
// @ID          visitorClose
// @Summary     End the chat
// @Tags        Sessions
// @Produce     json
// @Param       id   path  string  true  "Session ID"  format(uuid)
// @Success     200  {object}  domain.ChatSession
// @Failure     409  {object}  handlers.ErrorResponse  "Session already closed"
// @Router      /sessions/{id}/close [post]
func (h *Handlers) VisitorClose(c *gin.Context) {
	h.close(c, nil)
}

func (h *Handlers) close(c *gin.Context, by *services.Staff) {
	s, err := h.sessions.Close(c.Request.Context(), c.Param("id"), by)
	if err != nil {
		serviceError(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, s)
}

func (h *Handlers) convert(c *gin.Context, by *services.Staff) {
	var req TicketRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	s, err := h.sessions.ConvertToTicket(c.Request.Context(), c.Param("id"), by, req.Reason)
	if err != nil {
		serviceError(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, s)
}
