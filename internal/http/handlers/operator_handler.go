// Operator HTTP handlers.
//
// Every route here sits behind middleware.RequireOperator and
// Handlers.RegisterOperator; the acting operator comes from the context.
package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-support-backend/internal/domain"
	"github.com/tbourn/go-support-backend/internal/http/middleware"
	"github.com/tbourn/go-support-backend/internal/repo"
	"github.com/tbourn/go-support-backend/internal/services"
)

// ListSessions godoc
// @ID          listSessions
// @Summary     List sessions for the dashboard (paginated)
// @Description Most recently active first. Filter by status, or mine=true for the caller's
// @Description sessions. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Operator
// @Produce     json
// @Security    BearerAuth
// @Param       status     query  string  false  "Session status"  Enums(ACTIVE,WAITING,WITH_OPERATOR,CLOSED,TICKET_CREATED)
// @Param       mine       query  bool    false  "Only sessions assigned to the caller"
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListSessionsResponse
// @Success     304  "Not modified"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Router      /operator/sessions [get]
func (h *Handlers) ListSessions(c *gin.Context) {
	ctx := c.Request.Context()

	var status domain.SessionStatus
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		if status = domain.ParseStatus(raw); status == "" {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown status")
			return
		}
	}
	var operatorID string
	if mine, _ := strconv.ParseBool(c.Query("mine")); mine {
		operatorID = staff(c).ID
	}
	page, pageSize := clampPagination(c)

	if h.opts.DB != nil {
		f := repo.SessionFilter{Status: status, OperatorID: operatorID}
		if count, maxTS, err := repo.SessionsStats(ctx, h.opts.DB, f); err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"sessions:%s:%s:%d:%d:%d:%d"`, status, operatorID, count, ts, page, pageSize)
			if notModified(c, etag) {
				return
			}
		}
	}

	items, total, err := h.sessions.List(ctx, status, operatorID, page, pageSize)
	if err != nil {
		serviceError(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListSessionsResponse{Sessions: items, Pagination: newPagination(page, pageSize, total)})
}

// AssignSession godoc
// @ID          assignSession
// @Summary     Pick up a session
// @Tags        Operator
// @Produce     json
// @Security    BearerAuth
// @Param       id   path  string  true  "Session ID"  format(uuid)
// @Success     200  {object}  domain.ChatSession
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Invalid transition"
// @Failure     503  {object}  handlers.ErrorResponse  "Session busy"
// @Router      /operator/sessions/{id}/assign [post]
func (h *Handlers) AssignSession(c *gin.Context) {
	s, err := h.sessions.Assign(c.Request.Context(), c.Param("id"), staff(c))
	if err != nil {
		serviceError(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, s)
}

// PostOperatorMessage godoc
// @ID          postOperatorMessage
// @Summary     Reply to the visitor
// @Description Only the assigned operator may reply. Accepts JSON, or multipart with a "file"
// @Description part and optional "content" field. Supports Idempotency-Key.
// @Tags        Operator
// @Accept      json
// @Accept      multipart/form-data
// @Produce     json
// @Security    BearerAuth
// @Param       Idempotency-Key  header  string                       false  "Idempotency key for safe retries"
// @Param       id               path    string                       true   "Session ID"  format(uuid)
// @Param       body             body    handlers.PostMessageRequest  false  "Message"
// @Success     201  {object}  handlers.OperatorMessageResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the assigned operator"
// @Failure     409  {object}  handlers.ErrorResponse  "Session closed"
// @Router      /operator/sessions/{id}/messages [post]
func (h *Handlers) PostOperatorMessage(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var (
		content string
		up      *services.Upload
		err     error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if up, err = h.readUpload(c); err != nil {
			h.uploadError(c, err)
			return
		}
		content = sanitizeContent(c.PostForm("content"))
	} else {
		var req PostMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
			return
		}
		content = sanitizeContent(req.Content)
	}
	if content == "" && up == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	if msgs, status, hit := h.replayed(c, id, false); hit {
		s, err := h.sessions.Get(ctx, id)
		if err != nil {
			serviceError(c, err, ErrCodePostFailed)
			return
		}
		c.Header(middleware.HeaderIdempotencyReplayed, "true")
		ok(c, status, OperatorMessageResponse{Session: s, Message: &msgs[0]})
		return
	}

	m, s, err := h.sessions.PostOperatorMessage(ctx, id, staff(c), content, up)
	if err != nil {
		h.contentError(c, err, ErrCodePostFailed)
		return
	}
	h.remember(c, id, m.ID, http.StatusCreated)
	ok(c, http.StatusCreated, OperatorMessageResponse{Session: s, Message: m})
}

// TransferSession godoc
// @ID          transferSession
// @Summary     Hand the session to another operator
// @Tags        Operator
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                    true  "Session ID"  format(uuid)
// @Param       body  body  handlers.TransferRequest  true  "Target operator"
// @Success     200  {object}  domain.ChatSession
// @Failure     403  {object}  handlers.ErrorResponse  "Not the assigned operator"
// @Failure     404  {object}  handlers.ErrorResponse  "Session or operator not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Invalid transition"
// @Router      /operator/sessions/{id}/transfer [post]
func (h *Handlers) TransferSession(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.OperatorID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "operator_id required")
		return
	}
	s, err := h.sessions.Transfer(c.Request.Context(), c.Param("id"), staff(c), strings.TrimSpace(req.OperatorID))
	if err != nil {
		serviceError(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, s)
}

// CloseSession godoc
// @ID          closeSession
// @Summary     Close the session
// @Tags        Operator
// @Produce     json
// @Security    BearerAuth
// @Param       id   path  string  true  "Session ID"  format(uuid)
// @Success     200  {object}  domain.ChatSession
// @Failure     403  {object}  handlers.ErrorResponse  "Not the assigned operator"
// @Failure     409  {object}  handlers.ErrorResponse  "Already closed"
// @Router      /operator/sessions/{id}/close [post]
func (h *Handlers) CloseSession(c *gin.Context) {
	by := staff(c)
	h.close(c, &by)
}

// ConvertToTicket godoc
// @ID          convertToTicket
// @Summary     Convert the session into a ticket
// @Tags        Operator
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                  true   "Session ID"  format(uuid)
// @Param       body  body  handlers.TicketRequest  false  "Reason"
// @Success     200  {object}  domain.ChatSession
// @Failure     403  {object}  handlers.ErrorResponse  "Not the assigned operator"
// @Failure     409  {object}  handlers.ErrorResponse  "Already closed"
// @Router      /operator/sessions/{id}/ticket [post]
func (h *Handlers) ConvertToTicket(c *gin.Context) {
	by := staff(c)
	h.convert(c, &by)
}

// MarkRead godoc
// @ID          markRead
// @Summary     Reset the unread counter
// @Tags        Operator
// @Produce     json
// @Security    BearerAuth
// @Param       id   path  string  true  "Session ID"  format(uuid)
// @Success     200  {object}  domain.ChatSession
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /operator/sessions/{id}/read [post]
func (h *Handlers) MarkRead(c *gin.Context) {
	s, err := h.sessions.MarkRead(c.Request.Context(), c.Param("id"))
	if err != nil {
		serviceError(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, s)
}

// SetPriority godoc
// @ID          setPriority
// @Summary     Set the dashboard priority
// @Tags        Operator
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                    true  "Session ID"  format(uuid)
// @Param       body  body  handlers.PriorityRequest  true  "Priority"
// @Success     200  {object}  domain.ChatSession
// @Failure     400  {object}  handlers.ErrorResponse  "Unknown priority"
// @Router      /operator/sessions/{id}/priority [put]
func (h *Handlers) SetPriority(c *gin.Context) {
	var req PriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "priority required")
		return
	}
	s, err := h.sessions.SetPriority(c.Request.Context(), c.Param("id"), req.Priority)
	if err != nil {
		serviceError(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, s)
}

// SetTags godoc
// @ID          setTags
// @Summary     Replace the session's tags
// @Description Tags are trimmed and de-duplicated case-insensitively.
// @Tags        Operator
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                true  "Session ID"  format(uuid)
// @Param       body  body  handlers.TagsRequest  true  "Tags"
// @Success     200  {object}  domain.ChatSession
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Router      /operator/sessions/{id}/tags [put]
func (h *Handlers) SetTags(c *gin.Context) {
	var req TagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	s, err := h.sessions.SetTags(c.Request.Context(), c.Param("id"), req.Tags)
	if err != nil {
		serviceError(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, s)
}

// ListOperators godoc
// @ID          listOperators
// @Summary     List operators by load
// @Tags        Operator
// @Produce     json
// @Security    BearerAuth
// @Param       available  query  bool  false  "Only operators accepting chats"
// @Success     200  {object}  handlers.ListOperatorsResponse
// @Router      /operator/operators [get]
func (h *Handlers) ListOperators(c *gin.Context) {
	only, _ := strconv.ParseBool(c.Query("available"))
	ops, err := h.operators.List(c.Request.Context(), only)
	if err != nil {
		serviceError(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListOperatorsResponse{Operators: ops})
}

// SetAvailability godoc
// @ID          setAvailability
// @Summary     Start or stop accepting chats
// @Tags        Operator
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.AvailabilityRequest  true  "Availability"
// @Success     200  {object}  domain.Operator
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Router      /operator/availability [put]
func (h *Handlers) SetAvailability(c *gin.Context) {
	var req AvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Available == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "available required")
		return
	}
	op, err := h.operators.SetAvailability(c.Request.Context(), staff(c).ID, *req.Available)
	if err != nil {
		serviceError(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, op)
}

// Heartbeat godoc
// @ID          heartbeat
// @Summary     Keep the operator marked as online
// @Description Consoles call this periodically; silent operators are made unavailable by the sweeper.
// @Tags        Operator
// @Security    BearerAuth
// @Success     204  "No Content"
// @Router      /operator/heartbeat [post]
func (h *Handlers) Heartbeat(c *gin.Context) {
	if err := h.operators.Heartbeat(c.Request.Context(), staff(c).ID); err != nil {
		serviceError(c, err, ErrCodeUpdateFailed)
		return
	}
	noContent(c)
}
