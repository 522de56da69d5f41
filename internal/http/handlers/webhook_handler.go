// Inbound webhook for asynchronous channels.
//
// Email and WhatsApp gateways post visitor replies here. Unlike the widget
// path, a reply on a CLOSED session reopens it.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-support-backend/internal/domain"
	"github.com/tbourn/go-support-backend/internal/services"
)

// Inbound godoc
// @ID          inbound
// @Summary     Deliver a visitor reply from email or WhatsApp
// @Description Appends the reply to the session, reopening it when it was closed. Without a
// @Description session_id a new session is started for the visitor (201).
// @Tags        Webhooks
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.InboundRequest  true  "Inbound message"
// @Success     200  {object}  handlers.PostMessageResponse  "Appended"
// @Success     201  {object}  handlers.PostMessageResponse  "New session"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Session converted to a ticket"
// @Router      /webhooks/inbound [post]
func (h *Handlers) Inbound(c *gin.Context) {
	ctx := c.Request.Context()

	var req InboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	content := sanitizeContent(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	status := http.StatusOK
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		ch := domain.ParseChannel(req.Channel)
		if ch == domain.ChannelWidget {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "channel must be email or whatsapp")
			return
		}
		visitor := strings.TrimSpace(req.VisitorID)
		if visitor == "" {
			visitor = strings.TrimSpace(req.VisitorEmail)
		}
		if visitor == "" {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session_id or visitor required")
			return
		}
		s, err := h.sessions.Start(ctx, services.StartInput{
			VisitorID:    visitor,
			VisitorName:  req.VisitorName,
			VisitorEmail: req.VisitorEmail,
			Channel:      ch,
		})
		if err != nil {
			serviceError(c, err, ErrCodeCreateFailed)
			return
		}
		id, status = s.ID, http.StatusCreated
	}

	res, err := h.sessions.InboundAsync(ctx, id, content, nil)
	if err != nil {
		h.contentError(c, err, ErrCodePostFailed)
		return
	}
	ok(c, status, PostMessageResponse{Session: res.Session, Messages: res.Messages})
}
