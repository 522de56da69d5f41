// Websocket endpoints. Each connection subscribes to exactly one broadcast
// channel and receives its events as JSON text frames until either side
// goes away.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-support-backend/internal/broadcast"
	"github.com/tbourn/go-support-backend/internal/http/middleware"
)

// SessionWS godoc
// @ID          sessionWS
// @Summary     Stream events of one session (visitor widget)
// @Tags        Realtime
// @Param       id   path  string  true  "Session ID"  format(uuid)
// @Success     101  "Switching Protocols"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id}/ws [get]
func (h *Handlers) SessionWS(c *gin.Context) {
	if _, err := h.sessions.Get(c.Request.Context(), c.Param("id")); err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	h.serve(c, broadcast.SessionChannel(c.Param("id")))
}

// OperatorWS godoc
// @ID          operatorWS
// @Summary     Stream events addressed to the calling operator
// @Description Browsers pass the bearer token as the access_token query parameter.
// @Tags        Realtime
// @Security    BearerAuth
// @Success     101  "Switching Protocols"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Router      /operator/ws [get]
func (h *Handlers) OperatorWS(c *gin.Context) {
	h.serve(c, broadcast.OperatorChannel(staff(c).ID))
}

// DashboardWS godoc
// @ID          dashboardWS
// @Summary     Stream every session change for dashboards
// @Tags        Realtime
// @Security    BearerAuth
// @Success     101  "Switching Protocols"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Router      /operator/dashboard/ws [get]
func (h *Handlers) DashboardWS(c *gin.Context) {
	h.serve(c, broadcast.DashboardChannel)
}

func (h *Handlers) serve(c *gin.Context, channel string) {
	if h.opts.Hub == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeInternal, "realtime events are not available")
		return
	}
	// The upgrader writes its own error response on a failed handshake.
	if err := broadcast.ServeWS(c.Request.Context(), h.opts.Hub, channel, c.Writer, c.Request); err != nil {
		middleware.LoggerFrom(c).Debug().Err(err).Str("channel", channel).Msg("websocket upgrade failed")
	}
}
