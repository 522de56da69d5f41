// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the response helpers shared by every endpoint: the error
// envelope, success writers and the mapping from service errors to status
// codes.
//
// Example error response:
//
//	HTTP/1.1 409 Conflict
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "session_closed",
//	  "message": "session is closed"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-support-backend/internal/collab"
	"github.com/tbourn/go-support-backend/internal/http/middleware"
	"github.com/tbourn/go-support-backend/internal/services"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"session not found"`
}

// fail aborts the request with a structured error. 5xx responses are logged
// with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail() for the router.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// serviceError maps a service-layer error onto the envelope. Unknown errors
// are logged and become a generic 500 with fallbackCode.
func serviceError(c *gin.Context, err error, fallbackCode string) {
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
	case errors.Is(err, services.ErrNoteNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "note not found")
	case errors.Is(err, services.ErrOperatorNotFound):
		fail(c, http.StatusNotFound, ErrCodeOperatorNotFound, "operator not found")
	case errors.Is(err, services.ErrPermissionDenied):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "not allowed for this operator")
	case errors.Is(err, services.ErrAlreadyClosed):
		fail(c, http.StatusConflict, ErrCodeAlreadyClosed, "session already closed")
	case errors.Is(err, services.ErrSessionClosed):
		fail(c, http.StatusConflict, ErrCodeSessionClosed, "session is closed")
	case errors.Is(err, services.ErrInvalidTransition):
		fail(c, http.StatusConflict, ErrCodeInvalidTransition, err.Error())
	case errors.Is(err, services.ErrLockTimeout):
		c.Header("Retry-After", "1")
		fail(c, http.StatusServiceUnavailable, ErrCodeLockTimeout, "session is busy, retry shortly")
	case errors.Is(err, services.ErrEmptyContent):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
	case errors.Is(err, services.ErrTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content too long")
	case errors.Is(err, services.ErrInvalidPriority):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "priority must be LOW, NORMAL, HIGH or URGENT")
	case errors.Is(err, services.ErrAttachmentsDisabled):
		fail(c, http.StatusNotImplemented, ErrCodeAttachmentsDisabled, "attachments are not enabled")
	case errors.Is(err, collab.ErrEmptyAttachment),
		errors.Is(err, collab.ErrAttachmentType):
		fail(c, http.StatusBadRequest, ErrCodeBadAttachment, err.Error())
	case errors.Is(err, collab.ErrAttachmentTooLarge):
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeBadAttachment, err.Error())
	default:
		// Storage errors carry driver and SQL text; keep them in the log.
		middleware.LoggerFrom(c).Error().Err(err).Str("code", fallbackCode).Msg("unhandled service error")
		fail(c, http.StatusInternalServerError, fallbackCode, "internal error")
	}
}
