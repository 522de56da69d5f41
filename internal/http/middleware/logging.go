// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides request correlation, the request-scoped logger and
// panic recovery:
//
//   - RequestID() reuses or generates X-Request-ID and stores it in the context.
//   - ContextLogger() builds a zerolog.Logger carrying request_id, actor and
//     route params, stores it under the "logger" key and attaches it to the
//     request context so services reached through c.Request.Context() log
//     with the same fields via log.Ctx.
//   - Recovery() turns panics into the JSON 500 envelope and logs the stack.
//   - LoggerFrom() returns the request-scoped logger from a gin context.
//
// Order: RequestID, RedactingLogger, Recovery, ..., Authenticate, ContextLogger.
// ContextLogger goes after Authenticate so the actor is known.
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	loggerKey       = "logger"
	maxRequestIDLen = 128
)

// RequestID attaches (or propagates) a correlation identifier per request.
// Oversized incoming ids are replaced.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" || len(rid) > maxRequestIDLen {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// ContextLogger stores a request-scoped logger in both the gin context and
// the request context.
func ContextLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		lc := log.With().
			Str("request_id", c.GetString(requestIDKey)).
			Str("actor", ActorID(c))
		if id := c.Param("id"); id != "" {
			lc = lc.Str("session_id", id)
		}
		l := lc.Logger()

		c.Set(loggerKey, &l)
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))
		c.Next()
	}
}

// Recovery intercepts panics, logs a stack trace, and returns a JSON 500 error.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				// Deliberate abort from a streaming response.
				panic(rec)
			}
			rid := c.GetString(requestIDKey)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Msg("panic recovered")

			if !c.Writer.Written() {
				c.Header(requestIDHeader, rid)
				abortJSON(c, http.StatusInternalServerError, "internal_error", "internal server error")
				return
			}
			c.AbortWithStatus(http.StatusInternalServerError)
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped zerolog.Logger, or a copy of the
// global logger when ContextLogger did not run.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}
