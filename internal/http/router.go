// Package httpapi wires the HTTP transport (Gin) to the support services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and rate limiting.
//
// Middleware order (outermost first):
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter (uploads get the attachment limit)
//  6. Metrics
//  7. Gzip (websocket upgrades excluded)
//  8. Authenticate: operator identity from JWT or dev header
//  9. ContextLogger: request-scoped logger with actor fields
//  10. Idempotency validator (before rate limiter to allow bypass on replay)
//  11. Rate limiter (per operator/visitor/IP, bypass on replay)
//  12. CORS and security headers
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-backend/internal/broadcast"
	"github.com/tbourn/go-support-backend/internal/config"
	"github.com/tbourn/go-support-backend/internal/http/handlers"
	"github.com/tbourn/go-support-backend/internal/http/middleware"
)

const (
	defaultBodyLimit = 1 << 20
	// multipartOverhead covers form boundaries and the text fields sent
	// alongside a file.
	multipartOverhead = 64 << 10
)

// Deps are the collaborators the routes need. DB backs idempotency lookups
// and ETags; Hub serves the websocket endpoints.
type Deps struct {
	DB        *gorm.DB
	Hub       *broadcast.Hub
	Sessions  handlers.SessionService
	Notes     handlers.NoteService
	Operators handlers.OperatorService
}

var corsAllowHeaders = []string{
	"Origin", "Content-Type", "Accept", "Authorization",
	middleware.HeaderOperatorID, middleware.HeaderOperatorName, middleware.HeaderVisitorID,
	middleware.HeaderIdempotencyKey, "If-None-Match",
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the public API under cfg.APIBasePath.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
		SkipPaths:   []string{"/health", "/metrics"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(defaultBodyLimit, cfg.Attachments.MaxBytes+multipartOverhead))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{`/ws$`})))

	r.Use(middleware.Authenticate(middleware.AuthOptions{Secret: []byte(cfg.JWTSecret)}))
	r.Use(middleware.ContextLogger())

	var lookup middleware.IdempotencyLookup
	if deps.DB != nil {
		lookup = handlers.IdempotencyLookup(deps.DB)
	}
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, lookup))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByActorOrIP())
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}
	if cfg.Attachments.Dir != "" && cfg.Attachments.BaseURL != "" {
		r.Static(cfg.Attachments.BaseURL, cfg.Attachments.Dir)
	}

	h := handlers.New(deps.Sessions, deps.Notes, deps.Operators, handlers.Options{
		DB:                 deps.DB,
		Hub:                deps.Hub,
		IdempotencyTTL:     cfg.IdempotencyTTL,
		MaxContentRunes:    cfg.Chat.MaxContentRunes,
		MaxAttachmentBytes: cfg.Attachments.MaxBytes,
		Greeting:           cfg.Chat.Greeting,
	})

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Widget
		api.POST("/sessions", h.StartSession)
		s := api.Group("/sessions/:id")
		s.GET("", h.GetSession)
		s.GET("/messages", h.ListMessages)
		s.POST("/messages", h.PostMessage)
		s.POST("/attachments", h.PostAttachment)
		s.POST("/human", h.RequestHuman)
		s.POST("/ticket", h.VisitorTicket)
		s.POST("/close", h.VisitorClose)
		s.GET("/ws", h.SessionWS)

		// Async channels
		api.POST("/webhooks/inbound", h.Inbound)
	}

	op := api.Group("/operator", middleware.RequireOperator(), h.RegisterOperator())
	{
		op.GET("/sessions", h.ListSessions)
		sess := op.Group("/sessions/:id")
		sess.POST("/assign", h.AssignSession)
		sess.POST("/messages", h.PostOperatorMessage)
		sess.POST("/transfer", h.TransferSession)
		sess.POST("/close", h.CloseSession)
		sess.POST("/ticket", h.ConvertToTicket)
		sess.POST("/read", h.MarkRead)
		sess.PUT("/priority", h.SetPriority)
		sess.PUT("/tags", h.SetTags)

		sess.GET("/notes", h.ListNotes)
		sess.POST("/notes", h.AddNote)
		sess.PUT("/notes/:note_id", h.UpdateNote)
		sess.DELETE("/notes/:note_id", h.DeleteNote)

		op.GET("/operators", h.ListOperators)
		op.PUT("/availability", h.SetAvailability)
		op.POST("/heartbeat", h.Heartbeat)
		op.GET("/ws", h.OperatorWS)
		op.GET("/dashboard/ws", h.DashboardWS)
	}
}

// corsMiddleware returns the CORS posture: allow all when no origins are
// configured, otherwise echo allowlisted origins.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     corsAllowHeaders,
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", middleware.HeaderIdempotencyReplayed, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		base.AllowAllOrigins = true
		return []gin.HandlerFunc{
			// ACAO: * even without an Origin header (probes, curl).
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = origins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody caps request bodies with http.MaxBytesReader. Multipart uploads
// get uploadBytes, everything else maxBytes.
func limitBody(maxBytes, uploadBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := maxBytes
		if uploadBytes > limit && strings.HasPrefix(c.ContentType(), "multipart/") {
			limit = uploadBytes
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
