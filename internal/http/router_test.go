package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-support-backend/internal/broadcast"
	"github.com/tbourn/go-support-backend/internal/collab"
	"github.com/tbourn/go-support-backend/internal/config"
	"github.com/tbourn/go-support-backend/internal/domain"
	"github.com/tbourn/go-support-backend/internal/http/handlers"
	"github.com/tbourn/go-support-backend/internal/http/middleware"
	"github.com/tbourn/go-support-backend/internal/knowledge"
	"github.com/tbourn/go-support-backend/internal/repo"
	"github.com/tbourn/go-support-backend/internal/services"
)

func init() { gin.SetMode(gin.TestMode) }

func testConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		RateRPS:        100,
		RateBurst:      50,
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
		IdempotencyTTL: time.Hour,
		Chat:           config.ChatConfig{MaxContentRunes: 500, AIThreshold: 0.2},
		Attachments:    config.AttachmentConfig{MaxBytes: 1 << 10},
	}
}

// newRouter wires the production route table on a temp-file SQLite database.
func newRouter(t *testing.T, cfg config.Config) *gin.Engine {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	hub := broadcast.NewHub(16)
	events := &broadcast.Fanout{P: hub}
	engine := services.NewEngine(db, 2*time.Second)
	kb := knowledge.FromEntries([][2]string{
		{"Reset password", "Use the forgot password link on the login page to reset your password."},
	})

	r := gin.New()
	RegisterRoutes(r, Deps{
		DB:  db,
		Hub: hub,
		Sessions: &services.SessionService{
			DB:              db,
			Engine:          engine,
			Matcher:         &services.Matcher{Registry: &services.GormRegistry{DB: db}},
			Events:          events,
			AI:              &collab.KnowledgeResponder{KB: kb, Threshold: cfg.Chat.AIThreshold},
			MaxContentRunes: cfg.Chat.MaxContentRunes,
		},
		Notes:     &services.NoteService{DB: db, Engine: engine, Events: events},
		Operators: &services.OperatorService{DB: db, Events: events},
	}, cfg)
	return r
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func jsonReq(method, path string, body any) *http.Request {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func TestRegisterRoutes_HealthMetricsFallbacks(t *testing.T) {
	r := newRouter(t, testConfig())

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-all CORS expected '*', got %q", got)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" || w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing hardening headers: %v", w.Header())
	}

	w = serve(r, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "support_http_requests_total") {
		t.Fatalf("GET /metrics: code=%d", w.Code)
	}

	w = serve(r, httptest.NewRequest(http.MethodGet, "/nope", nil))
	var er handlers.ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if w.Code != http.StatusNotFound || er.Code != handlers.ErrCodeNotFound || er.RequestID == "" {
		t.Fatalf("GET /nope: %d %s", w.Code, w.Body)
	}

	w = serve(r, httptest.NewRequest(http.MethodPost, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}

	if w := serve(r, httptest.NewRequest(http.MethodGet, "/swagger/index.html", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("swagger should be off by default, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSAllowlistEcho(t *testing.T) {
	cfg := testConfig()
	cfg.CORS.AllowedOrigins = []string{"http://widget.example.com"}
	r := newRouter(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://widget.example.com")
	w := serve(r, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://widget.example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
	req.Header.Set("Origin", "http://widget.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Idempotency-Key, X-Visitor-ID")
	w = serve(r, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight: %d", w.Code)
	}
	if allow := strings.ToLower(w.Header().Get("Access-Control-Allow-Headers")); !strings.Contains(allow, "idempotency-key") || !strings.Contains(allow, "x-visitor-id") {
		t.Fatalf("allow headers: %q", allow)
	}
}

func TestRegisterRoutes_SwaggerWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.SwaggerEnabled = true
	r := newRouter(t, cfg)
	if w := serve(r, httptest.NewRequest(http.MethodGet, "/swagger/index.html", nil)); w.Code != http.StatusOK {
		t.Fatalf("swagger ui: %d", w.Code)
	}
}

func TestRegisterRoutes_GzipSkipsWebsockets(t *testing.T) {
	r := newRouter(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	if w := serve(r, req); w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("health not compressed: %v", w.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/operator/dashboard/ws", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set(middleware.HeaderOperatorID, "op-1")
	if w := serve(r, req); w.Header().Get("Content-Encoding") == "gzip" {
		t.Fatalf("websocket path must not be compressed")
	}
}

func TestRegisterRoutes_SupportFlow(t *testing.T) {
	r := newRouter(t, testConfig())

	w := serve(r, jsonReq(http.MethodPost, "/api/v1/sessions", handlers.StartSessionRequest{VisitorName: "Jane"}))
	if w.Code != http.StatusCreated {
		t.Fatalf("start: %d %s", w.Code, w.Body)
	}
	var s domain.ChatSession
	_ = json.Unmarshal(w.Body.Bytes(), &s)

	post := func() *httptest.ResponseRecorder {
		req := jsonReq(http.MethodPost, "/api/v1/sessions/"+s.ID+"/messages", handlers.PostMessageRequest{Content: "how do I reset my password"})
		req.Header.Set(middleware.HeaderIdempotencyKey, "k-1")
		req.Header.Set(middleware.HeaderVisitorID, s.VisitorID)
		return serve(r, req)
	}
	first := post()
	if first.Code != http.StatusCreated {
		t.Fatalf("post: %d %s", first.Code, first.Body)
	}
	var pr handlers.PostMessageResponse
	_ = json.Unmarshal(first.Body.Bytes(), &pr)
	if len(pr.Messages) != 2 || pr.Messages[1].Type != domain.MessageAI || !strings.Contains(pr.Messages[1].Content, "forgot password") {
		t.Fatalf("ai reply: %+v", pr.Messages)
	}
	if again := post(); again.Header().Get(middleware.HeaderIdempotencyReplayed) != "true" {
		t.Fatalf("retry not replayed: %d %v", again.Code, again.Header())
	}

	if w := serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/operator/sessions", nil)); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous operator: %d", w.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/operator/sessions/"+s.ID+"/assign", nil)
	req.Header.Set(middleware.HeaderOperatorID, "op-1")
	if w := serve(r, req); w.Code != http.StatusOK {
		t.Fatalf("assign: %d %s", w.Code, w.Body)
	}
}

func TestRegisterRoutes_JWTOperators(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = "test-secret"
	r := newRouter(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/operator/operators", nil)
	req.Header.Set(middleware.HeaderOperatorID, "op-1")
	if w := serve(r, req); w.Code != http.StatusUnauthorized {
		t.Fatalf("header identity must be ignored with a secret: %d", w.Code)
	}

	tok, err := middleware.IssueOperatorToken([]byte(cfg.JWTSecret), "op-1", "Ada", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/operator/operators", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := serve(r, req)
	var list handlers.ListOperatorsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if w.Code != http.StatusOK || len(list.Operators) != 1 || list.Operators[0].Name != "Ada" {
		t.Fatalf("token operator: %d %s", w.Code, w.Body)
	}
}

func Test_limitBody(t *testing.T) {
	r := gin.New()
	r.Use(limitBody(10, 1000))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	if w := serve(r, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("0123456789AB"))); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("json over cap: %d", w.Code)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "a.txt")
	_, _ = fw.Write([]byte("0123456789AB"))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/echo", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if buf.Len() > 1000 {
		t.Fatalf("test body unexpectedly large: %d", buf.Len())
	}
	if w := serve(r, req); w.Code != http.StatusOK {
		t.Fatalf("multipart under upload cap: %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	r := gin.New()
	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		w := serve(r, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, w.Code, w.Body.String())
		}
	}
}
