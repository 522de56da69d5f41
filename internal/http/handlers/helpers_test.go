package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-support-backend/internal/broadcast"
	"github.com/tbourn/go-support-backend/internal/collab"
	"github.com/tbourn/go-support-backend/internal/domain"
	"github.com/tbourn/go-support-backend/internal/http/middleware"
	"github.com/tbourn/go-support-backend/internal/repo"
	"github.com/tbourn/go-support-backend/internal/services"
)

func init() { gin.SetMode(gin.TestMode) }

// ---------- fakes ----------

type stubAI struct {
	mu    sync.Mutex
	calls int
}

func (a *stubAI) GenerateReply(ctx context.Context, text string, history []domain.Message) (collab.Reply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return collab.Reply{Text: "Try resetting it from the login page.", Confidence: 0.9}, nil
}

func (a *stubAI) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type memStore struct{}

func (memStore) Store(ctx context.Context, data []byte, name string) (domain.Attachment, error) {
	if len(data) == 0 {
		return domain.Attachment{}, collab.ErrEmptyAttachment
	}
	return domain.Attachment{URL: "/files/" + name, Name: name, Mime: "text/plain", Size: int64(len(data))}, nil
}

// ---------- harness ----------

type testAPI struct {
	db       *gorm.DB
	hub      *broadcast.Hub
	ai       *stubAI
	sessions *services.SessionService
	router   *gin.Engine
}

type apiOption func(*services.SessionService, *Options)

func withoutAttachments() apiOption {
	return func(s *services.SessionService, _ *Options) { s.Attachments = nil }
}

func withGreeting(g string) apiOption {
	return func(_ *services.SessionService, o *Options) { o.Greeting = g }
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
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
	return db
}

// newTestAPI wires real services on a fresh SQLite file and mounts the
// routes the way the production router does, minus transport hardening.
func newTestAPI(t *testing.T, opts ...apiOption) *testAPI {
	t.Helper()
	db := newTestDB(t)
	hub := broadcast.NewHub(32)
	events := &broadcast.Fanout{P: hub}
	engine := services.NewEngine(db, 2*time.Second)
	ai := &stubAI{}

	sessions := &services.SessionService{
		DB:              db,
		Engine:          engine,
		Matcher:         &services.Matcher{Registry: &services.GormRegistry{DB: db}},
		Events:          events,
		AI:              ai,
		Attachments:     memStore{},
		MaxContentRunes: 200,
	}
	hopts := Options{DB: db, Hub: hub, MaxContentRunes: 200, MaxAttachmentBytes: 64}
	for _, o := range opts {
		o(sessions, &hopts)
	}
	h := New(sessions,
		&services.NoteService{DB: db, Engine: engine, Events: events},
		&services.OperatorService{DB: db, Events: events},
		hopts,
	)

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Authenticate(middleware.AuthOptions{}),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, IdempotencyLookup(db)))

	r.POST("/sessions", h.StartSession)
	s := r.Group("/sessions/:id")
	s.GET("", h.GetSession)
	s.GET("/messages", h.ListMessages)
	s.POST("/messages", h.PostMessage)
	s.POST("/attachments", h.PostAttachment)
	s.POST("/human", h.RequestHuman)
	s.POST("/ticket", h.VisitorTicket)
	s.POST("/close", h.VisitorClose)
	s.GET("/ws", h.SessionWS)
	r.POST("/webhooks/inbound", h.Inbound)

	op := r.Group("/operator", middleware.RequireOperator(), h.RegisterOperator())
	op.GET("/sessions", h.ListSessions)
	opSess := op.Group("/sessions/:id")
	opSess.POST("/assign", h.AssignSession)
	opSess.POST("/messages", h.PostOperatorMessage)
	opSess.POST("/transfer", h.TransferSession)
	opSess.POST("/close", h.CloseSession)
	opSess.POST("/ticket", h.ConvertToTicket)
	opSess.POST("/read", h.MarkRead)
	opSess.PUT("/priority", h.SetPriority)
	opSess.PUT("/tags", h.SetTags)
	opSess.GET("/notes", h.ListNotes)
	opSess.POST("/notes", h.AddNote)
	opSess.PUT("/notes/:note_id", h.UpdateNote)
	opSess.DELETE("/notes/:note_id", h.DeleteNote)
	op.GET("/operators", h.ListOperators)
	op.PUT("/availability", h.SetAvailability)
	op.POST("/heartbeat", h.Heartbeat)
	op.GET("/ws", h.OperatorWS)
	op.GET("/dashboard/ws", h.DashboardWS)

	return &testAPI{db: db, hub: hub, ai: ai, sessions: sessions, router: r}
}

// call performs a request; body is JSON-encoded unless it is an io.Reader.
func (a *testAPI) call(t *testing.T, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case io.Reader:
		rd = b
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	if rd != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) start(t *testing.T) *domain.ChatSession {
	t.Helper()
	w := a.call(t, http.MethodPost, "/sessions", StartSessionRequest{VisitorName: "Jane"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("start: %d %s", w.Code, w.Body)
	}
	var s domain.ChatSession
	decodeInto(t, w, &s)
	return &s
}

// online registers an operator and marks them available.
func (a *testAPI) online(t *testing.T, id string) {
	t.Helper()
	w := a.call(t, http.MethodPut, "/operator/availability", gin.H{"available": true}, asOp(id))
	if w.Code != http.StatusOK {
		t.Fatalf("availability %s: %d %s", id, w.Code, w.Body)
	}
}

func asOp(id string) map[string]string {
	return map[string]string{middleware.HeaderOperatorID: id, middleware.HeaderOperatorName: "Agent " + id}
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var er ErrorResponse
	decodeInto(t, w, &er)
	return er.Code
}
