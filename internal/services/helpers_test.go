package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-support-backend/internal/broadcast"
	"github.com/tbourn/go-support-backend/internal/collab"
	"github.com/tbourn/go-support-backend/internal/domain"
	"github.com/tbourn/go-support-backend/internal/repo"
)

// ---------- test helpers ----------

// newSvcDB opens a migrated, file-backed SQLite DB (WAL + busy timeout, so
// concurrent writers behave like production).
func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "svc.db"))
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

func seedSession(t *testing.T, db *gorm.DB, id string, st domain.SessionStatus, operatorID string) *domain.ChatSession {
	t.Helper()
	s := &domain.ChatSession{
		ID:        id,
		Status:    st,
		VisitorID: "v-" + id,
		Channel:   domain.ChannelWidget,
		Priority:  domain.PriorityNormal,
	}
	if operatorID != "" {
		s.OperatorID = domain.Ptr(operatorID)
	}
	if err := db.Create(s).Error; err != nil {
		t.Fatalf("seed session %s: %v", id, err)
	}
	return s
}

func seedOperator(t *testing.T, db *gorm.DB, id string, handled int64, available bool) {
	t.Helper()
	now := time.Now().UTC()
	op := &domain.Operator{ID: id, Name: "Op " + id, IsAvailable: available, TotalChatsHandled: handled, LastSeenAt: &now}
	if err := db.Create(op).Error; err != nil {
		t.Fatalf("seed operator %s: %v", id, err)
	}
}

func reload(t *testing.T, db *gorm.DB, id string) *domain.ChatSession {
	t.Helper()
	s, err := repo.GetSession(context.Background(), db, id)
	if err != nil {
		t.Fatalf("reload %s: %v", id, err)
	}
	return s
}

func allMessages(t *testing.T, db *gorm.DB, id string) []domain.Message {
	t.Helper()
	msgs, err := repo.ListMessagesAfter(context.Background(), db, id, 0, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return msgs
}

// recorder is a broadcast.Publisher that keeps every event per channel.
type recorder struct {
	mu        sync.Mutex
	byChannel map[string][]broadcast.Event
}

func (r *recorder) Publish(channel string, ev broadcast.Event) broadcast.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byChannel == nil {
		r.byChannel = map[string][]broadcast.Event{}
	}
	ev.Channel = channel
	r.byChannel[channel] = append(r.byChannel[channel], ev)
	return ev
}

func (r *recorder) types(channel string) []broadcast.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast.EventType
	for _, ev := range r.byChannel[channel] {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) has(channel string, t broadcast.EventType) bool {
	for _, got := range r.types(channel) {
		if got == t {
			return true
		}
	}
	return false
}

// stubAI returns a canned reply.
type stubAI struct {
	mu    sync.Mutex
	reply collab.Reply
	err   error
	calls int
}

func (a *stubAI) GenerateReply(ctx context.Context, text string, history []domain.Message) (collab.Reply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.reply, a.err
}

func (a *stubAI) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// stubNotifier records notifications.
type stubNotifier struct {
	mu        sync.Mutex
	operators []string
	users     []string
	err       error
}

func (n *stubNotifier) NotifyOperator(ctx context.Context, operatorID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.operators = append(n.operators, operatorID)
	return n.err
}

func (n *stubNotifier) NotifyUser(ctx context.Context, channel domain.Channel, address, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, string(channel)+":"+address)
	return n.err
}

// stubTickets records opened tickets.
type stubTickets struct {
	opened []collab.Ticket
	err    error
}

func (s *stubTickets) Open(ctx context.Context, t collab.Ticket) error {
	s.opened = append(s.opened, t)
	return s.err
}

// stubStore returns a fixed attachment.
type stubStore struct {
	err   error
	calls int
}

func (s *stubStore) Store(ctx context.Context, data []byte, name string) (domain.Attachment, error) {
	s.calls++
	if s.err != nil {
		return domain.Attachment{}, s.err
	}
	return domain.Attachment{URL: "/files/" + name, Name: name, Mime: "image/png", Size: int64(len(data))}, nil
}

// env wires the services against one DB.
type env struct {
	db       *gorm.DB
	rec      *recorder
	ai       *stubAI
	notifier *stubNotifier
	tickets  *stubTickets
	store    *stubStore
	sessions *SessionService
	notes    *NoteService
	ops      *OperatorService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := newSvcDB(t)
	e := &env{
		db:       db,
		rec:      &recorder{},
		ai:       &stubAI{reply: collab.Reply{Text: "Here is how.", Confidence: 0.8}},
		notifier: &stubNotifier{},
		tickets:  &stubTickets{},
		store:    &stubStore{},
	}
	events := &broadcast.Fanout{P: e.rec}
	engine := NewEngine(db, 2*time.Second)
	e.sessions = &SessionService{
		DB:          db,
		Engine:      engine,
		Matcher:     &Matcher{Registry: &GormRegistry{DB: db}},
		Events:      events,
		AI:          e.ai,
		Notifier:    e.notifier,
		Tickets:     e.tickets,
		Attachments: e.store,
	}
	e.notes = &NoteService{DB: db, Engine: engine, Events: events}
	e.ops = &OperatorService{DB: db, Events: events}
	return e
}
