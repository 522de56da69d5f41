package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gorm.io/gorm"

	"github.com/tbourn/go-support-backend/internal/domain"
	"github.com/tbourn/go-support-backend/internal/repo"
)

func TestEngine_ConcurrentAppendsSerialize(t *testing.T) {
	for name, build := range map[string]func(db *gorm.DB) *Engine{
		"constructor": func(db *gorm.DB) *Engine { return NewEngine(db, 5*time.Second) },
		"zero value":  func(db *gorm.DB) *Engine { return &Engine{DB: db} },
	} {
		t.Run(name, func(t *testing.T) {
			db := newSvcDB(t)
			seedSession(t, db, "s1", domain.StatusActive, "")
			testConcurrentAppends(t, db, build(db))
		})
	}
}

func testConcurrentAppends(t *testing.T, db *gorm.DB, e *Engine) {
	t.Helper()

	const writers = 12
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.AppendMessages(context.Background(), "s1", []domain.MessageBody{
				domain.UserBody{Content: fmt.Sprintf("w%02d-a", i)},
				domain.UserBody{Content: fmt.Sprintf("w%02d-b", i)},
			}, domain.SessionPatch{UnreadDelta: 1})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs := allMessages(t, db, "s1")
	if len(msgs) != 2*writers {
		t.Fatalf("got %d messages; want %d", len(msgs), 2*writers)
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("message %d has seq %d; want %d", i, m.Seq, i+1)
		}
		if i > 0 && m.CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("created_at went backwards at seq %d", m.Seq)
		}
	}
	// No interleaving: the two messages of each call are adjacent.
	for i := 0; i < len(msgs); i += 2 {
		a, b := msgs[i].Content, msgs[i+1].Content
		if !strings.HasSuffix(a, "-a") || b != strings.TrimSuffix(a, "-a")+"-b" {
			t.Fatalf("calls interleaved: %q then %q", a, b)
		}
	}

	s := reload(t, db, "s1")
	if s.UnreadMessageCount != writers {
		t.Fatalf("unread = %d; want %d", s.UnreadMessageCount, writers)
	}
	if s.MessageSeq != 2*writers {
		t.Fatalf("message_seq = %d; want %d", s.MessageSeq, 2*writers)
	}
	if s.LastMessageAt == nil {
		t.Fatalf("last_message_at not set")
	}
}

func TestEngine_SessionNotFound(t *testing.T) {
	db := newSvcDB(t)
	e := NewEngine(db, time.Second)

	for _, id := range []string{"missing", "", "  "} {
		_, err := e.AppendMessages(context.Background(), id, []domain.MessageBody{domain.UserBody{Content: "hi"}}, domain.SessionPatch{})
		if !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("id %q: err = %v; want ErrSessionNotFound", id, err)
		}
	}
	if _, _, err := e.AddNote(context.Background(), "missing", domain.Note{Content: "x", OperatorID: "a"}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("AddNote err = %v; want ErrSessionNotFound", err)
	}
	if _, err := e.DeleteNote(context.Background(), "missing", "n1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("DeleteNote err = %v; want ErrSessionNotFound", err)
	}
}

func TestEngine_InvalidBodyRollsBackEverything(t *testing.T) {
	db := newSvcDB(t)
	seedSession(t, db, "s1", domain.StatusActive, "")
	e := NewEngine(db, time.Second)

	_, err := e.AppendMessages(context.Background(), "s1", []domain.MessageBody{
		domain.UserBody{Content: "fine"},
		domain.AIBody{Content: "bad", Confidence: 1.5},
	}, domain.SessionPatch{UnreadDelta: 1})
	if !errors.Is(err, domain.ErrBadConfidence) {
		t.Fatalf("err = %v; want ErrBadConfidence", err)
	}

	if n := len(allMessages(t, db, "s1")); n != 0 {
		t.Fatalf("%d messages leaked from a failed call", n)
	}
	s := reload(t, db, "s1")
	if s.UnreadMessageCount != 0 || s.MessageSeq != 0 || s.Version != 0 {
		t.Fatalf("session changed by failed call: %+v", s)
	}
}

func TestEngine_MutateErrorRollsBack(t *testing.T) {
	db := newSvcDB(t)
	seedSession(t, db, "s1", domain.StatusActive, "")
	e := NewEngine(db, time.Second)

	boom := errors.New("boom")
	_, err := e.Mutate(context.Background(), "s1", func(*domain.ChatSession) (Change, error) {
		return Change{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v; want boom", err)
	}
	if v := reload(t, db, "s1").Version; v != 0 {
		t.Fatalf("version = %d after rollback; want 0", v)
	}
}

func TestEngine_RoundTrip(t *testing.T) {
	db := newSvcDB(t)
	seedSession(t, db, "s1", domain.StatusWithOperator, "op1")
	e := NewEngine(db, time.Second)
	ctx := context.Background()

	if _, err := e.AppendMessages(ctx, "s1", []domain.MessageBody{domain.SystemBody{Content: "Op joined."}}, domain.SessionPatch{}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	body := domain.OperatorBody{Content: "How can I help?", OperatorID: "op1", OperatorName: "Ann"}
	res, err := e.AppendMessages(ctx, "s1", []domain.MessageBody{body}, domain.SessionPatch{ResetUnread: true})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs := allMessages(t, db, "s1")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages; want 2", len(msgs))
	}
	got := msgs[1]
	if got.ID != res.Messages[0].ID || got.Type != domain.MessageOperator {
		t.Fatalf("unexpected row: %+v", got)
	}
	if diff := cmp.Diff(domain.MessageBody(body), got.Body()); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
	if got.CreatedAt.Before(msgs[0].CreatedAt) || got.Seq <= msgs[0].Seq {
		t.Fatalf("message ordered before its predecessor")
	}
}

func TestEngine_CreatedAtNeverGoesBackwards(t *testing.T) {
	db := newSvcDB(t)
	seedSession(t, db, "s1", domain.StatusActive, "")
	e := NewEngine(db, time.Second)
	ctx := context.Background()

	later := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return later }
	if _, err := e.AppendMessages(ctx, "s1", []domain.MessageBody{domain.UserBody{Content: "first"}}, domain.SessionPatch{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Clock steps back.
	e.Now = func() time.Time { return later.Add(-time.Hour) }
	res, err := e.AppendMessages(ctx, "s1", []domain.MessageBody{domain.UserBody{Content: "second"}}, domain.SessionPatch{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !res.Messages[0].CreatedAt.Equal(later) {
		t.Fatalf("created_at = %v; want clamped to %v", res.Messages[0].CreatedAt, later)
	}
}

func TestEngine_LockTimeout(t *testing.T) {
	db := newSvcDB(t)
	seedSession(t, db, "s1", domain.StatusActive, "")
	e := NewEngine(db, 50*time.Millisecond)

	release, err := e.sessionLocks().acquire(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	start := time.Now()
	_, err = e.AppendMessages(context.Background(), "s1", []domain.MessageBody{domain.UserBody{Content: "hi"}}, domain.SessionPatch{})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v; want ErrLockTimeout", err)
	}
	if waited := time.Since(start); waited > 2*time.Second {
		t.Fatalf("waited %v; the wait must be bounded", waited)
	}

	// Other sessions are unaffected.
	seedSession(t, db, "s2", domain.StatusActive, "")
	if _, err := e.AppendMessages(context.Background(), "s2", []domain.MessageBody{domain.UserBody{Content: "hi"}}, domain.SessionPatch{}); err != nil {
		t.Fatalf("other session blocked: %v", err)
	}
}

func TestEngine_ConcurrentNotesAllSurvive(t *testing.T) {
	db := newSvcDB(t)
	seedSession(t, db, "s1", domain.StatusWithOperator, "a")
	e := NewEngine(db, 5*time.Second)

	var wg sync.WaitGroup
	for _, op := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(op string) {
			defer wg.Done()
			if _, _, err := e.AddNote(context.Background(), "s1", domain.Note{Content: "note by " + op, OperatorID: op}); err != nil {
				t.Errorf("AddNote(%s): %v", op, err)
			}
		}(op)
	}
	wg.Wait()

	notes, err := repo.ListNotes(context.Background(), db, "s1")
	if err != nil {
		t.Fatalf("list notes: %v", err)
	}
	if len(notes) != 4 {
		t.Fatalf("got %d notes; want 4", len(notes))
	}
	if v := reload(t, db, "s1").Version; v != 4 {
		t.Fatalf("version = %d; want 4 (one per locked write)", v)
	}
}

func TestEngine_UpdateAndDeleteNote(t *testing.T) {
	db := newSvcDB(t)
	seedSession(t, db, "s1", domain.StatusWithOperator, "a")
	e := NewEngine(db, time.Second)
	ctx := context.Background()

	n, _, err := e.AddNote(ctx, "s1", domain.Note{Content: "v1", OperatorID: "a"})
	if err != nil {
		t.Fatalf("AddNote: %v", err)
	}
	up, _, err := e.UpdateNote(ctx, "s1", n.ID, "v2")
	if err != nil {
		t.Fatalf("UpdateNote: %v", err)
	}
	if up.Content != "v2" || up.ID != n.ID {
		t.Fatalf("unexpected note after update: %+v", up)
	}

	if _, _, err := e.UpdateNote(ctx, "s1", "nope", "x"); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("UpdateNote missing: err = %v; want ErrNoteNotFound", err)
	}
	if _, err := e.DeleteNote(ctx, "s1", "nope"); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("DeleteNote missing: err = %v; want ErrNoteNotFound", err)
	}
	notes, _ := repo.ListNotes(ctx, db, "s1")
	if len(notes) != 1 || notes[0].Content != "v2" {
		t.Fatalf("notes changed by failed delete: %+v", notes)
	}

	if _, err := e.DeleteNote(ctx, "s1", n.ID); err != nil {
		t.Fatalf("DeleteNote: %v", err)
	}
	notes, _ = repo.ListNotes(ctx, db, "s1")
	if len(notes) != 0 {
		t.Fatalf("note not deleted: %+v", notes)
	}
}
