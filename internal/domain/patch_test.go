package domain

import (
	"testing"
	"time"
)

func TestSessionPatch_ApplyAndColumns(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s := &ChatSession{Status: StatusActive, UnreadMessageCount: 2}

	p := SessionPatch{
		Status:        Ptr(StatusWithOperator),
		SetOperator:   true,
		OperatorID:    Ptr("op1"),
		LastMessageAt: &now,
		UnreadDelta:   1,
		AssignedAt:    &now,
	}
	cols := p.Apply(s)
	if s.Status != StatusWithOperator || !s.AssignedTo("op1") || s.UnreadMessageCount != 3 {
		t.Fatalf("unexpected session after apply: %#v", s)
	}
	for _, c := range []string{"status", "operator_id", "last_message_at", "unread_message_count", "assigned_at"} {
		if _, ok := cols[c]; !ok {
			t.Fatalf("missing column %q in %v", c, cols)
		}
	}
	if _, ok := cols["priority"]; ok {
		t.Fatalf("untouched column should not be written")
	}

	unassign := SessionPatch{SetOperator: true, ResetUnread: true, ClearClosedAt: true}
	cols = unassign.Apply(s)
	if s.HasOperator() || s.UnreadMessageCount != 0 {
		t.Fatalf("clear patch not applied: %#v", s)
	}
	if v, ok := cols["operator_id"]; !ok || v.(*string) != nil {
		t.Fatalf("operator_id should be written as NULL, got %#v", v)
	}
}

func TestSessionPatch_EmptyAndMerge(t *testing.T) {
	if !(SessionPatch{}).Empty() {
		t.Fatalf("zero patch must be empty")
	}
	now := time.Now()
	a := SessionPatch{UnreadDelta: 1, LastMessageAt: &now}
	b := SessionPatch{UnreadDelta: 1, Priority: Ptr(PriorityHigh)}
	m := a.Merge(b)
	if m.UnreadDelta != 2 || m.Priority == nil || m.LastMessageAt == nil {
		t.Fatalf("merge mismatch: %#v", m)
	}
	r := m.Merge(SessionPatch{ResetUnread: true})
	if !r.ResetUnread || r.UnreadDelta != 0 {
		t.Fatalf("reset should drop accumulated delta: %#v", r)
	}
	s := &ChatSession{UnreadMessageCount: 5}
	r.Apply(s)
	if s.UnreadMessageCount != 0 {
		t.Fatalf("unread = %d; want 0", s.UnreadMessageCount)
	}
}
