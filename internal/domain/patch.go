package domain

import "time"

// SessionPatch is a set of changes to a session's aggregate fields. A zero
// patch changes nothing. Pointer fields are applied when non-nil; the
// Clear*/Set* flags cover the cases where nil is a meaningful new value.
type SessionPatch struct {
	Status *SessionStatus

	// SetOperator writes OperatorID (nil clears the assignment).
	SetOperator bool
	OperatorID  *string

	LastMessageAt *time.Time
	UnreadDelta   int
	ResetUnread   bool

	WaitingSince      *time.Time
	ClearWaitingSince bool
	AssignedAt        *time.Time

	ClosedAt      *time.Time
	ClosedBy      *string
	ClearClosedAt bool

	TicketRef *string
	Priority  *Priority

	SetTags bool
	Tags    []string
}

// Empty reports whether p would not change anything.
func (p SessionPatch) Empty() bool {
	return p.Status == nil && !p.SetOperator && p.LastMessageAt == nil &&
		p.UnreadDelta == 0 && !p.ResetUnread && p.WaitingSince == nil &&
		!p.ClearWaitingSince && p.AssignedAt == nil && p.ClosedAt == nil &&
		p.ClosedBy == nil && !p.ClearClosedAt && p.TicketRef == nil &&
		p.Priority == nil && !p.SetTags
}

// Merge returns p with every field set in o overriding p. Unread deltas add up.
func (p SessionPatch) Merge(o SessionPatch) SessionPatch {
	if o.Status != nil {
		p.Status = o.Status
	}
	if o.SetOperator {
		p.SetOperator, p.OperatorID = true, o.OperatorID
	}
	if o.LastMessageAt != nil {
		p.LastMessageAt = o.LastMessageAt
	}
	p.UnreadDelta += o.UnreadDelta
	if o.ResetUnread {
		p.ResetUnread, p.UnreadDelta = true, o.UnreadDelta
	}
	if o.WaitingSince != nil {
		p.WaitingSince, p.ClearWaitingSince = o.WaitingSince, false
	}
	if o.ClearWaitingSince {
		p.ClearWaitingSince, p.WaitingSince = true, nil
	}
	if o.AssignedAt != nil {
		p.AssignedAt = o.AssignedAt
	}
	if o.ClosedAt != nil {
		p.ClosedAt, p.ClearClosedAt = o.ClosedAt, false
	}
	if o.ClosedBy != nil {
		p.ClosedBy = o.ClosedBy
	}
	if o.ClearClosedAt {
		p.ClearClosedAt, p.ClosedAt = true, nil
	}
	if o.TicketRef != nil {
		p.TicketRef = o.TicketRef
	}
	if o.Priority != nil {
		p.Priority = o.Priority
	}
	if o.SetTags {
		p.SetTags, p.Tags = true, o.Tags
	}
	return p
}

// Apply mutates s in place and returns the changed columns with their new
// values, ready for a GORM Updates call.
func (p SessionPatch) Apply(s *ChatSession) map[string]any {
	cols := make(map[string]any)
	if p.Status != nil {
		s.Status = *p.Status
		cols["status"] = s.Status
	}
	if p.SetOperator {
		s.OperatorID = copyString(p.OperatorID)
		cols["operator_id"] = s.OperatorID
	}
	if p.LastMessageAt != nil {
		t := *p.LastMessageAt
		s.LastMessageAt = &t
		cols["last_message_at"] = t
	}
	if p.ResetUnread || p.UnreadDelta != 0 {
		if p.ResetUnread {
			s.UnreadMessageCount = 0
		}
		s.UnreadMessageCount += p.UnreadDelta
		if s.UnreadMessageCount < 0 {
			s.UnreadMessageCount = 0
		}
		cols["unread_message_count"] = s.UnreadMessageCount
	}
	switch {
	case p.ClearWaitingSince:
		s.WaitingSince = nil
		cols["waiting_since"] = nil
	case p.WaitingSince != nil:
		t := *p.WaitingSince
		s.WaitingSince = &t
		cols["waiting_since"] = t
	}
	if p.AssignedAt != nil {
		t := *p.AssignedAt
		s.AssignedAt = &t
		cols["assigned_at"] = t
	}
	switch {
	case p.ClearClosedAt:
		s.ClosedAt = nil
		s.ClosedBy = ""
		cols["closed_at"] = nil
		cols["closed_by"] = ""
	case p.ClosedAt != nil:
		t := *p.ClosedAt
		s.ClosedAt = &t
		cols["closed_at"] = t
	}
	if p.ClosedBy != nil && !p.ClearClosedAt {
		s.ClosedBy = *p.ClosedBy
		cols["closed_by"] = s.ClosedBy
	}
	if p.TicketRef != nil {
		s.TicketRef = *p.TicketRef
		cols["ticket_ref"] = s.TicketRef
	}
	if p.Priority != nil {
		s.Priority = *p.Priority
		cols["priority"] = s.Priority
	}
	if p.SetTags {
		tags := append([]string{}, p.Tags...)
		s.Tags = tags
		cols["tags"] = s.Tags
	}
	return cols
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
