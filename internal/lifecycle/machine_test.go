package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-support-backend/internal/domain"
)

var allStatuses = []domain.SessionStatus{
	domain.StatusActive, domain.StatusWaiting, domain.StatusWithOperator,
	domain.StatusClosed, domain.StatusTicketCreated,
}

func session(st domain.SessionStatus, op string) *domain.ChatSession {
	s := &domain.ChatSession{ID: "s1", Status: st}
	if op != "" {
		s.OperatorID = domain.Ptr(op)
	}
	return s
}

func TestApply_Edges(t *testing.T) {
	now := time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		from    domain.SessionStatus
		op      string
		trigger Trigger
		args    Args
		want    domain.SessionStatus
	}{
		{domain.StatusActive, "", RequestHuman, Args{}, domain.StatusWaiting},
		{domain.StatusWaiting, "", Assign, Args{OperatorID: "b"}, domain.StatusWithOperator},
		{domain.StatusActive, "", Assign, Args{OperatorID: "b"}, domain.StatusWithOperator},
		{domain.StatusWithOperator, "a", Transfer, Args{OperatorID: "b"}, domain.StatusWithOperator},
		{domain.StatusWithOperator, "a", Close, Args{ClosedBy: "a"}, domain.StatusClosed},
		{domain.StatusActive, "", Close, Args{ClosedBy: "user"}, domain.StatusClosed},
		{domain.StatusWaiting, "", Close, Args{ClosedBy: "user"}, domain.StatusClosed},
		{domain.StatusClosed, "", Reopen, Args{}, domain.StatusActive},
		{domain.StatusActive, "", ConvertTicket, Args{TicketRef: "T-1"}, domain.StatusTicketCreated},
		{domain.StatusWaiting, "", ConvertTicket, Args{TicketRef: "T-1"}, domain.StatusTicketCreated},
		{domain.StatusWithOperator, "a", ConvertTicket, Args{TicketRef: "T-1"}, domain.StatusTicketCreated},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"/"+string(tc.trigger), func(t *testing.T) {
			s := session(tc.from, tc.op)
			p, err := Apply(s, tc.trigger, tc.args, now)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			p.Apply(s)
			if s.Status != tc.want {
				t.Fatalf("status = %s; want %s", s.Status, tc.want)
			}
			// An operator is attached exactly while WITH_OPERATOR.
			if (s.Status == domain.StatusWithOperator) != s.HasOperator() {
				t.Fatalf("operator/status mismatch: %s operator=%v", s.Status, s.OperatorID)
			}
		})
	}
}

func TestApply_SideEffects(t *testing.T) {
	now := time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC)

	s := session(domain.StatusActive, "")
	p, _ := Apply(s, RequestHuman, Args{}, now)
	p.Apply(s)
	if s.WaitingSince == nil || !s.WaitingSince.Equal(now) {
		t.Fatalf("waiting_since not stamped: %v", s.WaitingSince)
	}

	p, _ = Apply(s, Assign, Args{OperatorID: "op1"}, now)
	p.Apply(s)
	if s.WaitingSince != nil || s.AssignedAt == nil || !s.AssignedTo("op1") {
		t.Fatalf("assign side effects wrong: %#v", s)
	}

	p, _ = Apply(s, Close, Args{ClosedBy: "op1"}, now)
	p.Apply(s)
	if s.ClosedAt == nil || s.ClosedBy != "op1" || s.HasOperator() {
		t.Fatalf("close side effects wrong: %#v", s)
	}

	p, _ = Apply(s, Reopen, Args{}, now)
	p.Apply(s)
	if s.ClosedAt != nil || s.ClosedBy != "" || s.Status != domain.StatusActive {
		t.Fatalf("reopen side effects wrong: %#v", s)
	}
}

func TestApply_CloseTwice(t *testing.T) {
	s := session(domain.StatusClosed, "")
	if _, err := Apply(s, Close, Args{ClosedBy: "op"}, time.Now()); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("err = %v; want ErrAlreadyClosed", err)
	}
	if s.Status != domain.StatusClosed {
		t.Fatalf("state changed on rejected close")
	}
}

func TestApply_RequestHumanWhileWaitingIsNoop(t *testing.T) {
	s := session(domain.StatusWaiting, "")
	p, err := Apply(s, RequestHuman, Args{}, time.Now())
	if err != nil || !p.Empty() {
		t.Fatalf("want empty patch, got %#v err=%v", p, err)
	}
}

func TestApply_IllegalEdges(t *testing.T) {
	triggers := []Trigger{RequestHuman, Assign, Transfer, Close, Reopen, ConvertTicket}
	args := Args{OperatorID: "other", ClosedBy: "x", TicketRef: "T"}
	for _, from := range allStatuses {
		for _, tr := range triggers {
			if Allowed(from, tr) {
				continue
			}
			_, err := Apply(session(from, "a"), tr, args, time.Now())
			if from == domain.StatusClosed && tr == Close {
				if !errors.Is(err, ErrAlreadyClosed) {
					t.Fatalf("%s/%s: err = %v", from, tr, err)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s/%s: err = %v; want ErrInvalidTransition", from, tr, err)
			}
		}
	}
}

func TestApply_TicketIsTerminal(t *testing.T) {
	for _, tr := range []Trigger{RequestHuman, Assign, Close, Reopen, ConvertTicket} {
		if Allowed(domain.StatusTicketCreated, tr) {
			t.Fatalf("%s must not leave TICKET_CREATED", tr)
		}
	}
}

func TestApply_ArgumentChecks(t *testing.T) {
	now := time.Now()
	if _, err := Apply(session(domain.StatusWaiting, ""), Assign, Args{}, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("assign without operator: %v", err)
	}
	if _, err := Apply(session(domain.StatusWithOperator, "a"), Transfer, Args{OperatorID: "a"}, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("transfer to same operator: %v", err)
	}
	if _, err := Apply(session(domain.StatusActive, ""), ConvertTicket, Args{}, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ticket without ref: %v", err)
	}
	if _, err := Apply(nil, Close, Args{}, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("nil session: %v", err)
	}
}
