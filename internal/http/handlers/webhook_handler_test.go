package handlers

import (
	"net/http"
	"testing"

	"github.com/tbourn/go-support-backend/internal/domain"
)

func TestInbound_ReopensClosedSession(t *testing.T) {
	api := newTestAPI(t)
	s := api.start(t)
	api.call(t, http.MethodPost, "/sessions/"+s.ID+"/close", nil, nil)

	w := api.call(t, http.MethodPost, "/webhooks/inbound", InboundRequest{SessionID: s.ID, Content: "One more thing"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("inbound: %d %s", w.Code, w.Body)
	}
	var res PostMessageResponse
	decodeInto(t, w, &res)
	if res.Session.Status != domain.StatusActive || res.Session.ClosedAt != nil {
		t.Fatalf("not reopened: %+v", res.Session)
	}
	if len(res.Messages) != 1 || res.Messages[0].Type != domain.MessageUser {
		t.Fatalf("messages: %+v", res.Messages)
	}
	if api.ai.count() != 0 {
		t.Fatalf("async replies must not trigger the AI")
	}
}

func TestInbound_StartsSessionForNewSender(t *testing.T) {
	api := newTestAPI(t)

	w := api.call(t, http.MethodPost, "/webhooks/inbound", InboundRequest{
		Channel:      "email",
		VisitorEmail: "jane@example.com",
		Content:      "My invoice is wrong",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("inbound: %d %s", w.Code, w.Body)
	}
	var res PostMessageResponse
	decodeInto(t, w, &res)
	if res.Session.Channel != domain.ChannelEmail || res.Session.VisitorID != "jane@example.com" || res.Session.UnreadMessageCount != 1 {
		t.Fatalf("session: %+v", res.Session)
	}
}

func TestInbound_Rejections(t *testing.T) {
	api := newTestAPI(t)

	if w := api.call(t, http.MethodPost, "/webhooks/inbound", InboundRequest{Channel: "widget", VisitorID: "v1", Content: "hi"}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("widget channel: %d", w.Code)
	}
	if w := api.call(t, http.MethodPost, "/webhooks/inbound", InboundRequest{Channel: "whatsapp", Content: "hi"}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("no sender: %d", w.Code)
	}
	if w := api.call(t, http.MethodPost, "/webhooks/inbound", InboundRequest{SessionID: "nope", Content: "hi"}, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown session: %d", w.Code)
	}

	s := api.start(t)
	api.call(t, http.MethodPost, "/sessions/"+s.ID+"/ticket", nil, nil)
	w := api.call(t, http.MethodPost, "/webhooks/inbound", InboundRequest{SessionID: s.ID, Content: "hello?"}, nil)
	if w.Code != http.StatusConflict || errCode(t, w) != ErrCodeSessionClosed {
		t.Fatalf("ticket session: %d %s", w.Code, w.Body)
	}
}
