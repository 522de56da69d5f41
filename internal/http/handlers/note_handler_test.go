package handlers

import (
	"net/http"
	"testing"

	"github.com/tbourn/go-support-backend/internal/domain"
)

func TestNotes_Lifecycle(t *testing.T) {
	api := newTestAPI(t)
	s := api.start(t)
	base := "/operator/sessions/" + s.ID + "/notes"

	w := api.call(t, http.MethodPost, base, NoteRequest{Content: "  Customer is on the legacy plan. "}, asOp("op-1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("add: %d %s", w.Code, w.Body)
	}
	var n domain.Note
	decodeInto(t, w, &n)
	if n.Content != "Customer is on the legacy plan." || n.OperatorID != "op-1" || n.OperatorName != "Agent op-1" {
		t.Fatalf("note: %+v", n)
	}

	var list ListNotesResponse
	decodeInto(t, api.call(t, http.MethodGet, base, nil, asOp("op-2")), &list)
	if len(list.Notes) != 1 || list.Notes[0].ID != n.ID {
		t.Fatalf("list: %+v", list)
	}

	if w := api.call(t, http.MethodPut, base+"/"+n.ID, NoteRequest{Content: "mine now"}, asOp("op-2")); w.Code != http.StatusForbidden {
		t.Fatalf("foreign update: %d", w.Code)
	}
	if w := api.call(t, http.MethodDelete, base+"/"+n.ID, nil, asOp("op-2")); w.Code != http.StatusForbidden {
		t.Fatalf("foreign delete: %d", w.Code)
	}

	w = api.call(t, http.MethodPut, base+"/"+n.ID, NoteRequest{Content: "Upgraded to pro."}, asOp("op-1"))
	var upd domain.Note
	decodeInto(t, w, &upd)
	if w.Code != http.StatusOK || upd.Content != "Upgraded to pro." || upd.ID != n.ID {
		t.Fatalf("update: %d %+v", w.Code, upd)
	}

	if w := api.call(t, http.MethodDelete, base+"/"+n.ID, nil, asOp("op-1")); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", w.Code, w.Body)
	}
	if w := api.call(t, http.MethodDelete, base+"/"+n.ID, nil, asOp("op-1")); w.Code != http.StatusNotFound {
		t.Fatalf("delete twice: %d", w.Code)
	}
	decodeInto(t, api.call(t, http.MethodGet, base, nil, asOp("op-1")), &list)
	if len(list.Notes) != 0 {
		t.Fatalf("notes after delete: %+v", list.Notes)
	}
}

func TestNotes_Rejections(t *testing.T) {
	api := newTestAPI(t)
	s := api.start(t)

	if w := api.call(t, http.MethodPost, "/operator/sessions/"+s.ID+"/notes", NoteRequest{Content: "   "}, asOp("op-1")); w.Code != http.StatusBadRequest {
		t.Fatalf("blank note: %d", w.Code)
	}
	if w := api.call(t, http.MethodPost, "/operator/sessions/nope/notes", NoteRequest{Content: "x"}, asOp("op-1")); w.Code != http.StatusNotFound {
		t.Fatalf("missing session: %d", w.Code)
	}
	if w := api.call(t, http.MethodGet, "/operator/sessions/nope/notes", nil, asOp("op-1")); w.Code != http.StatusNotFound {
		t.Fatalf("list missing session: %d", w.Code)
	}
}

func TestNotes_NeverReachVisitorTranscript(t *testing.T) {
	api := newTestAPI(t)
	s := api.start(t)
	api.call(t, http.MethodPost, "/operator/sessions/"+s.ID+"/notes", NoteRequest{Content: "internal"}, asOp("op-1"))

	var got ListMessagesResponse
	decodeInto(t, api.call(t, http.MethodGet, "/sessions/"+s.ID+"/messages", nil, nil), &got)
	if len(got.Messages) != 0 {
		t.Fatalf("note leaked into transcript: %+v", got.Messages)
	}
}
