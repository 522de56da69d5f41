// Internal note handlers. Notes are visible to operators only and never
// reach the visitor channel.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListNotes godoc
// @ID          listNotes
// @Summary     List internal notes
// @Tags        Notes
// @Produce     json
// @Security    BearerAuth
// @Param       id   path  string  true  "Session ID"  format(uuid)
// @Success     200  {object}  handlers.ListNotesResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /operator/sessions/{id}/notes [get]
func (h *Handlers) ListNotes(c *gin.Context) {
	notes, err := h.notes.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		serviceError(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListNotesResponse{Notes: notes})
}

// AddNote godoc
// @ID          addNote
// @Summary     Add an internal note
// @Tags        Notes
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                true  "Session ID"  format(uuid)
// @Param       body  body  handlers.NoteRequest  true  "Note"
// @Success     201  {object}  domain.Note
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /operator/sessions/{id}/notes [post]
func (h *Handlers) AddNote(c *gin.Context) {
	var req NoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	n, err := h.notes.Add(c.Request.Context(), c.Param("id"), staff(c), sanitizeContent(req.Content))
	if err != nil {
		h.contentError(c, err, ErrCodeCreateFailed)
		return
	}
	ok(c, http.StatusCreated, n)
}

// UpdateNote godoc
// @ID          updateNote
// @Summary     Edit an internal note
// @Description Only the author may edit a note.
// @Tags        Notes
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id       path  string                true  "Session ID"  format(uuid)
// @Param       note_id  path  string                true  "Note ID"     format(uuid)
// @Param       body     body  handlers.NoteRequest  true  "Note"
// @Success     200  {object}  domain.Note
// @Failure     403  {object}  handlers.ErrorResponse  "Not the author"
// @Failure     404  {object}  handlers.ErrorResponse  "Note not found"
// @Router      /operator/sessions/{id}/notes/{note_id} [put]
func (h *Handlers) UpdateNote(c *gin.Context) {
	var req NoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	n, err := h.notes.Update(c.Request.Context(), c.Param("id"), c.Param("note_id"), staff(c), sanitizeContent(req.Content))
	if err != nil {
		h.contentError(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, n)
}

// DeleteNote godoc
// @ID          deleteNote
// @Summary     Delete an internal note
// @Description Only the author may delete a note.
// @Tags        Notes
// @Security    BearerAuth
// @Param       id       path  string  true  "Session ID"  format(uuid)
// @Param       note_id  path  string  true  "Note ID"     format(uuid)
// @Success     204  "No Content"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the author"
// @Failure     404  {object}  handlers.ErrorResponse  "Note not found"
// @Router      /operator/sessions/{id}/notes/{note_id} [delete]
func (h *Handlers) DeleteNote(c *gin.Context) {
	if err := h.notes.Delete(c.Request.Context(), c.Param("id"), c.Param("note_id"), staff(c)); err != nil {
		serviceError(c, err, ErrCodeUpdateFailed)
		return
	}
	noContent(c)
}
