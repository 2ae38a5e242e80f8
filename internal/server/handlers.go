package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/notice/internal/notes"
	"github.com/MarcoPoloResearchLab/notice/internal/outline"
	"github.com/MarcoPoloResearchLab/notice/internal/wsproto"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxTitleLength = 255

type titlePayload struct {
	Title string `json:"title"`
}

func (p titlePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Title, validation.Required, validation.RuneLength(1, maxTitleLength)),
	)
}

type dataResponse struct {
	Data interface{} `json:"data"`
}

type noteDetail struct {
	notes.Note
	Content outline.Node `json:"content"`
}

// bindTitle decodes and validates a {"title": ...} body, writing the 400 response itself on failure.
func bindTitle(c *gin.Context) (string, bool) {
	var payload titlePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", false
	}
	payload.Title = strings.TrimSpace(payload.Title)
	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_title", "details": err})
		return "", false
	}
	return payload.Title, true
}

func (h *httpHandler) handleListBookshelves(c *gin.Context) {
	params, ok := h.paginationParams(c)
	if !ok {
		return
	}
	page, err := h.bookshelves.List(c.Request.Context(), c.GetString(userIDContextKey), params)
	if err != nil {
		h.respondServiceError(c, "failed to list bookshelves", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleCreateBookshelf(c *gin.Context) {
	title, ok := bindTitle(c)
	if !ok {
		return
	}
	bookshelf, err := h.bookshelves.Create(c.Request.Context(), c.GetString(userIDContextKey), title)
	if err != nil {
		h.respondServiceError(c, "failed to create bookshelf", err)
		return
	}
	c.JSON(http.StatusCreated, dataResponse{Data: bookshelf})
}

func (h *httpHandler) handleGetBookshelf(c *gin.Context) {
	bookshelf, err := h.bookshelves.Get(c.Request.Context(), c.GetString(userIDContextKey), c.Param("bookshelf_id"))
	if err != nil {
		h.respondServiceError(c, "failed to load bookshelf", err)
		return
	}
	c.JSON(http.StatusOK, dataResponse{Data: bookshelf})
}

func (h *httpHandler) handleUpdateBookshelf(c *gin.Context) {
	title, ok := bindTitle(c)
	if !ok {
		return
	}
	bookshelf, err := h.bookshelves.UpdateTitle(c.Request.Context(), c.GetString(userIDContextKey), c.Param("bookshelf_id"), title)
	if err != nil {
		h.respondServiceError(c, "failed to update bookshelf", err)
		return
	}
	c.JSON(http.StatusOK, dataResponse{Data: bookshelf})
}

func (h *httpHandler) handleDeleteBookshelf(c *gin.Context) {
	if err := h.bookshelves.Delete(c.Request.Context(), c.GetString(userIDContextKey), c.Param("bookshelf_id")); err != nil {
		h.respondServiceError(c, "failed to delete bookshelf", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// requireBookshelf confirms the addressed bookshelf belongs to the caller.
func (h *httpHandler) requireBookshelf(c *gin.Context) (string, bool) {
	userID := c.GetString(userIDContextKey)
	if _, err := h.bookshelves.Get(c.Request.Context(), userID, c.Param("bookshelf_id")); err != nil {
		h.respondServiceError(c, "failed to load bookshelf", err)
		return "", false
	}
	return userID, true
}

func (h *httpHandler) noteRef(c *gin.Context) (notes.Ref, bool) {
	ref, err := notes.NewRef(c.GetString(userIDContextKey), c.Param("bookshelf_id"), c.Param("note_id"))
	if err != nil {
		h.respondServiceError(c, "invalid note reference", err)
		return notes.Ref{}, false
	}
	return ref, true
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	params, ok := h.paginationParams(c)
	if !ok {
		return
	}
	userID, ok := h.requireBookshelf(c)
	if !ok {
		return
	}
	page, err := h.notesService.List(c.Request.Context(), userID, c.Param("bookshelf_id"), params)
	if err != nil {
		h.respondServiceError(c, "failed to list notes", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	title, ok := bindTitle(c)
	if !ok {
		return
	}
	userID, ok := h.requireBookshelf(c)
	if !ok {
		return
	}
	note, err := h.notesService.Create(c.Request.Context(), userID, c.Param("bookshelf_id"), title)
	if err != nil {
		h.respondServiceError(c, "failed to create note", err)
		return
	}
	c.JSON(http.StatusCreated, dataResponse{Data: note})
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	ref, ok := h.noteRef(c)
	if !ok {
		return
	}
	note, err := h.notesService.Get(c.Request.Context(), ref)
	if err != nil {
		h.respondServiceError(c, "failed to load note", err)
		return
	}
	root, err := note.Root()
	if err != nil {
		h.logger.Error("failed to decode note content", zap.String("note_id", note.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, dataResponse{Data: noteDetail{Note: note, Content: root}})
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	title, ok := bindTitle(c)
	if !ok {
		return
	}
	ref, ok := h.noteRef(c)
	if !ok {
		return
	}
	note, err := h.notesService.UpdateTitle(c.Request.Context(), ref, title)
	if err != nil {
		h.respondServiceError(c, "failed to update note", err)
		return
	}
	c.JSON(http.StatusOK, dataResponse{Data: note})
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	ref, ok := h.noteRef(c)
	if !ok {
		return
	}
	if err := h.notesService.Delete(c.Request.Context(), ref); err != nil {
		h.respondServiceError(c, "failed to delete note", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListTranscripts(c *gin.Context) {
	ref, ok := h.noteRef(c)
	if !ok {
		return
	}
	if _, err := h.notesService.Get(c.Request.Context(), ref); err != nil {
		h.respondServiceError(c, "failed to load note", err)
		return
	}
	segments, err := h.transcripts.List(c.Request.Context(), ref.NoteID)
	if err != nil {
		h.respondServiceError(c, "failed to list transcripts", err)
		return
	}
	c.JSON(http.StatusOK, dataResponse{Data: segments})
}

func (h *httpHandler) handleNoteSession(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("note session upgrade failed", zap.Error(err))
		return
	}
	h.noteSessions.Serve(c.Request.Context(), wsproto.NewConn(conn, h.logger), c.Param("bookshelf_id"), c.Param("note_id"))
}

func (h *httpHandler) handleTranscription(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("transcription upgrade failed", zap.Error(err))
		return
	}
	h.transcription.Serve(c.Request.Context(), wsproto.NewConn(conn, h.logger), c.Param("bookshelf_id"), c.Param("note_id"))
}
