package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notice/internal/audio"
	"github.com/MarcoPoloResearchLab/notice/internal/auth"
	"github.com/MarcoPoloResearchLab/notice/internal/bookshelves"
	"github.com/MarcoPoloResearchLab/notice/internal/notes"
	"github.com/MarcoPoloResearchLab/notice/internal/notesession"
	"github.com/MarcoPoloResearchLab/notice/internal/pagination"
	"github.com/MarcoPoloResearchLab/notice/internal/transcription"
	"github.com/MarcoPoloResearchLab/notice/internal/transcripts"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const userIDContextKey = "notice_user_id"

const healthMessage = "Server is running"

var (
	errMissingSessionResolver = errors.New("session resolver dependency required")
	errMissingBookshelves     = errors.New("bookshelves service dependency required")
	errMissingNotesService    = errors.New("notes service dependency required")
	errMissingTranscripts     = errors.New("transcripts service dependency required")
	errMissingRecordings      = errors.New("recording store dependency required")
	errMissingNoteSessions    = errors.New("note session handler dependency required")
	errMissingTranscription   = errors.New("transcription handler dependency required")
)

// SessionResolver maps session tokens to user ids.
type SessionResolver interface {
	ResolveSessionToken(ctx context.Context, token string) (string, error)
}

type Dependencies struct {
	Sessions          SessionResolver
	SessionCookieName string
	Bookshelves       *bookshelves.Service
	Notes             *notes.Service
	Transcripts       *transcripts.Service
	Recordings        *audio.Store
	NoteSessions      *notesession.Handler
	Transcription     *transcription.Handler
	AllowedOrigins    []string
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessionResolver
	case deps.Bookshelves == nil:
		return nil, errMissingBookshelves
	case deps.Notes == nil:
		return nil, errMissingNotesService
	case deps.Transcripts == nil:
		return nil, errMissingTranscripts
	case deps.Recordings == nil:
		return nil, errMissingRecordings
	case deps.NoteSessions == nil:
		return nil, errMissingNoteSessions
	case deps.Transcription == nil:
		return nil, errMissingTranscription
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		sessions:          deps.Sessions,
		sessionCookieName: deps.SessionCookieName,
		bookshelves:       deps.Bookshelves,
		notesService:      deps.Notes,
		transcripts:       deps.Transcripts,
		recordings:        deps.Recordings,
		noteSessions:      deps.NoteSessions,
		transcription:     deps.Transcription,
		logger:            logger,
	}
	handler.upgrader = websocket.Upgrader{CheckOrigin: originChecker(deps.AllowedOrigins)}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/", handler.handleHealth)
	router.GET("/audio/*filename", handler.handleAudio)

	live := router.Group("/bookshelves/:bookshelf_id/notes/:note_id")
	live.GET("/ws", handler.handleNoteSession)
	live.GET("/transcription", handler.handleTranscription)

	protected := router.Group("/bookshelves")
	protected.Use(handler.authorizeRequest)
	protected.GET("", handler.handleListBookshelves)
	protected.POST("", handler.handleCreateBookshelf)
	protected.GET("/:bookshelf_id", handler.handleGetBookshelf)
	protected.PATCH("/:bookshelf_id", handler.handleUpdateBookshelf)
	protected.DELETE("/:bookshelf_id", handler.handleDeleteBookshelf)
	protected.GET("/:bookshelf_id/notes", handler.handleListNotes)
	protected.POST("/:bookshelf_id/notes", handler.handleCreateNote)
	protected.GET("/:bookshelf_id/notes/:note_id", handler.handleGetNote)
	protected.PATCH("/:bookshelf_id/notes/:note_id", handler.handleUpdateNote)
	protected.DELETE("/:bookshelf_id/notes/:note_id", handler.handleDeleteNote)
	protected.GET("/:bookshelf_id/notes/:note_id/transcripts", handler.handleListTranscripts)

	return router, nil
}

type httpHandler struct {
	sessions          SessionResolver
	sessionCookieName string
	bookshelves       *bookshelves.Service
	notesService      *notes.Service
	transcripts       *transcripts.Service
	recordings        *audio.Store
	noteSessions      *notesession.Handler
	transcription     *transcription.Handler
	upgrader          websocket.Upgrader
	logger            *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", auth.SessionHeaderName},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowsAnyOrigin(allowedOrigins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	if allowsAnyOrigin(allowedOrigins) {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func allowsAnyOrigin(allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": healthMessage})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := auth.TokenFromRequest(c.Request, h.sessionCookieName)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.sessions.ResolveSessionToken(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) paginationParams(c *gin.Context) (pagination.Params, bool) {
	var query pagination.Query
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pagination"})
		return pagination.Params{}, false
	}
	params, err := pagination.ParseQuery(query)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) || errors.Is(err, pagination.ErrCursorFieldMissing) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pagination"})
		}
		return pagination.Params{}, false
	}
	return params, true
}

type codedError interface {
	Code() string
}

// respondServiceError maps service errors onto HTTP responses. Foreign and missing records are both 404.
func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, bookshelves.ErrBookshelfNotFound),
		errors.Is(err, notes.ErrNoteNotFound),
		errors.Is(err, notes.ErrInvalidNoteID),
		errors.Is(err, notes.ErrInvalidBookshelfID):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, bookshelves.ErrInvalidTitle), errors.Is(err, notes.ErrInvalidTitle):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_title"})
	default:
		h.logger.Error(message, zap.Error(err))
		body := gin.H{"error": "internal_error"}
		var coded codedError
		if errors.As(err, &coded) {
			body["code"] = coded.Code()
		}
		c.JSON(http.StatusInternalServerError, body)
	}
}

func (h *httpHandler) handleAudio(c *gin.Context) {
	filename := strings.TrimPrefix(c.Param("filename"), "/")
	file, info, err := h.recordings.Open(filename)
	if err != nil {
		if !errors.Is(err, audio.ErrRecordingNotFound) {
			h.logger.Error("failed to open recording", zap.String("filename", filename), zap.Error(err))
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	defer file.Close()

	c.Header("Content-Type", "audio/mpeg")
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), file)
}
