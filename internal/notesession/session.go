// Package notesession runs the live editing session of a single note over a WebSocket.
package notesession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/notice/internal/generation"
	"github.com/MarcoPoloResearchLab/notice/internal/notes"
	"github.com/MarcoPoloResearchLab/notice/internal/outline"
	"github.com/MarcoPoloResearchLab/notice/internal/transcripts"
	"github.com/MarcoPoloResearchLab/notice/internal/wsproto"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
)

// Client commands.
const (
	TypeUpdate      = "update"
	TypeUpdateAll   = "update all"
	TypeUpdateTitle = "update title"
	TypeNoticeMe    = "notice me"
)

// Server messages.
const (
	TypeNote      = "note"
	TypeGenerated = "generated"
	TypeError     = "error"
)

const errorCodeInternal = "internal"

// NoteStore is the slice of the notes service a session edits through.
type NoteStore interface {
	GetWhole(ctx context.Context, ref notes.Ref) (outline.Node, error)
	ReplaceAt(ctx context.Context, ref notes.Ref, index int, node outline.Node) (bool, error)
	ReplaceWhole(ctx context.Context, ref notes.Ref, children []outline.Node) (outline.Node, error)
	UpdateTitle(ctx context.Context, ref notes.Ref, title string) (notes.Note, error)
}

// TranscriptSource supplies the recent transcript of a note.
type TranscriptSource interface {
	Recent(ctx context.Context, noteID string, limit int) ([]transcripts.Segment, error)
}

// HandlerConfig wires the collaborators of a note session.
type HandlerConfig struct {
	Sessions    wsproto.SessionResolver
	Notes       NoteStore
	Transcripts TranscriptSource
	Generator   generation.Generator
	IDs         outline.IDSource
	Logger      *zap.Logger
}

// Handler runs note sessions over established WebSocket connections.
type Handler struct {
	sessions    wsproto.SessionResolver
	notes       NoteStore
	transcripts TranscriptSource
	generator   generation.Generator
	ids         outline.IDSource
	renderer    *outline.Renderer
	logger      *zap.Logger
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, fmt.Errorf("notesession: session resolver required")
	case cfg.Notes == nil:
		return nil, fmt.Errorf("notesession: note store required")
	case cfg.Transcripts == nil:
		return nil, fmt.Errorf("notesession: transcript source required")
	case cfg.Generator == nil:
		return nil, fmt.Errorf("notesession: generator required")
	}
	ids := cfg.IDs
	if ids == nil {
		ids = notes.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions:    cfg.Sessions,
		notes:       cfg.Notes,
		transcripts: cfg.Transcripts,
		generator:   cfg.Generator,
		ids:         ids,
		renderer:    outline.NewRenderer(logger),
		logger:      logger,
	}, nil
}

type updatePayload struct {
	Index   int          `json:"index"`
	Content outline.Node `json:"content"`
}

func (p updatePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Index, validation.Min(0)),
		validation.Field(&p.Content),
	)
}

type updateAllPayload struct {
	Children []outline.Node `json:"children"`
}

type noticeMePayload struct {
	Index int `json:"index"`
}

func (p noticeMePayload) Validate() error {
	return validation.ValidateStruct(&p, validation.Field(&p.Index, validation.Min(0)))
}

type generatedPayload struct {
	Finished bool            `json:"finished"`
	Content  *outline.Update `json:"content,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Serve runs one session for the note addressed by bookshelfID and noteID and closes conn when done.
func (h *Handler) Serve(ctx context.Context, conn *wsproto.Conn, bookshelfID, noteID string) {
	logger := h.logger.With(zap.String("note_id", noteID))

	userID, err := conn.Authenticate(ctx, h.sessions)
	if err != nil {
		logger.Debug("note session rejected", zap.Error(err))
		return
	}
	logger = logger.With(zap.String("user_id", userID))

	ref, err := notes.NewRef(userID, bookshelfID, noteID)
	var root outline.Node
	if err == nil {
		root, err = h.notes.GetWhole(ctx, ref)
	}
	if err != nil {
		logger.Debug("note session lookup failed", zap.Error(err))
		conn.Close(wsproto.ClosePolicyViolation, "note not found")
		return
	}
	if err := conn.Send(TypeNote, root); err != nil {
		logger.Debug("note snapshot not delivered", zap.Error(err))
		conn.Close(wsproto.CloseNormal, "")
		return
	}

	s := &session{handler: h, conn: conn, ref: ref, logger: logger}
	code, reason := s.loop(ctx)
	conn.Close(code, reason)
}

type session struct {
	handler *Handler
	conn    *wsproto.Conn
	ref     notes.Ref
	logger  *zap.Logger
}

func (s *session) loop(ctx context.Context) (int, string) {
	for {
		envelope, err := s.conn.ReadEnvelope()
		if err == nil {
			err = s.dispatch(ctx, envelope)
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, wsproto.ErrProtocol):
			s.logger.Debug("note session protocol violation", zap.Error(err))
			return wsproto.CloseUnsupportedData, "unsupported message"
		case wsproto.IsPeerClose(err):
			return wsproto.CloseNormal, ""
		default:
			s.logger.Debug("note session transport failed", zap.Error(err))
			return wsproto.CloseNormal, ""
		}
	}
}

// dispatch handles one command. Store failures are reported to the client; only protocol and transport errors are returned.
func (s *session) dispatch(ctx context.Context, envelope wsproto.Envelope) error {
	switch envelope.Type {
	case TypeUpdate:
		var payload updatePayload
		if err := decodeValid(envelope, &payload); err != nil {
			return err
		}
		applied, err := s.handler.notes.ReplaceAt(ctx, s.ref, payload.Index, payload.Content)
		if err != nil {
			return s.reportFailure("content update failed", err)
		}
		if !applied {
			s.logger.Debug("update ignored for missing position", zap.Int("index", payload.Index))
		}
		return nil

	case TypeUpdateAll:
		children, err := decodeChildren(envelope)
		if err != nil {
			return err
		}
		if _, err := s.handler.notes.ReplaceWhole(ctx, s.ref, children); err != nil {
			return s.reportFailure("content replace failed", err)
		}
		return nil

	case TypeUpdateTitle:
		title, err := decodeTitle(envelope)
		if err != nil {
			return err
		}
		if _, err := s.handler.notes.UpdateTitle(ctx, s.ref, title); err != nil {
			return s.reportFailure("title update failed", err)
		}
		return nil

	case TypeNoticeMe:
		payload, err := decodeNoticeMe(envelope)
		if err != nil {
			return err
		}
		return s.noticeMe(ctx, payload.Index)

	default:
		return fmt.Errorf("%w: unknown message type %q", wsproto.ErrProtocol, envelope.Type)
	}
}

// noticeMe streams a generated outline continuation starting at index.
// The terminal finished message is sent whether or not generation succeeds.
func (s *session) noticeMe(ctx context.Context, index int) error {
	if err := s.generate(ctx, index); err != nil {
		if isTransportError(err) {
			return err
		}
		s.logger.Warn("note generation failed", zap.Int("index", index), zap.Error(err))
	}
	return s.conn.Send(TypeGenerated, generatedPayload{Finished: true})
}

func (s *session) generate(ctx context.Context, index int) error {
	segments, err := s.handler.transcripts.Recent(ctx, s.ref.NoteID, transcripts.HistoryLines)
	if err != nil {
		return err
	}
	root, err := s.handler.notes.GetWhole(ctx, s.ref)
	if err != nil {
		return err
	}
	noteText := s.handler.renderer.Render(root, 0)

	source, err := s.handler.generator.Generate(ctx, transcripts.Lines(segments), noteText)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			s.logger.Debug("generation source close failed", zap.Error(err))
		}
	}()

	parser := outline.NewLineParser(s.handler.ids, index)
	return parser.Stream(ctx, source, func(update outline.Update) error {
		if err := s.conn.Send(TypeGenerated, generatedPayload{Content: &update}); err != nil {
			return transportError{err}
		}
		return nil
	})
}

func (s *session) reportFailure(message string, err error) error {
	code := errorCodeInternal
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		code = coded.Code()
	}
	s.logger.Warn(message, zap.String("code", code), zap.Error(err))
	return s.conn.Send(TypeError, errorPayload{Code: code, Message: message})
}

type transportError struct {
	err error
}

func (e transportError) Error() string { return e.err.Error() }
func (e transportError) Unwrap() error { return e.err }

func isTransportError(err error) bool {
	var target transportError
	return errors.As(err, &target)
}

type validatable interface {
	Validate() error
}

func decodeValid(envelope wsproto.Envelope, target validatable) error {
	if err := envelope.Decode(target); err != nil {
		return err
	}
	if err := target.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", wsproto.ErrProtocol, envelope.Type, err)
	}
	return nil
}

// decodeChildren accepts either a bare array of nodes or {"children": [...]}.
func decodeChildren(envelope wsproto.Envelope) ([]outline.Node, error) {
	var children []outline.Node
	if isJSONArray(envelope.Payload) {
		if err := envelope.Decode(&children); err != nil {
			return nil, err
		}
	} else {
		var payload updateAllPayload
		if err := envelope.Decode(&payload); err != nil {
			return nil, err
		}
		children = payload.Children
	}
	if children == nil {
		return nil, fmt.Errorf("%w: %s without children", wsproto.ErrProtocol, envelope.Type)
	}
	return children, nil
}

// decodeTitle accepts either a bare string or {"title": "..."}.
func decodeTitle(envelope wsproto.Envelope) (string, error) {
	if !envelope.HasPayload() {
		return "", fmt.Errorf("%w: %s without payload", wsproto.ErrProtocol, envelope.Type)
	}
	var title string
	if err := json.Unmarshal(envelope.Payload, &title); err == nil {
		return title, nil
	}
	var payload struct {
		Title *string `json:"title"`
	}
	if err := envelope.Decode(&payload); err != nil {
		return "", err
	}
	if payload.Title == nil {
		return "", fmt.Errorf("%w: %s without title", wsproto.ErrProtocol, envelope.Type)
	}
	return *payload.Title, nil
}

// decodeNoticeMe accepts either a bare index or {"index": n}.
func decodeNoticeMe(envelope wsproto.Envelope) (noticeMePayload, error) {
	if !envelope.HasPayload() {
		return noticeMePayload{}, fmt.Errorf("%w: %s without payload", wsproto.ErrProtocol, envelope.Type)
	}
	var payload noticeMePayload
	var index int
	if err := json.Unmarshal(envelope.Payload, &index); err == nil {
		payload.Index = index
	} else if err := envelope.Decode(&payload); err != nil {
		return noticeMePayload{}, err
	}
	if err := payload.Validate(); err != nil {
		return noticeMePayload{}, fmt.Errorf("%w: %s: %v", wsproto.ErrProtocol, envelope.Type, err)
	}
	return payload, nil
}

func isJSONArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}
