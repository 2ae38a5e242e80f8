package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notice/internal/audio"
	"github.com/MarcoPoloResearchLab/notice/internal/notes"
	"github.com/MarcoPoloResearchLab/notice/internal/transcripts"
	"github.com/MarcoPoloResearchLab/notice/internal/wsproto"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Control messages understood while streaming.
const (
	TypeStart = "start"
	TypeStop  = "stop"
)

const finishTimeout = 15 * time.Second

// NoteStore is the slice of the notes service a transcription session needs.
type NoteStore interface {
	Get(ctx context.Context, ref notes.Ref) (notes.Note, error)
	SetAudioFilename(ctx context.Context, ref notes.Ref, filename string) error
	ClearAudioFilename(ctx context.Context, ref notes.Ref, filename string) error
}

// SegmentStore persists recognized speech.
type SegmentStore interface {
	Append(ctx context.Context, noteID string, offset time.Duration, text string) (transcripts.Segment, error)
}

// HandlerConfig wires the collaborators of a transcription session.
type HandlerConfig struct {
	Sessions    wsproto.SessionResolver
	Notes       NoteStore
	Segments    SegmentStore
	Transcriber Transcriber
	Recordings  *audio.Store
	Logger      *zap.Logger
}

// Handler runs transcription sessions over established WebSocket connections.
type Handler struct {
	sessions    wsproto.SessionResolver
	notes       NoteStore
	segments    SegmentStore
	transcriber Transcriber
	recordings  *audio.Store
	logger      *zap.Logger
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, fmt.Errorf("transcription: session resolver required")
	case cfg.Notes == nil:
		return nil, fmt.Errorf("transcription: note store required")
	case cfg.Segments == nil:
		return nil, fmt.Errorf("transcription: segment store required")
	case cfg.Transcriber == nil:
		return nil, fmt.Errorf("transcription: transcriber required")
	case cfg.Recordings == nil:
		return nil, fmt.Errorf("transcription: recording store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions:    cfg.Sessions,
		notes:       cfg.Notes,
		segments:    cfg.Segments,
		transcriber: cfg.Transcriber,
		recordings:  cfg.Recordings,
		logger:      logger,
	}, nil
}

// Serve runs one session for the note addressed by bookshelfID and noteID and closes conn when done.
func (h *Handler) Serve(ctx context.Context, conn *wsproto.Conn, bookshelfID, noteID string) {
	logger := h.logger.With(zap.String("note_id", noteID))

	userID, err := conn.Authenticate(ctx, h.sessions)
	if err != nil {
		logger.Debug("transcription session rejected", zap.Error(err))
		return
	}
	ref, err := notes.NewRef(userID, bookshelfID, noteID)
	if err == nil {
		_, err = h.notes.Get(ctx, ref)
	}
	if err != nil {
		logger.Debug("transcription note lookup failed", zap.String("user_id", userID), zap.Error(err))
		conn.Close(wsproto.ClosePolicyViolation, "note not found")
		return
	}

	stream, err := h.transcriber.Open(ctx)
	if err != nil {
		logger.Error("transcription service unavailable", zap.Error(err))
		conn.Close(wsproto.CloseInternalError, "transcription unavailable")
		return
	}

	s := &session{
		handler: h,
		conn:    conn,
		stream:  stream,
		ref:     ref,
		logger:  logger.With(zap.String("user_id", userID)),
	}
	s.run(ctx)
}

type session struct {
	handler    *Handler
	conn       *wsproto.Conn
	stream     Stream
	ref        notes.Ref
	recording  *audio.Recording
	finalizing sync.WaitGroup
	logger     *zap.Logger
}

func (s *session) run(ctx context.Context) {
	persisted := make(chan struct{})
	go func() {
		defer close(persisted)
		s.persist(context.WithoutCancel(ctx))
	}()

	code, reason := s.relay(ctx)

	// Conversion has its own budget in the store; Finish gets a fresh one of its own.
	s.finalizeRecording(ctx)
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := s.stream.Finish(finishCtx); err != nil {
		s.logger.Warn("transcription finish failed", zap.Error(err))
	}
	if err := s.stream.Close(); err != nil {
		s.logger.Debug("transcription stream close failed", zap.Error(err))
	}
	<-persisted
	s.finalizing.Wait()

	s.conn.Close(code, reason)
}

// relay forwards audio until the client stops, leaves, or breaks the protocol.
func (s *session) relay(ctx context.Context) (int, string) {
	for {
		messageType, data, err := s.conn.ReadFrame()
		if err != nil {
			if !wsproto.IsPeerClose(err) {
				s.logger.Debug("transcription read failed", zap.Error(err))
			}
			return wsproto.CloseNormal, ""
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := s.stream.Send(data); err != nil {
				s.logger.Error("audio relay failed", zap.Error(err))
				return wsproto.CloseInternalError, "transcription failed"
			}
			s.record(data)
		case websocket.TextMessage:
			envelope, err := wsproto.ParseEnvelope(data)
			if err != nil {
				return wsproto.CloseUnsupportedData, "malformed message"
			}
			switch envelope.Type {
			case TypeStart:
				s.startRecording(ctx)
			case TypeStop:
				return wsproto.CloseNormal, ""
			default:
				return wsproto.CloseUnsupportedData, "unsupported message"
			}
		}
	}
}

func (s *session) record(data []byte) {
	if s.recording == nil {
		return
	}
	if _, err := s.recording.Write(data); err != nil {
		s.logger.Error("audio buffer write failed", zap.String("filename", s.recording.Filename()), zap.Error(err))
		s.recording.Abort()
		s.recording = nil
	}
}

func (s *session) startRecording(ctx context.Context) {
	s.finalizeRecording(ctx)

	recording, err := s.handler.recordings.Begin()
	if err != nil {
		s.logger.Error("recording start failed", zap.Error(err))
		return
	}
	if err := s.handler.notes.SetAudioFilename(ctx, s.ref, recording.Filename()); err != nil {
		s.logger.Error("recording filename not saved", zap.String("filename", recording.Filename()), zap.Error(err))
		recording.Abort()
		return
	}
	s.recording = recording
}

// finalizeRecording converts the active recording in the background.
// A recording that yields no MP3 is detached from the note again.
func (s *session) finalizeRecording(ctx context.Context) {
	if s.recording == nil {
		return
	}
	recording := s.recording
	s.recording = nil

	detached := context.WithoutCancel(ctx)
	s.finalizing.Add(1)
	go func() {
		defer s.finalizing.Done()
		err := recording.Finalize(detached)
		if err == nil {
			return
		}
		if errors.Is(err, audio.ErrEmptyRecording) {
			s.logger.Debug("recording discarded without audio", zap.String("filename", recording.Filename()))
		} else {
			s.logger.Error("recording finalize failed", zap.String("filename", recording.Filename()), zap.Error(err))
		}
		if err := s.handler.notes.ClearAudioFilename(detached, s.ref, recording.Filename()); err != nil {
			s.logger.Warn("recording filename not cleared", zap.String("filename", recording.Filename()), zap.Error(err))
		}
	}()
}

// persist stores every non-empty segment in arrival order until the stream ends.
func (s *session) persist(ctx context.Context) {
	for segment := range s.stream.Results() {
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		if _, err := s.handler.segments.Append(ctx, s.ref.NoteID, segment.Start, text); err != nil {
			s.logger.Warn("transcript segment not saved", zap.Duration("offset", segment.Start), zap.Error(err))
		}
	}
}
