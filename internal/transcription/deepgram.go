package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	deepgramResultsType  = "Results"
	deepgramCloseMessage = `{"type":"CloseStream"}`
	resultsBuffer        = 16
)

var errStreamClosed = errors.New("transcription: stream closed")

// DeepgramConfig describes the Deepgram live endpoint.
type DeepgramConfig struct {
	URL      string
	APIKey   string
	Model    string
	Language string
	Dialer   *websocket.Dialer
	Logger   *zap.Logger
}

// DeepgramTranscriber opens Deepgram live transcription streams with smart formatting enabled.
type DeepgramTranscriber struct {
	endpoint string
	apiKey   string
	dialer   *websocket.Dialer
	logger   *zap.Logger
}

func NewDeepgramTranscriber(cfg DeepgramConfig) (*DeepgramTranscriber, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("transcription: deepgram url required")
	}
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transcription: parse deepgram url: %w", err)
	}
	query := endpoint.Query()
	query.Set("smart_format", "true")
	if cfg.Model != "" {
		query.Set("model", cfg.Model)
	}
	if cfg.Language != "" {
		query.Set("language", cfg.Language)
	}
	endpoint.RawQuery = query.Encode()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeepgramTranscriber{
		endpoint: endpoint.String(),
		apiKey:   cfg.APIKey,
		dialer:   dialer,
		logger:   logger,
	}, nil
}

// Open dials Deepgram and starts reading its results.
func (t *DeepgramTranscriber) Open(ctx context.Context) (Stream, error) {
	header := http.Header{}
	if t.apiKey != "" {
		header.Set("Authorization", "Token "+t.apiKey)
	}
	conn, response, err := t.dialer.DialContext(ctx, t.endpoint, header)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("transcription: dial deepgram: %w (status %d)", err, response.StatusCode)
		}
		return nil, fmt.Errorf("transcription: dial deepgram: %w", err)
	}

	stream := &deepgramStream{
		conn:    conn,
		results: make(chan Segment, resultsBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		logger:  t.logger,
	}
	go stream.readLoop()
	return stream, nil
}

type deepgramStream struct {
	conn    *websocket.Conn
	results chan Segment
	done    chan struct{}
	closing chan struct{}
	logger  *zap.Logger

	writeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
	readErr   error
}

type deepgramMessage struct {
	Type    string  `json:"type"`
	Start   float64 `json:"start"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramStream) Results() <-chan Segment {
	return s.results
}

func (s *deepgramStream) Send(audio []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (s *deepgramStream) Finish(ctx context.Context) error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return errStreamClosed
	}
	err := s.conn.WriteMessage(websocket.TextMessage, []byte(deepgramCloseMessage))
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("transcription: request close: %w", err)
	}

	select {
	case <-s.done:
		return s.readErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the connection and waits for the read loop to stop.
func (s *deepgramStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.closed = true
		s.writeMu.Unlock()
		close(s.closing)
		err = s.conn.Close()
	})
	<-s.done
	return err
}

func (s *deepgramStream) isClosed() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.closed
}

func (s *deepgramStream) readLoop() {
	defer close(s.done)
	defer close(s.results)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.readErr = err
				s.logger.Warn("deepgram stream ended", zap.Error(err))
			}
			return
		}
		var message deepgramMessage
		if err := json.Unmarshal(data, &message); err != nil {
			s.logger.Debug("deepgram message ignored", zap.Error(err))
			continue
		}
		if message.Type != deepgramResultsType || len(message.Channel.Alternatives) == 0 {
			continue
		}
		segment := Segment{
			Text:  message.Channel.Alternatives[0].Transcript,
			Start: time.Duration(message.Start * float64(time.Second)),
		}
		select {
		case s.results <- segment:
		case <-s.closing:
			return
		}
	}
}
