// Package wsproto carries the JSON envelope protocol shared by the live WebSocket sessions.
package wsproto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close codes used by the sessions.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseUnsupportedData = websocket.CloseUnsupportedData
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseInternalError   = websocket.CloseInternalServerErr
)

// TypeInit is the first message of every session. Its payload is the session token.
const TypeInit = "init"

const closeWriteTimeout = 5 * time.Second

// ErrProtocol indicates a frame that does not follow the session protocol.
var ErrProtocol = errors.New("wsproto: protocol violation")

// Envelope is the {type, payload} shape of every text frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HasPayload reports whether the frame carried a non-null payload.
func (e Envelope) HasPayload() bool {
	trimmed := bytes.TrimSpace(e.Payload)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Decode unmarshals the payload into target. A missing or null payload is a protocol violation.
func (e Envelope) Decode(target interface{}) error {
	if !e.HasPayload() {
		return fmt.Errorf("%w: %s without payload", ErrProtocol, e.Type)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrProtocol, e.Type, err)
	}
	return nil
}

// Conn serializes writes to a gorilla connection and speaks the envelope protocol.
type Conn struct {
	conn    *websocket.Conn
	logger  *zap.Logger
	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

func NewConn(conn *websocket.Conn, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{conn: conn, logger: logger}
}

// ReadFrame returns the next data frame.
func (c *Conn) ReadFrame() (messageType int, data []byte, err error) {
	return c.conn.ReadMessage()
}

// ReadEnvelope reads the next frame and requires it to be a JSON envelope.
func (c *Conn) ReadEnvelope() (Envelope, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	if messageType != websocket.TextMessage {
		return Envelope{}, fmt.Errorf("%w: expected text frame", ErrProtocol)
	}
	return ParseEnvelope(data)
}

// ParseEnvelope decodes a text frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrProtocol)
	}
	return envelope, nil
}

// ReadInit reads the init message and returns its token.
func (c *Conn) ReadInit() (string, error) {
	envelope, err := c.ReadEnvelope()
	if err != nil {
		return "", err
	}
	if envelope.Type != TypeInit {
		return "", fmt.Errorf("%w: expected init, got %q", ErrProtocol, envelope.Type)
	}
	var token string
	if err := envelope.Decode(&token); err != nil {
		return "", err
	}
	return token, nil
}

// SessionResolver maps a session token to the user it belongs to.
type SessionResolver interface {
	ResolveSessionToken(ctx context.Context, token string) (string, error)
}

// Authenticate reads the init message and resolves its token to a user id.
// On failure the connection is closed: 1003 for a malformed or missing init, 1008 for a rejected token.
func (c *Conn) Authenticate(ctx context.Context, resolver SessionResolver) (string, error) {
	token, err := c.ReadInit()
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			c.Close(CloseUnsupportedData, "expected init")
		} else {
			c.Close(CloseNormal, "")
		}
		return "", err
	}
	userID, err := resolver.ResolveSessionToken(ctx, token)
	if err != nil {
		c.Close(ClosePolicyViolation, "unauthorized")
		return "", err
	}
	return userID, nil
}

// Send writes one envelope.
func (c *Conn) Send(messageType string, payload interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(struct {
		Type    string      `json:"type"`
		Payload interface{} `json:"payload"`
	}{Type: messageType, Payload: payload})
}

// Close sends a close frame with code and reason, then releases the connection. Repeated calls are no-ops.
func (c *Conn) Close(code int, reason string) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(closeWriteTimeout))
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("close frame not delivered", zap.Int("code", code), zap.Error(err))
	}
	return c.conn.Close()
}

// IsPeerClose reports whether err ends a read because the peer went away.
func IsPeerClose(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
