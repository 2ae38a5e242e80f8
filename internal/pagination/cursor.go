package pagination

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidCursor indicates a cursor token that cannot be decoded into a Cursor.
	ErrInvalidCursor = errors.New("pagination: invalid cursor")
	// ErrCursorFieldMissing indicates a well formed cursor lacking the value for the requested sort field.
	ErrCursorFieldMissing = errors.New("pagination: cursor missing sort value")
)

// Cursor identifies the last row a client has seen under a given sort.
type Cursor struct {
	ID        uuid.UUID  `json:"id"`
	Title     *string    `json:"title,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Encode serializes the cursor into a URL-safe opaque token.
func (c Cursor) Encode() string {
	payload, err := json.Marshal(c)
	if err != nil {
		// Cursor only holds a uuid, a string and a time; Marshal cannot fail on those.
		panic(fmt.Sprintf("pagination: encode cursor: %v", err))
	}
	return base64.URLEncoding.EncodeToString(payload)
}

// DecodeCursor parses a token produced by Encode.
func DecodeCursor(token string) (Cursor, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Cursor{}, fmt.Errorf("%w: empty", ErrInvalidCursor)
	}
	payload, err := base64.URLEncoding.DecodeString(trimmed)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	var cursor Cursor
	if err := decoder.Decode(&cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if decoder.More() {
		return Cursor{}, fmt.Errorf("%w: trailing data", ErrInvalidCursor)
	}
	if cursor.ID == uuid.Nil {
		return Cursor{}, fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	if cursor.CreatedAt != nil {
		normalized := cursor.CreatedAt.UTC()
		cursor.CreatedAt = &normalized
	}
	return cursor, nil
}

// SortValue returns the value stored for the requested sort field.
func (c Cursor) SortValue(field SortField) (any, error) {
	switch field {
	case SortTitle:
		if c.Title == nil {
			return nil, fmt.Errorf("%w: %s", ErrCursorFieldMissing, field)
		}
		return *c.Title, nil
	case SortCreatedAt:
		if c.CreatedAt == nil {
			return nil, fmt.Errorf("%w: %s", ErrCursorFieldMissing, field)
		}
		return c.CreatedAt.UTC(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidParams, field)
	}
}

// CursorFromKey builds the cursor for a row, carrying every sortable value.
func CursorFromKey(key Key) (Cursor, error) {
	id, err := uuid.Parse(key.ID)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: row id %q: %v", ErrInvalidCursor, key.ID, err)
	}
	title := key.Title
	createdAt := key.CreatedAt.UTC()
	return Cursor{ID: id, Title: &title, CreatedAt: &createdAt}, nil
}
