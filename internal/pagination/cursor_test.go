package pagination

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	title := "Lecture notes"
	emptyTitle := ""
	createdAt := time.Date(2024, 3, 14, 9, 26, 53, 589793000, time.UTC)

	cursors := []Cursor{
		{ID: uuid.MustParse("0190c6a2-7b5e-7c3a-9f1e-2d3c4b5a6f70")},
		{ID: uuid.MustParse("0190c6a2-7b5e-7c3a-9f1e-2d3c4b5a6f71"), Title: &title},
		{ID: uuid.MustParse("0190c6a2-7b5e-7c3a-9f1e-2d3c4b5a6f72"), CreatedAt: &createdAt},
		{ID: uuid.MustParse("0190c6a2-7b5e-7c3a-9f1e-2d3c4b5a6f73"), Title: &emptyTitle, CreatedAt: &createdAt},
	}

	for _, cursor := range cursors {
		token := cursor.Encode()
		assert.NotContains(t, token, "+")
		assert.NotContains(t, token, "/")

		decoded, err := DecodeCursor(token)
		require.NoError(t, err)
		assert.Equal(t, cursor, decoded)
		assert.Equal(t, token, decoded.Encode())
	}
}

func TestDecodeCursorRejectsMalformedTokens(t *testing.T) {
	encode := func(raw string) string {
		return base64.URLEncoding.EncodeToString([]byte(raw))
	}

	testCases := map[string]string{
		"empty":          "",
		"not-base64":     "%%%not-base64%%%",
		"not-json":       encode("hello"),
		"wrong-shape":    encode(`[1,2,3]`),
		"bad-id":         encode(`{"id":"not-a-uuid"}`),
		"nil-id":         encode(`{"id":"00000000-0000-0000-0000-000000000000"}`),
		"missing-id":     encode(`{"title":"A"}`),
		"unknown-field":  encode(`{"id":"0190c6a2-7b5e-7c3a-9f1e-2d3c4b5a6f70","owner":"u"}`),
		"trailing-bytes": encode(`{"id":"0190c6a2-7b5e-7c3a-9f1e-2d3c4b5a6f70"}{}`),
		"bad-timestamp":  encode(`{"id":"0190c6a2-7b5e-7c3a-9f1e-2d3c4b5a6f70","created_at":"yesterday"}`),
	}

	for name, token := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCursor(token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCursor), "unexpected error: %v", err)
		})
	}
}

func TestCursorSortValue(t *testing.T) {
	title := "B"
	cursor := Cursor{ID: uuid.New(), Title: &title}

	value, err := cursor.SortValue(SortTitle)
	require.NoError(t, err)
	assert.Equal(t, "B", value)

	_, err = cursor.SortValue(SortCreatedAt)
	assert.ErrorIs(t, err, ErrCursorFieldMissing)
	assert.NotErrorIs(t, err, ErrInvalidCursor)
}
