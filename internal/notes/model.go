package notes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notice/internal/outline"
	"github.com/MarcoPoloResearchLab/notice/internal/pagination"
	"gorm.io/datatypes"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidBookshelfID indicates that a bookshelf identifier is empty or exceeds storage bounds.
	ErrInvalidBookshelfID = errors.New("notes: invalid bookshelf id")
)

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Ref addresses one note on behalf of its owner.
type Ref struct {
	UserID      string
	BookshelfID string
	NoteID      string
}

// NewRef validates raw identifiers and returns a Ref.
func NewRef(userID, bookshelfID, noteID string) (Ref, error) {
	user, err := validateIdentifier(userID, ErrInvalidUserID)
	if err != nil {
		return Ref{}, err
	}
	bookshelf, err := validateIdentifier(bookshelfID, ErrInvalidBookshelfID)
	if err != nil {
		return Ref{}, err
	}
	note, err := validateIdentifier(noteID, ErrInvalidNoteID)
	if err != nil {
		return Ref{}, err
	}
	return Ref{UserID: user, BookshelfID: bookshelf, NoteID: note}, nil
}

// Note is a titled outline document stored on a bookshelf.
type Note struct {
	ID             string         `json:"id" gorm:"column:id;primaryKey;size:36"`
	UserID         string         `json:"-" gorm:"column:user_id;size:190;not null;index:idx_notes_owner,priority:1"`
	BookshelfID    string         `json:"bookshelf_id" gorm:"column:bookshelf_id;size:36;not null;index:idx_notes_owner,priority:2"`
	Title          string         `json:"title" gorm:"column:title;size:255;not null"`
	CreatedAt      time.Time      `json:"created_at" gorm:"column:created_at;not null"`
	Content        datatypes.JSON `json:"-" gorm:"column:content;not null"`
	ContentVersion int64          `json:"-" gorm:"column:content_version;not null;default:0"`
	AudioFilename  *string        `json:"audio_filename" gorm:"column:audio_filename;size:64"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// PaginationKey exposes the keyset values used for listing.
func (n Note) PaginationKey() pagination.Key {
	return pagination.Key{ID: n.ID, Title: n.Title, CreatedAt: n.CreatedAt}
}

// Root decodes the stored content. Notes without content yield an empty root.
func (n Note) Root() (outline.Node, error) {
	if len(n.Content) == 0 {
		return outline.NewRoot(), nil
	}
	var root outline.Node
	if err := json.Unmarshal(n.Content, &root); err != nil {
		return outline.Node{}, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if root.Kind != outline.KindRoot {
		return outline.Node{}, fmt.Errorf("%w: top-level node is %q", ErrInvalidContent, root.Kind)
	}
	if root.Children == nil {
		root.Children = []outline.Node{}
	}
	return root, nil
}

func encodeRoot(root outline.Node) (datatypes.JSON, error) {
	encoded, err := json.Marshal(root)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}
