package notes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notice/internal/outline"
	"github.com/MarcoPoloResearchLab/notice/internal/pagination"
	"github.com/MarcoPoloResearchLab/notice/internal/transcripts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxContentAttempts bounds the optimistic read-modify-write loop on note content.
const maxContentAttempts = 5

var (
	// ErrNoteNotFound indicates that no note with the id exists for the owner and bookshelf.
	ErrNoteNotFound = errors.New("notes: note not found")
	// ErrInvalidContent indicates stored or submitted content that is not a valid outline.
	ErrInvalidContent = errors.New("notes: invalid content")
	// ErrInvalidTitle indicates an empty title.
	ErrInvalidTitle = errors.New("notes: invalid title")
	// ErrContentConflict indicates that concurrent writers kept winning the content version race.
	ErrContentConflict = errors.New("notes: content version conflict")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errVerifyMismatch    = errors.New("stored content differs from written content")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "notes.service.new"
	opCreateNote     = "notes.create"
	opListNotes      = "notes.list"
	opGetNote        = "notes.get"
	opUpdateTitle    = "notes.update_title"
	opDeleteNote     = "notes.delete"
	opReplaceWhole   = "notes.replace_whole"
	opReplaceAt      = "notes.replace_at"
	opGetContent     = "notes.get_content"
	opSetAudioFile   = "notes.set_audio_filename"
	opClearAudioFile = "notes.clear_audio_filename"
	opPurgeBookshelf = "notes.purge_bookshelf"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create stores a new note with empty content. The caller verifies bookshelf ownership.
func (s *Service) Create(ctx context.Context, userID, bookshelfID, title string) (Note, error) {
	user, err := validateIdentifier(userID, ErrInvalidUserID)
	if err != nil {
		return Note{}, newServiceError(opCreateNote, "invalid_user_id", err)
	}
	bookshelf, err := validateIdentifier(bookshelfID, ErrInvalidBookshelfID)
	if err != nil {
		return Note{}, newServiceError(opCreateNote, "invalid_bookshelf_id", err)
	}
	trimmedTitle := strings.TrimSpace(title)
	if trimmedTitle == "" {
		return Note{}, newServiceError(opCreateNote, "invalid_title", ErrInvalidTitle)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, "id_generation_failed", err, zap.String("user_id", user))
		return Note{}, newServiceError(opCreateNote, "id_generation_failed", err)
	}
	content, err := encodeRoot(outline.NewRoot())
	if err != nil {
		return Note{}, newServiceError(opCreateNote, "encode_failed", err)
	}

	note := Note{
		ID:          id,
		UserID:      user,
		BookshelfID: bookshelf,
		Title:       trimmedTitle,
		CreatedAt:   s.clock().UTC(),
		Content:     content,
	}
	if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
		s.logError(opCreateNote, "insert_failed", err,
			zap.String("user_id", user),
			zap.String("bookshelf_id", bookshelf))
		return Note{}, newServiceError(opCreateNote, "insert_failed", err)
	}
	return note, nil
}

// List returns one page of the owner's notes on a bookshelf.
func (s *Service) List(ctx context.Context, userID, bookshelfID string, params pagination.Params) (pagination.Page[Note], error) {
	var rows []Note
	if err := s.db.WithContext(ctx).
		Omit("content").
		Where("user_id = ? AND bookshelf_id = ?", userID, bookshelfID).
		Scopes(pagination.Scope(params, pagination.DefaultColumns)).
		Find(&rows).Error; err != nil {
		s.logError(opListNotes, "query_failed", err,
			zap.String("user_id", userID),
			zap.String("bookshelf_id", bookshelfID))
		return pagination.Page[Note]{}, newServiceError(opListNotes, "query_failed", err)
	}

	page, err := pagination.NewPage(rows, params)
	if err != nil {
		return pagination.Page[Note]{}, newServiceError(opListNotes, "cursor_failed", err)
	}
	return page, nil
}

// Get loads a note. Notes owned by another user or on another bookshelf are reported as not found.
func (s *Service) Get(ctx context.Context, ref Ref) (Note, error) {
	note, err := s.find(s.db.WithContext(ctx), ref)
	if err != nil {
		return Note{}, s.wrapLookupError(opGetNote, ref, err)
	}
	return note, nil
}

// UpdateTitle renames a note.
func (s *Service) UpdateTitle(ctx context.Context, ref Ref, title string) (Note, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return Note{}, newServiceError(opUpdateTitle, "invalid_title", ErrInvalidTitle)
	}

	result := s.scoped(s.db.WithContext(ctx), ref).Model(&Note{}).Update("title", trimmed)
	if result.Error != nil {
		s.logError(opUpdateTitle, "update_failed", result.Error, refFields(ref)...)
		return Note{}, newServiceError(opUpdateTitle, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Note{}, newServiceError(opUpdateTitle, "not_found", ErrNoteNotFound)
	}
	return s.Get(ctx, ref)
}

// SetAudioFilename records the recording that belongs to a note.
func (s *Service) SetAudioFilename(ctx context.Context, ref Ref, filename string) error {
	result := s.scoped(s.db.WithContext(ctx), ref).Model(&Note{}).Update("audio_filename", filename)
	if result.Error != nil {
		s.logError(opSetAudioFile, "update_failed", result.Error, refFields(ref)...)
		return newServiceError(opSetAudioFile, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSetAudioFile, "not_found", ErrNoteNotFound)
	}
	return nil
}

// ClearAudioFilename detaches filename from a note. A note that already
// points at a different recording is left alone.
func (s *Service) ClearAudioFilename(ctx context.Context, ref Ref, filename string) error {
	result := s.scoped(s.db.WithContext(ctx), ref).
		Model(&Note{}).
		Where("audio_filename = ?", filename).
		Update("audio_filename", nil)
	if result.Error != nil {
		s.logError(opClearAudioFile, "update_failed", result.Error, refFields(ref)...)
		return newServiceError(opClearAudioFile, "update_failed", result.Error)
	}
	return nil
}

// Delete removes a note together with its transcript segments.
func (s *Service) Delete(ctx context.Context, ref Ref) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := s.scoped(tx, ref).Delete(&Note{})
		if result.Error != nil {
			s.logError(opDeleteNote, "delete_failed", result.Error, refFields(ref)...)
			return newServiceError(opDeleteNote, "delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opDeleteNote, "not_found", ErrNoteNotFound)
		}
		if err := transcripts.Purge(tx, []string{ref.NoteID}); err != nil {
			s.logError(opDeleteNote, "transcript_purge_failed", err, refFields(ref)...)
			return newServiceError(opDeleteNote, "transcript_purge_failed", err)
		}
		return nil
	})
}

// PurgeBookshelf deletes every note on a bookshelf and their transcript segments using tx.
func PurgeBookshelf(tx *gorm.DB, userID, bookshelfID string) error {
	noteIDs := tx.Model(&Note{}).Select("id").Where("user_id = ? AND bookshelf_id = ?", userID, bookshelfID)
	if err := transcripts.Purge(tx, noteIDs); err != nil {
		return newServiceError(opPurgeBookshelf, "transcript_purge_failed", err)
	}
	if err := tx.Where("user_id = ? AND bookshelf_id = ?", userID, bookshelfID).Delete(&Note{}).Error; err != nil {
		return newServiceError(opPurgeBookshelf, "delete_failed", err)
	}
	return nil
}

// GetWhole returns the content root with the note title as its value.
func (s *Service) GetWhole(ctx context.Context, ref Ref) (outline.Node, error) {
	note, err := s.Get(ctx, ref)
	if err != nil {
		return outline.Node{}, err
	}
	root, err := note.Root()
	if err != nil {
		s.logError(opGetContent, "decode_failed", err, refFields(ref)...)
		return outline.Node{}, newServiceError(opGetContent, "decode_failed", err)
	}
	root.Value = note.Title
	return root, nil
}

// GetAt returns the top-level child at index. found is false when index is out of range.
func (s *Service) GetAt(ctx context.Context, ref Ref, index int) (node outline.Node, found bool, err error) {
	root, err := s.GetWhole(ctx, ref)
	if err != nil {
		return outline.Node{}, false, err
	}
	if index < 0 || index >= len(root.Children) {
		return outline.Node{}, false, nil
	}
	return root.Children[index], true, nil
}

// ReplaceWhole swaps all top-level children, then re-reads the note to confirm the write.
func (s *Service) ReplaceWhole(ctx context.Context, ref Ref, children []outline.Node) (outline.Node, error) {
	if children == nil {
		children = []outline.Node{}
	}
	candidate := outline.NewRoot()
	candidate.Children = children
	if err := candidate.Validate(); err != nil {
		return outline.Node{}, newServiceError(opReplaceWhole, "invalid_content", fmt.Errorf("%w: %v", ErrInvalidContent, err))
	}

	if _, err := s.mutateContent(ctx, opReplaceWhole, ref, func(root *outline.Node) (bool, error) {
		root.Children = candidate.Clone().Children
		return true, nil
	}); err != nil {
		return outline.Node{}, err
	}

	stored, err := s.GetWhole(ctx, ref)
	if err != nil {
		return outline.Node{}, err
	}
	if !sameChildren(stored.Children, candidate.Children) {
		s.logError(opReplaceWhole, "verify_failed", errVerifyMismatch, refFields(ref)...)
		return outline.Node{}, newServiceError(opReplaceWhole, "verify_failed", errVerifyMismatch)
	}
	return stored, nil
}

// ReplaceAt swaps the top-level child at index. An out-of-range index leaves the note untouched
// and reports applied=false.
func (s *Service) ReplaceAt(ctx context.Context, ref Ref, index int, node outline.Node) (applied bool, err error) {
	if node.Kind == outline.KindRoot {
		return false, newServiceError(opReplaceAt, "invalid_content", fmt.Errorf("%w: nested root", ErrInvalidContent))
	}
	return s.mutateContent(ctx, opReplaceAt, ref, func(root *outline.Node) (bool, error) {
		if index < 0 || index >= len(root.Children) {
			return false, nil
		}
		root.Children[index] = node
		if err := root.Validate(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		return true, nil
	})
}

// mutateContent applies mutate to the stored root and writes it back when the content version
// still matches the one read. Lost races are retried up to maxContentAttempts times.
func (s *Service) mutateContent(ctx context.Context, operation string, ref Ref, mutate func(*outline.Node) (bool, error)) (bool, error) {
	for attempt := 1; attempt <= maxContentAttempts; attempt++ {
		var applied bool
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			note, err := s.find(tx, ref)
			if err != nil {
				return s.wrapLookupError(operation, ref, err)
			}
			root, err := note.Root()
			if err != nil {
				s.logError(operation, "decode_failed", err, refFields(ref)...)
				return newServiceError(operation, "decode_failed", err)
			}

			changed, err := mutate(&root)
			if err != nil {
				return newServiceError(operation, "invalid_content", err)
			}
			if !changed {
				return nil
			}

			root.Value = ""
			encoded, err := encodeRoot(root)
			if err != nil {
				return newServiceError(operation, "encode_failed", err)
			}
			result := tx.Model(&Note{}).
				Where("id = ? AND content_version = ?", note.ID, note.ContentVersion).
				Updates(map[string]interface{}{
					"content":         encoded,
					"content_version": note.ContentVersion + 1,
				})
			if result.Error != nil {
				s.logError(operation, "update_failed", result.Error, refFields(ref)...)
				return newServiceError(operation, "update_failed", result.Error)
			}
			if result.RowsAffected == 0 {
				return ErrContentConflict
			}
			applied = true
			return nil
		})
		if err == nil {
			return applied, nil
		}
		if !errors.Is(err, ErrContentConflict) {
			return false, err
		}
		s.loggerOrDefault().Debug("note content version conflict, retrying",
			zap.String("note_id", ref.NoteID),
			zap.Int("attempt", attempt))
	}

	s.logError(operation, "version_conflict", ErrContentConflict, refFields(ref)...)
	return false, newServiceError(operation, "version_conflict", ErrContentConflict)
}

func (s *Service) scoped(db *gorm.DB, ref Ref) *gorm.DB {
	return db.Where("id = ? AND user_id = ? AND bookshelf_id = ?", ref.NoteID, ref.UserID, ref.BookshelfID)
}

func (s *Service) find(db *gorm.DB, ref Ref) (Note, error) {
	var note Note
	err := s.scoped(db, ref).Take(&note).Error
	return note, err
}

func (s *Service) wrapLookupError(operation string, ref Ref, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(operation, "not_found", ErrNoteNotFound)
	}
	s.logError(operation, "query_failed", err, refFields(ref)...)
	return newServiceError(operation, "query_failed", err)
}

func sameChildren(left, right []outline.Node) bool {
	leftRoot := outline.NewRoot()
	leftRoot.Children = left
	rightRoot := outline.NewRoot()
	rightRoot.Children = right
	leftJSON, leftErr := encodeRoot(leftRoot)
	rightJSON, rightErr := encodeRoot(rightRoot)
	return leftErr == nil && rightErr == nil && bytes.Equal(leftJSON, rightJSON)
}

func refFields(ref Ref) []zap.Field {
	return []zap.Field{
		zap.String("user_id", ref.UserID),
		zap.String("bookshelf_id", ref.BookshelfID),
		zap.String("note_id", ref.NoteID),
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
