package bookshelves

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notice/internal/notes"
	"github.com/MarcoPoloResearchLab/notice/internal/pagination"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrBookshelfNotFound indicates that no bookshelf with the id exists for the owner.
	ErrBookshelfNotFound = errors.New("bookshelves: bookshelf not found")
	// ErrInvalidTitle indicates an empty title.
	ErrInvalidTitle = errors.New("bookshelves: invalid title")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
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
	opServiceNew = "bookshelves.service.new"
	opCreate     = "bookshelves.create"
	opList       = "bookshelves.list"
	opGet        = "bookshelves.get"
	opUpdate     = "bookshelves.update"
	opDelete     = "bookshelves.delete"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// listColumns qualifies the keyset columns because the listing query carries a correlated subquery.
var listColumns = pagination.Columns{
	ID:        "bookshelves.id",
	Title:     "bookshelves.title",
	CreatedAt: "bookshelves.created_at",
}

const noteCountSelect = "bookshelves.*, (SELECT COUNT(*) FROM notes WHERE notes.bookshelf_id = bookshelves.id) AS note_count"

type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service manages bookshelves and cascades their deletion to notes and transcripts.
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
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
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

func (s *Service) Create(ctx context.Context, userID, title string) (Bookshelf, error) {
	if strings.TrimSpace(userID) == "" {
		return Bookshelf{}, newServiceError(opCreate, "missing_user_id", errMissingUserID)
	}
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return Bookshelf{}, newServiceError(opCreate, "invalid_title", ErrInvalidTitle)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("user_id", userID))
		return Bookshelf{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	bookshelf := Bookshelf{
		ID:        id,
		UserID:    userID,
		Title:     trimmed,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&bookshelf).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("user_id", userID))
		return Bookshelf{}, newServiceError(opCreate, "insert_failed", err)
	}
	return bookshelf, nil
}

// List returns one page of the user's bookshelves, each with its note count.
func (s *Service) List(ctx context.Context, userID string, params pagination.Params) (pagination.Page[Bookshelf], error) {
	if strings.TrimSpace(userID) == "" {
		return pagination.Page[Bookshelf]{}, newServiceError(opList, "missing_user_id", errMissingUserID)
	}

	var rows []Bookshelf
	if err := s.db.WithContext(ctx).
		Model(&Bookshelf{}).
		Select(noteCountSelect).
		Where("bookshelves.user_id = ?", userID).
		Scopes(pagination.Scope(params, listColumns)).
		Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", userID))
		return pagination.Page[Bookshelf]{}, newServiceError(opList, "query_failed", err)
	}

	page, err := pagination.NewPage(rows, params)
	if err != nil {
		return pagination.Page[Bookshelf]{}, newServiceError(opList, "cursor_failed", err)
	}
	return page, nil
}

// Get loads one bookshelf with its note count. Bookshelves of other users are reported as not found.
func (s *Service) Get(ctx context.Context, userID, bookshelfID string) (Bookshelf, error) {
	var bookshelf Bookshelf
	err := s.db.WithContext(ctx).
		Model(&Bookshelf{}).
		Select(noteCountSelect).
		Where("bookshelves.id = ? AND bookshelves.user_id = ?", bookshelfID, userID).
		Take(&bookshelf).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Bookshelf{}, newServiceError(opGet, "not_found", ErrBookshelfNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("user_id", userID), zap.String("bookshelf_id", bookshelfID))
		return Bookshelf{}, newServiceError(opGet, "query_failed", err)
	}
	return bookshelf, nil
}

func (s *Service) UpdateTitle(ctx context.Context, userID, bookshelfID, title string) (Bookshelf, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return Bookshelf{}, newServiceError(opUpdate, "invalid_title", ErrInvalidTitle)
	}
	result := s.db.WithContext(ctx).
		Model(&Bookshelf{}).
		Where("id = ? AND user_id = ?", bookshelfID, userID).
		Update("title", trimmed)
	if result.Error != nil {
		s.logError(opUpdate, "update_failed", result.Error, zap.String("user_id", userID), zap.String("bookshelf_id", bookshelfID))
		return Bookshelf{}, newServiceError(opUpdate, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Bookshelf{}, newServiceError(opUpdate, "not_found", ErrBookshelfNotFound)
	}
	return s.Get(ctx, userID, bookshelfID)
}

// Delete removes a bookshelf with all of its notes and their transcripts in one transaction.
func (s *Service) Delete(ctx context.Context, userID, bookshelfID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND user_id = ?", bookshelfID, userID).Delete(&Bookshelf{})
		if result.Error != nil {
			s.logError(opDelete, "delete_failed", result.Error, zap.String("user_id", userID), zap.String("bookshelf_id", bookshelfID))
			return newServiceError(opDelete, "delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opDelete, "not_found", ErrBookshelfNotFound)
		}
		if err := notes.PurgeBookshelf(tx, userID, bookshelfID); err != nil {
			s.logError(opDelete, "cascade_failed", err, zap.String("user_id", userID), zap.String("bookshelf_id", bookshelfID))
			return err
		}
		return nil
	})
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
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
	s.loggerOrDefault().Error("bookshelves service error", attrs...)
}
