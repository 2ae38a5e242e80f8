package transcripts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HistoryLines is the number of most recent segments handed to note generation.
const HistoryLines = 140

const maxAppendAttempts = 5

var (
	// ErrEmptyText indicates a segment without recognized words.
	ErrEmptyText = errors.New("transcripts: empty text")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingNoteID     = errors.New("note identifier is required")
	errOrderContention   = errors.New("line order contention")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the underlying cause.
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
	opServiceNew = "transcripts.service.new"
	opAppend     = "transcripts.append"
	opRecent     = "transcripts.recent"
	opList       = "transcripts.list"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues segment identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service appends and reads transcript segments.
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

// Append stores text at the next line order of the note.
// Concurrent appends to one note are serialized by the unique (note_id, line_order) index.
func (s *Service) Append(ctx context.Context, noteID string, offset time.Duration, text string) (Segment, error) {
	if noteID == "" {
		return Segment{}, newServiceError(opAppend, "missing_note_id", errMissingNoteID)
	}
	if strings.TrimSpace(text) == "" {
		return Segment{}, newServiceError(opAppend, "empty_text", ErrEmptyText)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppend, "id_generation_failed", err, zap.String("note_id", noteID))
		return Segment{}, newServiceError(opAppend, "id_generation_failed", err)
	}

	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		segment := Segment{
			ID:              id,
			NoteID:          noteID,
			TimestampMillis: offset.Milliseconds(),
			Text:            text,
			CreatedAt:       s.clock().UTC(),
		}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var next int64
			if err := tx.Model(&Segment{}).
				Select("COALESCE(MAX(line_order), -1) + 1").
				Where("note_id = ?", noteID).
				Scan(&next).Error; err != nil {
				return err
			}
			segment.Order = &next
			return tx.Create(&segment).Error
		})
		if err == nil {
			return segment, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			s.logError(opAppend, "insert_failed", err, zap.String("note_id", noteID))
			return Segment{}, newServiceError(opAppend, "insert_failed", err)
		}
		s.loggerOrDefault().Debug("transcript order conflict, retrying",
			zap.String("note_id", noteID),
			zap.Int("attempt", attempt))
	}

	s.logError(opAppend, "order_contention", errOrderContention, zap.String("note_id", noteID))
	return Segment{}, newServiceError(opAppend, "order_contention", errOrderContention)
}

// Recent returns up to limit of the latest segments of a note in ascending line order.
func (s *Service) Recent(ctx context.Context, noteID string, limit int) ([]Segment, error) {
	if noteID == "" {
		return nil, newServiceError(opRecent, "missing_note_id", errMissingNoteID)
	}
	if limit <= 0 {
		return []Segment{}, nil
	}

	var segments []Segment
	if err := s.db.WithContext(ctx).
		Where("note_id = ?", noteID).
		Order("line_order DESC").
		Limit(limit).
		Find(&segments).Error; err != nil {
		s.logError(opRecent, "query_failed", err, zap.String("note_id", noteID))
		return nil, newServiceError(opRecent, "query_failed", err)
	}

	for left, right := 0, len(segments)-1; left < right; left, right = left+1, right-1 {
		segments[left], segments[right] = segments[right], segments[left]
	}
	return segments, nil
}

// List returns every segment of a note in line order.
func (s *Service) List(ctx context.Context, noteID string) ([]Segment, error) {
	if noteID == "" {
		return nil, newServiceError(opList, "missing_note_id", errMissingNoteID)
	}

	segments := []Segment{}
	if err := s.db.WithContext(ctx).
		Where("note_id = ?", noteID).
		Order("line_order ASC").
		Find(&segments).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("note_id", noteID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return segments, nil
}

// Lines extracts the text of each segment.
func Lines(segments []Segment) []string {
	lines := make([]string, len(segments))
	for index, segment := range segments {
		lines[index] = segment.Text
	}
	return lines
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
	s.loggerOrDefault().Error("transcripts service error", attrs...)
}
