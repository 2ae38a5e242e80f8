package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/notice/internal/notes"
	"github.com/MarcoPoloResearchLab/notice/internal/outline"
	"github.com/MarcoPoloResearchLab/notice/internal/transcripts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillTranscriptOrder = "2024-03-01_backfill_transcript_line_order"
	migrationDefaultNoteContent      = "2024-03-02_default_note_content"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillTranscriptOrder, apply: backfillTranscriptOrder},
		{name: migrationDefaultNoteContent, apply: defaultNoteContent},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillTranscriptOrder numbers segments written before line order existed,
// appending them after any ordered segments of the same note.
func backfillTranscriptOrder(tx *gorm.DB) error {
	var legacy []transcripts.Segment
	if err := tx.Where("line_order IS NULL").
		Order("note_id ASC").
		Order("created_at ASC").
		Order("timestamp_ms ASC").
		Order("id ASC").
		Find(&legacy).Error; err != nil {
		return err
	}

	next := make(map[string]int64)
	for _, segment := range legacy {
		position, seen := next[segment.NoteID]
		if !seen {
			if err := tx.Model(&transcripts.Segment{}).
				Select("COALESCE(MAX(line_order), -1) + 1").
				Where("note_id = ?", segment.NoteID).
				Scan(&position).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&transcripts.Segment{}).
			Where("id = ?", segment.ID).
			Update("line_order", position).Error; err != nil {
			return err
		}
		next[segment.NoteID] = position + 1
	}
	return nil
}

// defaultNoteContent gives notes without content an empty outline root.
func defaultNoteContent(tx *gorm.DB) error {
	root, err := outline.NewRoot().MarshalJSON()
	if err != nil {
		return err
	}
	query := tx.Model(&notes.Note{}).Where("content IS NULL")
	if tx.Dialector.Name() == DriverSQLite {
		query = tx.Model(&notes.Note{}).Where("content IS NULL OR content = ''")
	}
	return query.Update("content", string(root)).Error
}
