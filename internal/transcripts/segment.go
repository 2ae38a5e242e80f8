// Package transcripts persists the recognized speech segments of a note.
package transcripts

import (
	"time"

	"gorm.io/gorm"
)

// Segment is one recognized utterance. Segments are immutable once written.
type Segment struct {
	ID              string    `json:"id" gorm:"column:id;primaryKey;size:36"`
	NoteID          string    `json:"note_id" gorm:"column:note_id;size:36;not null;uniqueIndex:idx_transcript_note_order,priority:1"`
	Order           *int64    `json:"order" gorm:"column:line_order;uniqueIndex:idx_transcript_note_order,priority:2"`
	TimestampMillis int64     `json:"timestamp_ms" gorm:"column:timestamp_ms;not null;default:0"`
	Text            string    `json:"text" gorm:"column:text;type:text;not null"`
	CreatedAt       time.Time `json:"created_at" gorm:"column:created_at;not null"`
}

// TableName binds segments to the transcripts table.
func (Segment) TableName() string {
	return "transcripts"
}

// Offset returns the segment start relative to the beginning of its recording session.
func (s Segment) Offset() time.Duration {
	return time.Duration(s.TimestampMillis) * time.Millisecond
}

// Purge deletes every segment whose note id is in noteIDs, which may be a slice or a subquery.
// It is meant to run inside the caller's transaction.
func Purge(tx *gorm.DB, noteIDs interface{}) error {
	return tx.Where("note_id IN (?)", noteIDs).Delete(&Segment{}).Error
}
