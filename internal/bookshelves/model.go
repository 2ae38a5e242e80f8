// Package bookshelves manages the per-user collections that group notes.
package bookshelves

import (
	"time"

	"github.com/MarcoPoloResearchLab/notice/internal/pagination"
)

// Bookshelf groups notes for one user.
type Bookshelf struct {
	ID        string    `json:"id" gorm:"column:id;primaryKey;size:36"`
	UserID    string    `json:"-" gorm:"column:user_id;size:190;not null;index"`
	Title     string    `json:"title" gorm:"column:title;size:255;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;not null"`
	NoteCount int64     `json:"count" gorm:"column:note_count;->;-:migration"`
}

// TableName provides the explicit table binding for GORM.
func (Bookshelf) TableName() string {
	return "bookshelves"
}

// PaginationKey exposes the keyset values used for listing.
func (b Bookshelf) PaginationKey() pagination.Key {
	return pagination.Key{ID: b.ID, Title: b.Title, CreatedAt: b.CreatedAt}
}
