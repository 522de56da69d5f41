// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for session notes.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-support-backend/internal/domain"
)

// ListNotes returns the notes of a session, oldest first.
func ListNotes(ctx context.Context, db *gorm.DB, sessionID string) ([]domain.Note, error) {
	var out []domain.Note
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// GetNote fetches one note of a session, or ErrNotFound.
func GetNote(ctx context.Context, db *gorm.DB, sessionID, noteID string) (*domain.Note, error) {
	var n domain.Note
	err := db.WithContext(ctx).
		Where("id = ? AND session_id = ?", noteID, sessionID).
		First(&n).Error
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNote inserts a note row.
func CreateNote(ctx context.Context, tx *gorm.DB, n *domain.Note) error {
	return tx.WithContext(ctx).Omit("Session").Create(n).Error
}

// UpdateNoteContent rewrites a note's content. ErrNotFound when absent.
func UpdateNoteContent(ctx context.Context, tx *gorm.DB, sessionID, noteID, content string, now time.Time) error {
	res := tx.WithContext(ctx).Model(&domain.Note{}).
		Where("id = ? AND session_id = ?", noteID, sessionID).
		Updates(map[string]any{"content": content, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNote removes a note. ErrNotFound when absent.
func DeleteNote(ctx context.Context, tx *gorm.DB, sessionID, noteID string) error {
	res := tx.WithContext(ctx).
		Where("id = ? AND session_id = ?", noteID, sessionID).
		Delete(&domain.Note{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
