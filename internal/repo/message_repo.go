// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-support-backend/internal/domain"
)

// InsertMessages inserts fully-populated rows (id, seq and timestamp already
// assigned by the caller) in one batch.
func InsertMessages(ctx context.Context, tx *gorm.DB, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Omit("Session").Create(&msgs).Error
}

// ListMessagesAfter returns up to limit messages with seq > afterSeq, in
// sequence order. limit <= 0 means no limit.
func ListMessagesAfter(ctx context.Context, db *gorm.DB, sessionID string, afterSeq int64, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("session_id = ? AND seq > ?", sessionID, afterSeq).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// RecentMessages returns the last n messages of a session in sequence order.
func RecentMessages(ctx context.Context, db *gorm.DB, sessionID string, n int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq DESC").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, sessionID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&total).Error
	return total, err
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}
