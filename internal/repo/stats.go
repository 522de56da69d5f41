// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-support-backend/internal/domain"
)

// SessionsStats returns the number of sessions matching f and the greatest
// UpdatedAt among them (nil when there are none).
func SessionsStats(ctx context.Context, db *gorm.DB, f SessionFilter) (count int64, maxUpdatedAt *time.Time, err error) {
	q := f.scope(db.WithContext(ctx).Model(&domain.ChatSession{}))

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// MessagesStats returns the number of messages in a session and the highest
// sequence number. Messages are immutable, so the pair identifies the log.
func MessagesStats(ctx context.Context, db *gorm.DB, sessionID string) (count int64, lastSeq int64, err error) {
	var row struct {
		N       int64
		LastSeq int64
	}
	err = db.WithContext(ctx).Model(&domain.Message{}).
		Select("COUNT(*) AS n, COALESCE(MAX(seq), 0) AS last_seq").
		Where("session_id = ?", sessionID).
		Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	return row.N, row.LastSeq, nil
}
