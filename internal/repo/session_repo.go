// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for ChatSession.
//
// Functions follow the "thin repository" approach: no business
// rules, only persistence and query composition. Missing sessions surface as
// ErrNotFound.
package repo

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-support-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// SessionFilter narrows the dashboard listing.
type SessionFilter struct {
	Status     domain.SessionStatus
	OperatorID string
	Offset     int
	Limit      int
}

func (f SessionFilter) scope(q *gorm.DB) *gorm.DB {
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.OperatorID != "" {
		q = q.Where("operator_id = ?", f.OperatorID)
	}
	return q
}

// CreateSession inserts a new session row.
func CreateSession(ctx context.Context, db *gorm.DB, s *domain.ChatSession) error {
	return db.WithContext(ctx).Create(s).Error
}

// GetSession fetches a session by id, or ErrNotFound.
func GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.ChatSession, error) {
	var s domain.ChatSession
	if err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// LockSession takes the row lock on session id inside tx and returns the
// locked row. The version bump is the lock: it is a write, so on SQLite it
// takes the database write lock up front and on PostgreSQL it holds the row
// lock until the transaction ends. lockTimeout bounds the wait on PostgreSQL.
func LockSession(ctx context.Context, tx *gorm.DB, id string, lockTimeout time.Duration) (*domain.ChatSession, error) {
	tx = tx.WithContext(ctx)
	if IsPostgres(tx) && lockTimeout > 0 {
		if err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeout.Milliseconds())).Error; err != nil {
			return nil, err
		}
	}
	res := tx.Model(&domain.ChatSession{}).
		Where("id = ?", id).
		UpdateColumn("version", gorm.Expr("version + 1"))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return GetSession(ctx, tx, id)
}

// UpdateSessionColumns writes cols to session id. It is meant for the
// column map produced by domain.SessionPatch.Apply.
func UpdateSessionColumns(ctx context.Context, tx *gorm.DB, id string, cols map[string]any) error {
	if len(cols) == 0 {
		return nil
	}
	res := tx.WithContext(ctx).Model(&domain.ChatSession{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountSessions returns the number of sessions matching f.
func CountSessions(ctx context.Context, db *gorm.DB, f SessionFilter) (int64, error) {
	var total int64
	err := f.scope(db.WithContext(ctx).Model(&domain.ChatSession{})).Count(&total).Error
	return total, err
}

// ListSessionsPage returns sessions matching f, most recent activity first.
func ListSessionsPage(ctx context.Context, db *gorm.DB, f SessionFilter) ([]domain.ChatSession, error) {
	var out []domain.ChatSession
	q := f.scope(db.WithContext(ctx)).
		Order("COALESCE(last_message_at, created_at) DESC, id ASC")
	if f.Limit > 0 {
		q = q.Offset(f.Offset).Limit(f.Limit)
	}
	err := q.Find(&out).Error
	return out, err
}
