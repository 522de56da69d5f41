// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for operators.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-support-backend/internal/domain"
)

// UpsertOperator inserts the operator or refreshes its name and email.
func UpsertOperator(ctx context.Context, db *gorm.DB, op *domain.Operator) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "updated_at"}),
	}).Create(op).Error
}

// GetOperator fetches an operator by id, or ErrNotFound.
func GetOperator(ctx context.Context, db *gorm.DB, id string) (*domain.Operator, error) {
	var op domain.Operator
	if err := db.WithContext(ctx).Where("id = ?", id).First(&op).Error; err != nil {
		return nil, err
	}
	return &op, nil
}

// ListOperators returns all operators, or only available ones, ordered by
// load (total chats handled ascending, then id).
func ListOperators(ctx context.Context, db *gorm.DB, onlyAvailable bool) ([]domain.Operator, error) {
	var out []domain.Operator
	q := db.WithContext(ctx)
	if onlyAvailable {
		q = q.Where("is_available = ?", true)
	}
	err := q.Order("total_chats_handled ASC, id ASC").Find(&out).Error
	return out, err
}

// ClaimOperator bumps the operator's load only if it still equals expected.
// It reports whether this caller won the claim.
func ClaimOperator(ctx context.Context, db *gorm.DB, id string, expected int64) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Operator{}).
		Where("id = ? AND is_available = ? AND total_chats_handled = ?", id, true, expected).
		UpdateColumn("total_chats_handled", gorm.Expr("total_chats_handled + 1"))
	return res.RowsAffected == 1, res.Error
}

// IncrementChatsHandled bumps an operator's load counter.
func IncrementChatsHandled(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Model(&domain.Operator{}).
		Where("id = ?", id).
		UpdateColumn("total_chats_handled", gorm.Expr("total_chats_handled + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseOperator takes back one unit of load granted by ClaimOperator. The
// counter never drops below zero.
func ReleaseOperator(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Model(&domain.Operator{}).
		Where("id = ? AND total_chats_handled > 0", id).
		UpdateColumn("total_chats_handled", gorm.Expr("total_chats_handled - 1")).Error
}

// SetAvailability switches availability and refreshes last_seen_at.
func SetAvailability(ctx context.Context, db *gorm.DB, id string, available bool, now time.Time) error {
	res := db.WithContext(ctx).Model(&domain.Operator{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_available": available, "last_seen_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchOperator records a heartbeat.
func TouchOperator(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	res := db.WithContext(ctx).Model(&domain.Operator{}).
		Where("id = ?", id).
		UpdateColumn("last_seen_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepInactive marks available operators unseen since cutoff as
// unavailable and returns their ids.
func SweepInactive(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Operator{}).
			Where("is_available = ? AND (last_seen_at IS NULL OR last_seen_at < ?)", true, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&domain.Operator{}).
			Where("id IN ?", ids).
			UpdateColumn("is_available", false).Error
	})
	return ids, err
}
