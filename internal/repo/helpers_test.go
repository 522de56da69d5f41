package repo

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-support-backend/internal/domain"
)

// newRepoDB opens a fresh file-backed SQLite DB. With no models it migrates
// the full schema; pass models to migrate only those.
func newRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("repo_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if len(migrate) == 0 {
		if err := AutoMigrate(db); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
		return db
	}
	if err := db.AutoMigrate(migrate...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedSession(t *testing.T, db *gorm.DB, id string, st domain.SessionStatus) *domain.ChatSession {
	t.Helper()
	s := &domain.ChatSession{ID: id, Status: st, VisitorID: "v-" + id, Channel: domain.ChannelWidget, Priority: domain.PriorityNormal}
	if err := db.Create(s).Error; err != nil {
		t.Fatalf("seed session %s: %v", id, err)
	}
	return s
}
