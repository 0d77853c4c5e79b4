package scribble

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/scribbler-labs/scribbler/backend/internal/changelog"
)

type staticSIDGenerator struct {
	ids   []string
	index int
}

func (g *staticSIDGenerator) NewSID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted sids")
	}
	sid := g.ids[g.index]
	g.index++
	return sid, nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:scribble_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := append(Models(), changelog.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate test schema: %v", err)
	}
	return db
}

func newTestCache(t *testing.T, sids []string) (*Cache, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	log, err := changelog.New(changelog.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to build change log: %v", err)
	}
	cache, err := NewCache(CacheConfig{
		Database:    db,
		ChangeLog:   log,
		SIDProvider: &staticSIDGenerator{ids: sids},
	})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	return cache, db
}

func mustUser(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustSID(t *testing.T, value string) SID {
	t.Helper()
	id, err := NewSID(value)
	if err != nil {
		t.Fatalf("unexpected sid error: %v", err)
	}
	return id
}

func changeRecordCount(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Table("change_records").Count(&count).Error; err != nil {
		t.Fatalf("failed to count change records: %v", err)
	}
	return count
}
