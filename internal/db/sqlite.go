package db

import (
	"fmt"
	"sync/atomic"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nixbuild/typhon/internal/models"
)

var testDBSeq int64

// NewTestDB opens a private in-memory SQLite database with every core
// table migrated, for use in repository and engine tests. Each call
// gets its own uniquely named shared-cache database (required so
// GORM's connection pool can open more than one connection without
// landing on separate empty databases) and its own isolation from
// every other test's call, unlike a single fixed "file::memory:"
// name which every caller in the process would otherwise share.
func NewTestDB() (*gorm.DB, error) {
	n := atomic.AddInt64(&testDBSeq, 1)
	dsn := fmt.Sprintf("file:typhon_test_%d?mode=memory&cache=shared", n)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&models.Log{},
		&models.Task{},
		&models.Evaluation{},
		&models.Job{},
	); err != nil {
		return nil, err
	}

	return db, nil
}
