// Package testutil stands up a real in-memory sqlite database for repo
// and engine tests that need genuine SQL semantics, mirroring the
// teacher's internal/data/repos/testutil package (DB(tb) + Logger(tb))
// but backed by internal/db.NewTestDB instead of a Postgres DSN env var,
// since this core's tests never require Postgres-only features.
package testutil

import (
	"testing"

	"gorm.io/gorm"

	"github.com/nixbuild/typhon/internal/db"
	"github.com/nixbuild/typhon/internal/logger"
)

// DB returns a fresh migrated in-memory database for one test.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	gdb, err := db.NewTestDB()
	if err != nil {
		tb.Fatalf("init test db: %v", err)
	}
	return gdb
}

// Logger returns a development-mode logger at debug level for test
// output.
func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	log, err := logger.New("test")
	if err != nil {
		tb.Fatalf("init logger: %v", err)
	}
	return log
}
