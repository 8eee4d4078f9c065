// Package storagetest opens throwaway SQLite databases for package tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/providentiaww/ptdatax-ingest/internal/config"
	"github.com/providentiaww/ptdatax-ingest/internal/storage"
)

// New returns a migrated database in t's temp dir, closed on cleanup.
func New(t testing.TB) *storage.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "ingest.db") + "?_pragma=busy_timeout(5000)"
	db, err := storage.Open(context.Background(), config.Database{
		Driver:          "sqlite",
		URL:             dsn,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
