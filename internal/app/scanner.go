package app

import (
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/providentiaww/ptdatax-ingest/internal/config"
	"github.com/providentiaww/ptdatax-ingest/internal/identity"
	"github.com/providentiaww/ptdatax-ingest/internal/lease"
	"github.com/providentiaww/ptdatax-ingest/internal/registry"
	"github.com/providentiaww/ptdatax-ingest/internal/scanner"
	"github.com/providentiaww/ptdatax-ingest/internal/storage"
)

const (
	scanLockKey = "ptdatax:scan:lock"
	scanLockTTL = 5 * time.Minute
)

// NewScanner builds the directory scanner. With Redis the run lock is
// shared across hosts; otherwise a lock file in the active directory
// (or INGEST_LOCK_FILE) keeps overlapping cron runs apart.
func NewScanner(db *storage.DB, rdb *redis.Client, cfg config.Scanner) (*scanner.Scanner, error) {
	claims, err := identity.NewSymlinkClaims(cfg.ActiveDir)
	if err != nil {
		return nil, err
	}

	var lock lease.Locker
	switch {
	case rdb != nil:
		lock = lease.NewRedis(rdb, scanLockKey, scanLockTTL)
	case cfg.LockFile != "":
		lock = &lease.File{Path: cfg.LockFile}
	default:
		lock = &lease.File{Path: filepath.Join(cfg.ActiveDir, ".scan.lock")}
	}

	return scanner.New(cfg.Root, claims, registry.NewSQLRegistry(db), storage.NewUnits(db), lock), nil
}
