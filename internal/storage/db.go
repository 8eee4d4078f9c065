// Package storage owns the SQL connection shared by the OAuth2 state store,
// the project registry and the ingest work queue.
//
// Queries are written with ? placeholders and rebound per driver, so the same
// statements run against Postgres in production and SQLite on single hosts
// and in tests. Timestamps are stored as unix milliseconds.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/providentiaww/ptdatax-ingest/internal/config"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// DB wraps a sqlx handle with the driver it was opened with.
type DB struct {
	x      *sqlx.DB
	Driver string
}

// Open connects to the configured database and applies the schema.
func Open(ctx context.Context, cfg config.Database) (*DB, error) {
	db, err := sqlx.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Driver, err)
	}

	if cfg.Driver == "sqlite" {
		// single writer; also keeps :memory: databases on one connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", cfg.Driver, err)
	}

	store := &DB{x: db, Driver: cfg.Driver}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Info("Storage", "connected to %s", cfg.Driver)
	return store, nil
}

// Migrate creates all tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.x.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Exec runs a ?-placeholder statement.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.x.ExecContext(ctx, db.x.Rebind(query), args...)
}

// Get scans a single row into dest. sql.ErrNoRows is returned unchanged.
func (db *DB) Get(ctx context.Context, dest any, query string, args ...any) error {
	return db.x.GetContext(ctx, dest, db.x.Rebind(query), args...)
}

// Select scans all rows into dest.
func (db *DB) Select(ctx context.Context, dest any, query string, args ...any) error {
	return db.x.SelectContext(ctx, dest, db.x.Rebind(query), args...)
}

// Ping verifies connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.x.PingContext(ctx)
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.x.Close()
}

// Affected returns the row count of res. Drivers that cannot report it
// count as zero.
func Affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

// IsNoRows reports whether err is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Millis converts t into the stored representation. The zero time is 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
