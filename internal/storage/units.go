package storage

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"
)

// maxErrorBytes caps the last_error column.
const maxErrorBytes = 500

// UnitState is the work-queue state of an ingest unit.
type UnitState string

const (
	UnitPending    UnitState = "pending"
	UnitRegistered UnitState = "registered"
	UnitFailed     UnitState = "failed"
)

// Unit is one row of the ingest work queue. The filesystem scanner is the
// producer; a row is pending between claim and registration.
type Unit struct {
	Identity    string    `db:"identity"`
	Owner       string    `db:"owner"`
	UnitName    string    `db:"unit_name"`
	RootPath    string    `db:"root_path"`
	SymlinkPath string    `db:"symlink_path"`
	State       UnitState `db:"state"`
	Attempts    int       `db:"attempts"`
	LastError   string    `db:"last_error"`
	ProjectID   string    `db:"project_id"`
	CreatedAt   int64     `db:"created_at"`
	UpdatedAt   int64     `db:"updated_at"`
}

// Units is the persisted ingest work queue.
type Units struct {
	db  *DB
	now func() time.Time
}

func NewUnits(db *DB) *Units {
	return &Units{db: db, now: time.Now}
}

const unitColumns = `identity, owner, unit_name, root_path, symlink_path, state, attempts, last_error, project_id, created_at, updated_at`

// MarkPending records that a unit has been claimed and is about to be
// registered. Each call counts as one attempt.
func (u *Units) MarkPending(ctx context.Context, unit Unit) error {
	now := Millis(u.now())
	_, err := u.db.Exec(ctx, `
		INSERT INTO ingest_units (`+unitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 1, '', '', ?, ?)
		ON CONFLICT (identity) DO UPDATE SET
			root_path = excluded.root_path,
			symlink_path = excluded.symlink_path,
			state = excluded.state,
			attempts = ingest_units.attempts + 1,
			last_error = '',
			updated_at = excluded.updated_at
	`, unit.Identity, unit.Owner, unit.UnitName, unit.RootPath, unit.SymlinkPath, UnitPending, now, now)
	if err != nil {
		return fmt.Errorf("mark unit %s pending: %w", unit.Identity, err)
	}
	return nil
}

func (u *Units) MarkRegistered(ctx context.Context, identity, projectID string) error {
	return u.transition(ctx, identity, UnitRegistered, projectID, "")
}

func (u *Units) MarkFailed(ctx context.Context, identity string, cause error) error {
	return u.transition(ctx, identity, UnitFailed, "", truncateUTF8(cause.Error(), maxErrorBytes))
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (u *Units) transition(ctx context.Context, identity string, to UnitState, projectID, lastError string) error {
	res, err := u.db.Exec(ctx, `
		UPDATE ingest_units
		SET state = ?, project_id = ?, last_error = ?, updated_at = ?
		WHERE identity = ? AND state = ?
	`, to, projectID, lastError, Millis(u.now()), identity, UnitPending)
	if err != nil {
		return err
	}
	if Affected(res) != 1 {
		return fmt.Errorf("transition %s -> %s failed for unit %s", UnitPending, to, identity)
	}
	return nil
}

// Get returns the row for identity. sql.ErrNoRows when absent.
func (u *Units) Get(ctx context.Context, identity string) (*Unit, error) {
	var unit Unit
	if err := u.db.Get(ctx, &unit, `SELECT `+unitColumns+` FROM ingest_units WHERE identity = ?`, identity); err != nil {
		return nil, err
	}
	return &unit, nil
}

// List returns units in state, oldest first. An empty state lists all.
func (u *Units) List(ctx context.Context, state UnitState) ([]Unit, error) {
	var units []Unit
	var err error
	if state == "" {
		err = u.db.Select(ctx, &units, `SELECT `+unitColumns+` FROM ingest_units ORDER BY created_at`)
	} else {
		err = u.db.Select(ctx, &units, `SELECT `+unitColumns+` FROM ingest_units WHERE state = ? ORDER BY created_at`, state)
	}
	return units, err
}
