// Package scanner promotes deposited directories under the ingest root into
// registered projects, exactly once per (owner, unit).
//
// A unit is eligible when <root>/<owner>/<unit>/.ready exists. Each scan
// runs under an exclusive lock and processes units one at a time: derive the
// identity, skip already claimed identities, validate images, synthesize
// metadata, claim the identity symlink, register, then mark the unit
// processed or roll the claim back.
package scanner

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/identity"
	"github.com/providentiaww/ptdatax-ingest/internal/lease"
	"github.com/providentiaww/ptdatax-ingest/internal/metrics"
	"github.com/providentiaww/ptdatax-ingest/internal/registry"
	"github.com/providentiaww/ptdatax-ingest/internal/storage"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

// ErrScanInProgress is returned when another scan holds the run lock.
var ErrScanInProgress = errors.New("scan already in progress")

// Claims is a ClaimSet that can name the symlink it creates.
type Claims interface {
	identity.ClaimSet
	Path(id identity.ID) string
}

// WorkQueue persists the pending/registered/failed state of each unit.
type WorkQueue interface {
	MarkPending(ctx context.Context, unit storage.Unit) error
	MarkRegistered(ctx context.Context, identity, projectID string) error
	MarkFailed(ctx context.Context, identity string, cause error) error
	Get(ctx context.Context, identity string) (*storage.Unit, error)
}

// Outcome of processing one unit.
type Outcome string

const (
	OutcomeRegistered     Outcome = "registered"
	OutcomeAlreadyClaimed Outcome = "already_claimed"
	// OutcomeOrphaned: the identity symlink exists but the work queue has
	// no completed registration for it.
	OutcomeOrphaned Outcome = "orphaned"
	OutcomeInvalid  Outcome = "invalid"
	OutcomeFailed   Outcome = "failed"
)

type UnitResult struct {
	Owner     string  `json:"owner"`
	Unit      string  `json:"unit"`
	Identity  string  `json:"identity,omitempty"`
	Outcome   Outcome `json:"outcome"`
	ProjectID string  `json:"project_id,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type Result struct {
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Units      []UnitResult `json:"units"`
	Registered int          `json:"registered"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	Orphaned   int          `json:"orphaned"`
	Cancelled  bool         `json:"cancelled"`
}

func (r *Result) add(u UnitResult) {
	r.Units = append(r.Units, u)
	switch u.Outcome {
	case OutcomeRegistered:
		r.Registered++
	case OutcomeFailed:
		r.Failed++
	case OutcomeOrphaned:
		r.Orphaned++
		r.Skipped++
	default:
		r.Skipped++
	}
}

// Scanner walks one ingest root.
type Scanner struct {
	root      string
	claims    Claims
	registrar registry.Registrar
	queue     WorkQueue
	lock      lease.Locker
	now       func() time.Time
}

// New builds a Scanner. A nil lock defaults to an in-process mutex.
func New(root string, claims Claims, registrar registry.Registrar, queue WorkQueue, lock lease.Locker) *Scanner {
	if lock == nil {
		lock = &lease.Mutex{}
	}
	return &Scanner{
		root:      root,
		claims:    claims,
		registrar: registrar,
		queue:     queue,
		lock:      lock,
		now:       time.Now,
	}
}

type pendingUnit struct {
	owner string
	unit  string
	dir   string
}

// Scan performs one pass over the root. The run lock is released on every
// return path. Cancelling ctx stops the pass between units, never inside one.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	release, err := s.lock.TryAcquire(ctx)
	if errors.Is(err, lease.ErrHeld) {
		logging.Info("Scanner", "another scan is running, exiting")
		metrics.ScanRuns.WithLabelValues("locked").Inc()
		return nil, ErrScanInProgress
	}
	if err != nil {
		metrics.ScanRuns.WithLabelValues("failed").Inc()
		return nil, err
	}
	defer release()

	res := &Result{StartedAt: s.now()}
	units, err := s.findPending(ctx)
	if err != nil {
		metrics.ScanRuns.WithLabelValues("failed").Inc()
		res.FinishedAt = s.now()
		return res, err
	}

	for _, p := range units {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		res.add(s.processUnit(context.WithoutCancel(ctx), p))
	}
	res.FinishedAt = s.now()

	outcome := "completed"
	if res.Cancelled {
		outcome = "cancelled"
	}
	metrics.ScanRuns.WithLabelValues(outcome).Inc()
	logging.Info("Scanner", "scan %s: %d registered, %d skipped, %d failed, %d orphaned",
		outcome, res.Registered, res.Skipped, res.Failed, res.Orphaned)
	return res, nil
}

// findPending lists <root>/<owner>/<unit> directories holding a ready
// marker. Symlinked directories are not followed.
func (s *Scanner) findPending(ctx context.Context) ([]pendingUnit, error) {
	var units []pendingUnit
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.root {
				return err
			}
			logging.Warn("Scanner", "cannot read %s: %v", path, err)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil || rel == "." {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")

		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") || len(parts) > 2 {
				return filepath.SkipDir
			}
			return nil
		}
		if len(parts) == 3 && parts[2] == ReadyMarker && d.Type().IsRegular() {
			units = append(units, pendingUnit{owner: parts[0], unit: parts[1], dir: filepath.Dir(path)})
		}
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return units, nil
	}
	return units, err
}

func (s *Scanner) processUnit(ctx context.Context, p pendingUnit) UnitResult {
	ur := UnitResult{Owner: p.owner, Unit: p.unit}

	id, err := identity.Derive(p.owner, p.unit)
	if err != nil {
		return s.skip(ur, OutcomeInvalid, err)
	}
	ur.Identity = id.String()

	claimed, err := s.claims.Claimed(ctx, id)
	if err != nil {
		return s.skip(ur, OutcomeInvalid, err)
	}
	if claimed {
		return s.classifyClaimed(ctx, ur)
	}

	count, err := countImages(filepath.Join(p.dir, ImagesDir))
	if err != nil {
		return s.skip(ur, OutcomeInvalid, err)
	}

	written, err := ensureMetadata(p.dir, p.unit, count, s.now())
	if err != nil {
		return s.skip(ur, OutcomeFailed, err)
	}
	if written {
		logging.Debug("Scanner", "wrote %s for %s", MetadataFile, id)
	}

	ok, err := s.claims.Claim(ctx, id, p.dir)
	if err != nil {
		return s.skip(ur, OutcomeFailed, err)
	}
	if !ok {
		// lost a race with another claimant between check and claim
		return s.skip(ur, OutcomeAlreadyClaimed, nil)
	}

	symlink := s.claims.Path(id)
	if err := s.queue.MarkPending(ctx, storage.Unit{
		Identity:    id.String(),
		Owner:       p.owner,
		UnitName:    p.unit,
		RootPath:    p.dir,
		SymlinkPath: symlink,
	}); err != nil {
		s.rollback(ctx, id, err, false)
		return s.skip(ur, OutcomeFailed, err)
	}

	projectID, err := s.register(ctx, p, id, symlink, count)
	if err != nil {
		s.rollback(ctx, id, err, true)
		return s.skip(ur, OutcomeFailed, err)
	}

	if err := writeMarker(p.dir, ProcessedMarker, s.now()); err != nil {
		logging.Warn("Scanner", "registered %s but could not write %s: %v", id, ProcessedMarker, err)
	}
	if err := s.queue.MarkRegistered(ctx, id.String(), projectID); err != nil {
		logging.Error("Scanner", err, "registered %s as %s but could not record it", id, projectID)
	}

	metrics.UnitsRegistered.Inc()
	logging.Info("Scanner", "registered %s/%s as %s (project %s, %d images)", p.owner, p.unit, id, projectID, count)
	ur.Outcome = OutcomeRegistered
	ur.ProjectID = projectID
	return ur
}

func (s *Scanner) register(ctx context.Context, p pendingUnit, id identity.ID, symlink string, count int) (string, error) {
	meta, err := readMetadata(p.dir, p.unit, count)
	if err != nil {
		return "", err
	}
	return s.registrar.Register(ctx, registry.RegisterRequest{
		RootPath:    p.dir,
		SymlinkPath: symlink,
		Owner:       p.owner,
		UnitName:    p.unit,
		Identity:    id,
		Metadata:    meta,
	})
}

// classifyClaimed distinguishes a completed registration from a claim whose
// registration never finished. Neither is registered again.
func (s *Scanner) classifyClaimed(ctx context.Context, ur UnitResult) UnitResult {
	unit, err := s.queue.Get(ctx, ur.Identity)
	switch {
	case err == nil && unit.State == storage.UnitRegistered:
		ur.ProjectID = unit.ProjectID
		return s.skip(ur, OutcomeAlreadyClaimed, nil)
	case err == nil || storage.IsNoRows(err):
		logging.Warn("Scanner", "identity %s is claimed but has no completed registration; remove the symlink to retry", ur.Identity)
		return s.skip(ur, OutcomeOrphaned, nil)
	default:
		logging.Error("Scanner", err, "cannot read work queue for %s", ur.Identity)
		return s.skip(ur, OutcomeAlreadyClaimed, nil)
	}
}

func (s *Scanner) rollback(ctx context.Context, id identity.ID, cause error, pending bool) {
	if err := s.claims.Release(ctx, id); err != nil {
		logging.Error("Scanner", err, "failed to remove identity symlink %s after failure", id)
	}
	if pending {
		if err := s.queue.MarkFailed(ctx, id.String(), cause); err != nil {
			logging.Error("Scanner", err, "failed to record failure for %s", id)
		}
	}
}

func (s *Scanner) skip(ur UnitResult, outcome Outcome, err error) UnitResult {
	ur.Outcome = outcome
	if err != nil {
		ur.Error = err.Error()
	}
	metrics.UnitsSkipped.WithLabelValues(string(outcome)).Inc()

	switch {
	case outcome == OutcomeFailed:
		logging.Error("Scanner", err, "unit %s/%s failed", ur.Owner, ur.Unit)
	case errs.Is(err, errs.KindValidation):
		logging.Warn("Scanner", "skipping %s/%s: %v", ur.Owner, ur.Unit, err)
	default:
		logging.Debug("Scanner", "skipping %s/%s: %s", ur.Owner, ur.Unit, outcome)
	}
	return ur
}
