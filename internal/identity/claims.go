package identity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
)

// ClaimSet is the set of identities that have been taken by an ingestion
// path. Claim is an atomic insert-if-absent.
type ClaimSet interface {
	// Claim records id as taken, pointing at target. It returns false
	// without error when id was already claimed.
	Claim(ctx context.Context, id ID, target string) (bool, error)
	// Release removes the claim. Releasing an absent claim is not an error.
	Release(ctx context.Context, id ID) error
	// Claimed reports whether id is currently claimed.
	Claimed(ctx context.Context, id ID) (bool, error)
}

// SymlinkClaims stores claims as identity symlinks inside Dir. os.Symlink
// fails with EEXIST when the name is taken, which gives the atomicity.
type SymlinkClaims struct {
	Dir string
}

// NewSymlinkClaims creates the claim directory if needed.
func NewSymlinkClaims(dir string) (*SymlinkClaims, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create claim dir %s: %w", dir, err)
	}
	return &SymlinkClaims{Dir: dir}, nil
}

// Path is the location of the identity symlink for id.
func (s *SymlinkClaims) Path(id ID) string {
	return filepath.Join(s.Dir, string(id))
}

func (s *SymlinkClaims) Claim(_ context.Context, id ID, target string) (bool, error) {
	err := os.Symlink(target, s.Path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	return false, fmt.Errorf("create identity symlink %s: %w", id, err)
}

func (s *SymlinkClaims) Release(_ context.Context, id ID) error {
	fi, err := os.Lstat(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&fs.ModeSymlink == 0 {
		return errs.Validation("identity.Release", "%s is not a symlink, refusing to remove", s.Path(id))
	}
	if err := os.Remove(s.Path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Claimed only counts symlinks. A regular file or directory with the same
// name is reported as a validation error since it was not created by a claim.
func (s *SymlinkClaims) Claimed(_ context.Context, id ID) (bool, error) {
	fi, err := os.Lstat(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if fi.Mode()&fs.ModeSymlink == 0 {
		return false, errs.Validation("identity.Claimed", "%s exists but is not a symlink", s.Path(id))
	}
	return true, nil
}

// Target returns where the identity symlink for id points.
func (s *SymlinkClaims) Target(id ID) (string, error) {
	return os.Readlink(s.Path(id))
}

// MemoryClaims is an in-process ClaimSet.
type MemoryClaims struct {
	mu     sync.Mutex
	claims map[ID]string
}

func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{claims: make(map[ID]string)}
}

func (m *MemoryClaims) Claim(_ context.Context, id ID, target string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[id]; ok {
		return false, nil
	}
	m.claims[id] = target
	return true, nil
}

func (m *MemoryClaims) Release(_ context.Context, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, id)
	return nil
}

func (m *MemoryClaims) Claimed(_ context.Context, id ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.claims[id]
	return ok, nil
}
