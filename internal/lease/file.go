package lease

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

// File is a lock file created with O_EXCL holding the owner's pid. A lock
// file whose pid is no longer running is treated as stale and replaced.
type File struct {
	Path string
}

func (f *File) TryAcquire(context.Context) (func(), error) {
	for attempt := 0; attempt < 2; attempt++ {
		fh, err := os.OpenFile(f.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fh.WriteString(strconv.Itoa(os.Getpid()))
			cerr := fh.Close()
			if werr != nil || cerr != nil {
				os.Remove(f.Path)
				return nil, fmt.Errorf("write lock file %s: %w", f.Path, errors.Join(werr, cerr))
			}
			return onceFunc(func() {
				if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					logging.Error("Lease", err, "failed to remove lock file %s", f.Path)
				}
			}), nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock file %s: %w", f.Path, err)
		}
		if !f.stale() {
			return nil, ErrHeld
		}
		logging.Warn("Lease", "removing stale lock file %s", f.Path)
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock file %s: %w", f.Path, err)
		}
	}
	return nil, ErrHeld
}

func (f *File) stale() bool {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		// a partially written file from a crashed owner
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	err = proc.Signal(syscall.Signal(0))
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}
