package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

// DefaultDebounceInterval is how long the watcher waits after the last
// filesystem event before triggering a scan.
const DefaultDebounceInterval = 2 * time.Second

// Runner calls Scan on a fixed interval and, when Watch is set, shortly
// after a ready marker appears anywhere under the root.
type Runner struct {
	Scanner  *Scanner
	Interval time.Duration
	Watch    bool
	Debounce time.Duration

	// OnResult observes every finished scan. Optional.
	OnResult func(*Result, error)
}

// Run blocks until ctx is cancelled. An in-flight scan finishes its current
// unit before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	if r.Interval <= 0 {
		return errors.New("scan interval must be positive")
	}
	if r.Debounce <= 0 {
		r.Debounce = DefaultDebounceInterval
	}

	wake := make(chan struct{}, 1)
	if r.Watch {
		stop, err := r.startWatcher(ctx, wake)
		if err != nil {
			logging.Warn("Scanner", "fsnotify not available, falling back to polling every %s: %v", r.Interval, err)
		} else {
			defer stop()
		}
	}

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
		r.runOnce(ctx)
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	res, err := r.Scanner.Scan(ctx)
	if err != nil && !errors.Is(err, ErrScanInProgress) {
		logging.Error("Scanner", err, "scan failed")
	}
	if r.OnResult != nil {
		r.OnResult(res, err)
	}
}

func (r *Runner) startWatcher(ctx context.Context, wake chan<- struct{}) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := addTree(w, r.Scanner.root); err != nil {
		w.Close()
		return nil, err
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	trigger := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(r.Debounce, func() {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create == 0 {
					continue
				}
				if fi, err := os.Lstat(ev.Name); err == nil && fi.IsDir() && depth(r.Scanner.root, ev.Name) <= 2 {
					if err := w.Add(ev.Name); err != nil {
						logging.Warn("Scanner", "cannot watch %s: %v", ev.Name, err)
					}
					// the marker may have landed before the watch was added
					trigger()
					continue
				}
				if filepath.Base(ev.Name) == ReadyMarker {
					logging.Debug("Scanner", "ready marker created: %s", ev.Name)
					trigger()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.Error("Scanner", err, "fsnotify error")
			}
		}
	}()

	logging.Info("Scanner", "watching %s for ready markers", r.Scanner.root)
	return func() {
		w.Close()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}, nil
}

// addTree watches root and the owner and unit directories below it.
func addTree(w *fsnotify.Watcher, root string) error {
	if err := w.Add(root); err != nil {
		return err
	}
	owners, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, o := range owners {
		if !o.IsDir() || strings.HasPrefix(o.Name(), ".") {
			continue
		}
		ownerDir := filepath.Join(root, o.Name())
		if err := w.Add(ownerDir); err != nil {
			return err
		}
		units, err := os.ReadDir(ownerDir)
		if err != nil {
			continue
		}
		for _, u := range units {
			if u.IsDir() {
				if err := w.Add(filepath.Join(ownerDir, u.Name())); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(filepath.ToSlash(rel), "/"))
}
