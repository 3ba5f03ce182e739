package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/compkit"
)

// Watcher hot-deploys a directory of declaration files: files present at
// start are applied, and create, write, remove and rename events keep the
// framework reconciled afterwards. An optional cron schedule rescans the
// whole directory to recover from missed events.
type Watcher struct {
	dir      string
	deployer *Deployer
	logger   compkit.Logger
	rescan   string
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithRescan adds a periodic full rescan of the deploy directory, using a
// cron expression ("@every 30s", "*/5 * * * *", ...).
func WithRescan(spec string) WatcherOption {
	return func(w *Watcher) { w.rescan = spec }
}

// NewWatcher creates a Watcher over the directory.
func NewWatcher(dir string, deployer *Deployer, logger compkit.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = compkit.NopLogger{}
	}
	w := &Watcher{dir: dir, deployer: deployer, logger: logger}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run applies the directory's current contents and then processes file
// events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	if err := w.Rescan(); err != nil {
		w.logger.Error("initial deploy scan failed", "dir", w.dir, "error", err)
	}

	var sched *cron.Cron
	if w.rescan != "" {
		sched = cron.New()
		if _, err := sched.AddFunc(w.rescan, func() {
			if err := w.Rescan(); err != nil {
				w.logger.Error("deploy rescan failed", "dir", w.dir, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("rescan schedule %q: %w", w.rescan, err)
		}
		sched.Start()
		defer sched.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", "dir", w.dir, "error", err)
		}
	}
}

// Rescan applies every declaration file currently in the directory and
// removes state for files that vanished.
func (w *Watcher) Rescan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", w.dir, err)
	}

	present := make(map[string]struct{})
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !SupportedFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var firstErr error
	for _, name := range names {
		path := filepath.Join(w.dir, name)
		present[path] = struct{}{}
		if err := w.deployer.ApplyFile(path); err != nil {
			w.logger.Error("failed to apply declaration", "file", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	// Drop files that disappeared between events.
	w.deployer.mu.Lock()
	stale := make([]string, 0)
	for path := range w.deployer.deployed {
		if filepath.Dir(path) != w.dir {
			continue
		}
		if _, ok := present[path]; !ok {
			stale = append(stale, path)
		}
	}
	w.deployer.mu.Unlock()
	for _, path := range stale {
		w.deployer.RemoveFile(path)
	}
	return firstErr
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !SupportedFile(ev.Name) {
		return
	}
	switch {
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		if err := w.deployer.ApplyFile(ev.Name); err != nil {
			w.logger.Error("failed to apply declaration", "file", ev.Name, "error", err)
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.deployer.RemoveFile(ev.Name)
	}
}
