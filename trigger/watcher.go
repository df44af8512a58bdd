// Package trigger watches repository working copies and enqueues an
// observation job once changes to a repository settle.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/unit09/jobqueue"
)

// Target is one watched working copy.
type Target struct {
	RepoKey string
	Path    string
}

// Config configures the watcher.
type Config struct {
	Targets []Target

	// Debounce is how long a repository must stay quiet before it is
	// observed again.
	Debounce time.Duration

	// Include limits which changed files count, as doublestar globs over
	// paths relative to the target root. Empty means every file.
	Include []string

	Logger *slog.Logger
}

// Enqueuer is the queue surface the watcher writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, p jobqueue.Payload) (*jobqueue.Job, error)
}

// Watcher turns file changes into observeRepo jobs.
type Watcher struct {
	config  Config
	queue   Enqueuer
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]time.Time // repo key -> last change

	byKey map[string]Target
	done  chan struct{}
}

// NewWatcher validates cfg and opens the fsnotify handle.
func NewWatcher(cfg Config, q Enqueuer) (*Watcher, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.New("trigger: no targets")
	}
	for _, p := range cfg.Include {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("trigger: bad include pattern %q", p)
		}
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	byKey := make(map[string]Target, len(cfg.Targets))
	for i, t := range cfg.Targets {
		abs, err := filepath.Abs(t.Path)
		if err != nil {
			return nil, fmt.Errorf("trigger: resolve %s: %w", t.Path, err)
		}
		t.Path = abs
		cfg.Targets[i] = t
		byKey[t.RepoKey] = t
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("trigger: %w", err)
	}
	return &Watcher{
		config:  cfg,
		queue:   q,
		watcher: fsw,
		logger:  logger,
		pending: make(map[string]time.Time),
		byKey:   byKey,
		done:    make(chan struct{}),
	}, nil
}

// Start adds recursive watches for every target and processes events until
// ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	for _, t := range w.config.Targets {
		if err := w.addWatchesRecursive(t.Path); err != nil {
			return fmt.Errorf("trigger: watch %s: %w", t.Path, err)
		}
	}
	go w.processEvents(ctx)

	w.logger.Info("File watcher started", "targets", len(w.config.Targets), "debounce", w.config.Debounce)
	return nil
}

// Stop closes the fsnotify handle.
func (w *Watcher) Stop() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.watcher.Close()
}

func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	interval := w.config.Debounce / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event, time.Now())
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)
		case now := <-ticker.C:
			w.flushPending(ctx, now)
		}
	}
}

// handleFSEvent marks the owning target as changed.
func (w *Watcher) handleFSEvent(event fsnotify.Event, at time.Time) {
	target, rel, ok := w.owner(event.Name)
	if !ok {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if skipDir(filepath.Base(event.Name)) {
				return
			}
			if err := w.addWatchesRecursive(event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}
	if !w.included(rel) {
		return
	}

	w.pendingMu.Lock()
	w.pending[target.RepoKey] = at
	w.pendingMu.Unlock()
	w.logger.Debug("File change detected", "repo_key", target.RepoKey, "path", rel, "op", event.Op.String())
}

// flushPending enqueues one observation per target that has been quiet
// for the debounce delay.
func (w *Watcher) flushPending(ctx context.Context, now time.Time) {
	var ready []Target
	w.pendingMu.Lock()
	for key, last := range w.pending {
		if now.Sub(last) >= w.config.Debounce {
			ready = append(ready, w.byKey[key])
			delete(w.pending, key)
		}
	}
	w.pendingMu.Unlock()

	for _, t := range ready {
		job, err := w.queue.Enqueue(ctx, jobqueue.ObserveRepo{
			RepoSource: jobqueue.RepoSource{RepoKey: t.RepoKey, Path: t.Path},
		})
		if err != nil {
			w.logger.Error("Failed to enqueue observation", "repo_key", t.RepoKey, "error", err)
			continue
		}
		w.logger.Info("Observation enqueued after change", "repo_key", t.RepoKey, "job_id", job.ID)
	}
}

// owner finds the target containing path and the path relative to it.
func (w *Watcher) owner(path string) (Target, string, bool) {
	best, bestRel, found := Target{}, "", false
	for _, t := range w.config.Targets {
		rel, err := filepath.Rel(t.Path, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if !found || len(t.Path) > len(best.Path) {
			best, bestRel, found = t, filepath.ToSlash(rel), true
		}
	}
	return best, bestRel, found
}

func (w *Watcher) included(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if skipDir(part) {
			return false
		}
	}
	if len(w.config.Include) == 0 {
		return true
	}
	for _, p := range w.config.Include {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func skipDir(name string) bool {
	if strings.HasPrefix(name, ".") && name != "." {
		return true
	}
	switch name {
	case "vendor", "node_modules", "__pycache__":
		return true
	}
	return false
}
