package importer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/abdul-hamid-achik/sfmimport/internal/config"
	"github.com/abdul-hamid-achik/sfmimport/internal/logger"
)

// WatcherConfig configures the input watcher.
type WatcherConfig struct {
	// Debounce is the duration to wait before processing changes.
	// Multiple changes within this window are batched together.
	Debounce time.Duration

	// IgnorePatterns are gitignore-style patterns matched against file names.
	IgnorePatterns []string

	// DirIgnorePatterns are extra patterns applied only to events from the
	// keyed directory.
	DirIgnorePatterns map[string][]string
}

// DefaultWatcherConfig returns the watcher defaults. Editor and partial
// download leftovers never trigger an import.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Debounce: 2 * time.Second,
		IgnorePatterns: []string{
			"*.tmp",
			"*.part",
			"*~",
			".#*",
			ignoreFile,
		},
	}
}

// WatchEvent represents a change to one input file.
type WatchEvent struct {
	Path      string
	Op        WatchOp
	Timestamp time.Time
}

// WatchOp represents the type of file system operation.
type WatchOp int

const (
	OpCreate WatchOp = iota
	OpWrite
	OpRemove
	OpRename
)

func (op WatchOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// WatchCallback receives every change batched since the last call.
type WatchCallback func(events []WatchEvent)

// Watcher monitors the feature and match directories of a dataset.
type Watcher struct {
	config    WatcherConfig
	watcher   *fsnotify.Watcher
	ignore    *gitignore.GitIgnore
	dirIgnore map[string]*gitignore.GitIgnore
	callback  WatchCallback
	dirs      []string

	pendingMu sync.Mutex
	pending   map[string]WatchEvent

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a watcher over dirs. Directories are not watched
// recursively; the inputs are flat.
func NewWatcher(dirs []string, cfg WatcherConfig) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultWatcherConfig().Debounce
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dirIgnore := make(map[string]*gitignore.GitIgnore, len(cfg.DirIgnorePatterns))
	for dir, patterns := range cfg.DirIgnorePatterns {
		dirIgnore[filepath.Clean(dir)] = gitignore.CompileIgnoreLines(patterns...)
	}

	return &Watcher{
		config:    cfg,
		watcher:   fsWatcher,
		ignore:    gitignore.CompileIgnoreLines(cfg.IgnorePatterns...),
		dirIgnore: dirIgnore,
		dirs:      dirs,
		pending: make(map[string]WatchEvent),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// SetCallback sets the callback function for change batches.
func (w *Watcher) SetCallback(cb WatchCallback) {
	w.callback = cb
}

// Start begins watching. Events are processed until ctx is done or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
	return w.watcher.Close()
}

func (w *Watcher) shouldIgnore(path string) bool {
	name := filepath.Base(path)
	if w.ignore.MatchesPath(name) {
		return true
	}
	if m, ok := w.dirIgnore[filepath.Dir(path)]; ok {
		return m.MatchesPath(name)
	}
	return false
}

// processEvents processes file system events with debouncing.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.shouldIgnore(event.Name) {
		return
	}

	if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			return
		}
	}

	var op WatchOp
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
	case event.Op&fsnotify.Write != 0:
		op = OpWrite
	case event.Op&fsnotify.Remove != 0:
		op = OpRemove
	case event.Op&fsnotify.Rename != 0:
		op = OpRename
	default:
		return
	}

	w.pendingMu.Lock()
	w.pending[event.Name] = WatchEvent{
		Path:      event.Name,
		Op:        op,
		Timestamp: time.Now(),
	}
	w.pendingMu.Unlock()
}

// flushPending sends all pending events to the callback.
func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}

	events := make([]WatchEvent, 0, len(w.pending))
	for _, e := range w.pending {
		events = append(events, e)
	}
	w.pending = make(map[string]WatchEvent)
	w.pendingMu.Unlock()

	if w.callback != nil {
		w.callback(events)
	}
}

// ResultCallback receives the outcome of every import the watcher triggers.
type ResultCallback func(*Result, error)

// WatchAndImport watches the keypoints, descriptors and matches directories
// of cfg's dataset and reruns the full import after each quiet period.
// The import is destructive and idempotent, so any change reruns all of it.
func WatchAndImport(ctx context.Context, imp *Importer, cfg *config.Config, onResult ResultCallback) (*Watcher, error) {
	dirs := []string{
		cfg.KeypointsPath(),
		cfg.DescriptorsPath(),
		cfg.MatchesPath(),
	}

	wcfg := DefaultWatcherConfig()
	if cfg.Import.Debounce > 0 {
		wcfg.Debounce = cfg.Import.Debounce
	}
	// Match-file patterns never hide feature changes.
	wcfg.DirIgnorePatterns = map[string][]string{
		cfg.MatchesPath(): cfg.Import.IgnorePatterns,
	}

	watcher, err := NewWatcher(dirs, wcfg)
	if err != nil {
		return nil, err
	}

	watcher.SetCallback(func(events []WatchEvent) {
		logger.Info("inputs changed, reimporting", "changes", len(events))
		result, err := imp.Run(ctx)
		if err != nil {
			logger.Error("reimport failed", "error", err)
		}
		if onResult != nil {
			onResult(result, err)
		}
	})

	if err := watcher.Start(ctx); err != nil {
		watcher.watcher.Close()
		return nil, err
	}
	return watcher, nil
}
