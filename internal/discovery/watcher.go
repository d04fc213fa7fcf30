package discovery

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/modhost/internal/module/manifest"
)

// DefaultDebounce is how long a module directory must be quiet before a
// change is reported.
const DefaultDebounce = 250 * time.Millisecond

// ErrWatcherClosed is returned after Close.
var ErrWatcherClosed = errors.New("watcher is closed")

// ChangeOp describes what happened to a module directory.
type ChangeOp int

const (
	// ChangeAdded means a manifest appeared in a new directory.
	ChangeAdded ChangeOp = iota + 1
	// ChangeModified means files in a known module directory changed.
	ChangeModified
	// ChangeRemoved means the module directory or its manifest is gone.
	ChangeRemoved
)

// String returns a string representation of the op.
func (op ChangeOp) String() string {
	switch op {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is a debounced change to one module directory.
type Change struct {
	Candidate Candidate
	Op        ChangeOp
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a change is reported.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.delay = d
		}
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// Watcher reports module directories that were added, modified or removed
// under a set of roots.
type Watcher struct {
	mu sync.Mutex

	fsw    *fsnotify.Watcher
	roots  map[string]Root
	known  map[string]bool
	delay  time.Duration
	logger *slog.Logger

	pending map[string]*time.Timer
	changes chan Change
	errors  chan error

	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// NewWatcher starts watching roots and every module directory already in
// them. Missing roots are skipped.
func NewWatcher(roots []Root, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:     fsw,
		roots:   make(map[string]Root),
		known:   make(map[string]bool),
		delay:   DefaultDebounce,
		logger:  slog.Default(),
		pending: make(map[string]*time.Timer),
		changes: make(chan Change, 64),
		errors:  make(chan error, 16),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "watcher")

	for _, root := range roots {
		abs, err := filepath.Abs(root.Path)
		if err != nil {
			_ = fsw.Close()
			return nil, err
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			w.logger.Debug("module root not watched", "root", abs)
			continue
		}
		if err := fsw.Add(abs); err != nil {
			_ = fsw.Close()
			return nil, err
		}
		root.Path = abs
		w.roots[abs] = root

		entries, err := os.ReadDir(abs)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(abs, e.Name())
			if err := fsw.Add(dir); err == nil && manifest.Exists(dir) {
				w.known[dir] = true
			}
		}
	}

	w.closedWg.Add(1)
	go w.processLoop()
	return w, nil
}

// Changes returns the change channel. It is closed by Close.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Errors returns the error channel. It is closed by Close.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	for dir, t := range w.pending {
		t.Stop()
		delete(w.pending, dir)
	}
	w.mu.Unlock()

	err := w.fsw.Close()
	w.closedWg.Wait()
	close(w.changes)
	close(w.errors)
	return err
}

func (w *Watcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
				// Channel full, drop error
			}
		}
	}
}

// handle maps a file event to its module directory and restarts that
// directory's debounce timer.
func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	dir, ok := w.moduleDir(ev.Name)
	if !ok {
		return
	}

	if ev.Name == dir && ev.Has(fsnotify.Create) {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			_ = w.fsw.Add(dir)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[dir]; ok {
		t.Reset(w.delay)
		return
	}
	w.pending[dir] = time.AfterFunc(w.delay, func() { w.fire(dir) })
}

// moduleDir returns the direct child of a watched root that contains path.
func (w *Watcher) moduleDir(path string) (string, bool) {
	for p := path; ; {
		parent := filepath.Dir(p)
		if parent == p {
			return "", false
		}
		if _, ok := w.roots[parent]; ok {
			return p, true
		}
		p = parent
	}
}

func (w *Watcher) fire(dir string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.pending, dir)

	exists := manifest.Exists(dir)
	wasKnown := w.known[dir]
	var op ChangeOp
	switch {
	case exists && wasKnown:
		op = ChangeModified
	case exists:
		op = ChangeAdded
		w.known[dir] = true
	case wasKnown:
		op = ChangeRemoved
		delete(w.known, dir)
	default:
		w.mu.Unlock()
		return
	}
	root := w.roots[filepath.Dir(dir)]
	defer w.mu.Unlock()

	// Sent under mu so Close cannot close the channel mid-send.
	change := Change{Candidate: Candidate{Path: dir, IsSystem: root.IsSystem}, Op: op}
	select {
	case w.changes <- change:
		w.logger.Debug("module directory changed", "dir", dir, "op", op)
	default:
		w.logger.Warn("change channel full, dropping change", "dir", dir, "op", op)
	}
}
