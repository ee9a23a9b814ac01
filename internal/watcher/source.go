package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/stellasearch/internal/exclude"
)

// Source watches directory trees with fsnotify. fsnotify watches are not
// recursive, so every directory is registered individually and new
// directories are registered as they appear.
type Source struct {
	fsWatcher *fsnotify.Watcher
	debouncer *Debouncer
	policy    *exclude.Policy
	dirs      *lru.Cache[string, struct{}]
	mu        sync.Mutex
	closed    bool
	done      chan struct{}
}

var _ EventSource = (*Source)(nil)

// NewSource creates an fsnotify-backed source filtering with policy.
func NewSource(policy *exclude.Policy, opts Options) (*Source, error) {
	opts = opts.WithDefaults()
	if policy == nil {
		policy = exclude.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dirs, err := lru.New[string, struct{}](opts.DirCacheSize)
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("create directory cache: %w", err)
	}

	return &Source{
		fsWatcher: fsw,
		debouncer: NewDebouncer(opts.Debounce, opts.BufferSize),
		policy:    policy,
		dirs:      dirs,
		done:      make(chan struct{}),
	}, nil
}

// Add registers root and its non-excluded subdirectories. Unreadable
// subdirectories are skipped; only an unreadable root is an error.
func (s *Source) Add(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("watch root %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch root %s: not a directory", root)
	}
	s.register(root, nil)
	return nil
}

// register walks dir adding watches. When found is non-nil it also receives
// every entry below dir, which lets a newly created directory report the
// files that landed in it before its watch existed.
func (s *Source) register(dir string, found func(path string)) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if path != dir && s.policy.Excluded(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if found != nil && path != dir {
			found(path)
		}
		if !d.IsDir() {
			return nil
		}
		if err := s.fsWatcher.Add(path); err != nil {
			slog.Debug("cannot watch directory",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil
		}
		s.dirs.Add(path, struct{}{})
		return nil
	})
}

// Batches returns the debounced event channel.
func (s *Source) Batches() <-chan []FileEvent {
	return s.debouncer.Output()
}

// KnownDir reports whether path was registered as a directory.
func (s *Source) KnownDir(path string) bool {
	return s.dirs.Contains(path)
}

// Forget drops path from the registered directory set.
func (s *Source) Forget(path string) {
	s.dirs.Remove(path)
}

// Run converts fsnotify events until ctx is done or Close is called. If
// fsnotify closes its channels on its own the debounced channel is closed
// too, which consumers observe as a lost source.
func (s *Source) Run(ctx context.Context) error {
	defer s.debouncer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case event, ok := <-s.fsWatcher.Events:
			if !ok {
				return nil
			}
			s.handle(event)
		case err, ok := <-s.fsWatcher.Errors:
			if !ok {
				return nil
			}
			// Overflow and similar errors lose events but the watch stays up.
			slog.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (s *Source) handle(event fsnotify.Event) {
	path := event.Name
	if s.policy.Excluded(path) {
		return
	}
	now := time.Now()

	switch {
	case event.Has(fsnotify.Create):
		s.debouncer.Add(FileEvent{Path: path, Operation: OpCreate, Timestamp: now})
		if info, err := os.Lstat(path); err == nil && info.IsDir() {
			s.register(path, func(child string) {
				s.debouncer.Add(FileEvent{Path: child, Operation: OpCreate, Timestamp: now})
			})
		}
	case event.Has(fsnotify.Write):
		s.debouncer.Add(FileEvent{Path: path, Operation: OpModify, Timestamp: now})
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// The new name of a rename arrives as its own Create.
		s.debouncer.Add(FileEvent{Path: path, Operation: OpDelete, Timestamp: now})
	}
	// Chmod-only events carry nothing the index stores.
}

// Close stops the source and releases the OS watches.
// Safe to call multiple times.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.debouncer.Stop()
	return s.fsWatcher.Close()
}
