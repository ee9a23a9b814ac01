package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	serrors "github.com/Aman-CERP/stellasearch/internal/errors"
	"github.com/Aman-CERP/stellasearch/internal/exclude"
	"github.com/Aman-CERP/stellasearch/internal/scanner"
	"github.com/Aman-CERP/stellasearch/internal/store"
)

// ErrSourceClosed is returned by Run when the event source went away while
// the watcher was still supposed to be running.
var ErrSourceClosed = serrors.ErrWatchSourceClosed

// ErrNoRoots is returned by Run when none of the roots could be watched.
var ErrNoRoots = errors.New("no watchable roots")

// pollWait bounds how long Run blocks on the event channel before checking
// the stop signal again.
const pollWait = time.Second

// Index is the part of the store the watcher writes to.
type Index interface {
	Upsert(ctx context.Context, path string, isDir bool, size int64) error
	Delete(ctx context.Context, path string) error
	DeleteSubtree(ctx context.Context, prefix string) (int64, error)
	Get(ctx context.Context, path string) (store.Record, bool, error)
}

var _ Index = (*store.Store)(nil)

// Watcher applies debounced filesystem events to the index.
type Watcher struct {
	index  Index
	src    EventSource
	policy *exclude.Policy
	wait   time.Duration

	applied atomic.Int64
	failed  atomic.Int64
}

// New creates a Watcher. It owns src and closes it when Run returns.
func New(index Index, src EventSource, policy *exclude.Policy) *Watcher {
	if policy == nil {
		policy = exclude.Default()
	}
	return &Watcher{index: index, src: src, policy: policy, wait: pollWait}
}

// Run watches roots until stop fires or ctx is cancelled, both of which
// return nil. It returns ErrSourceClosed if the event source dies first.
func (w *Watcher) Run(ctx context.Context, roots []string, stop scanner.StopSignal) error {
	registered := 0
	for _, root := range roots {
		if err := w.src.Add(root); err != nil {
			slog.Warn("cannot watch root", slog.String("root", root), slog.String("error", err.Error()))
			continue
		}
		registered++
	}
	if registered == 0 {
		_ = w.src.Close()
		return fmt.Errorf("%w among %d configured", ErrNoRoots, len(roots))
	}
	slog.Info("watching for changes", slog.Int("roots", registered))

	runCtx, cancel := context.WithCancel(ctx)
	srcDone := make(chan error, 1)
	go func() { srcDone <- w.src.Run(runCtx) }()
	defer func() {
		cancel()
		_ = w.src.Close()
		<-srcDone
	}()

	ticker := time.NewTicker(w.wait)
	defer ticker.Stop()

	for {
		if stop.Stopped() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-w.src.Batches():
			if !ok {
				if stop.Stopped() || ctx.Err() != nil {
					return nil
				}
				return ErrSourceClosed
			}
			w.Apply(ctx, batch)
		case <-ticker.C:
		}
	}
}

// Apply writes a batch of events to the index. Failures are logged and
// counted; the remaining events are still applied.
func (w *Watcher) Apply(ctx context.Context, events []FileEvent) {
	for _, ev := range events {
		if err := w.apply(ctx, ev); err != nil {
			w.failed.Add(1)
			slog.Warn("failed to apply change",
				slog.String("path", ev.Path),
				slog.String("op", ev.Operation.String()),
				slog.String("error", err.Error()))
			continue
		}
		w.applied.Add(1)
	}
}

func (w *Watcher) apply(ctx context.Context, ev FileEvent) error {
	if w.policy.Excluded(ev.Path) {
		return nil
	}

	switch ev.Operation {
	case OpCreate, OpModify:
		info, err := os.Lstat(ev.Path)
		if errors.Is(err, fs.ErrNotExist) {
			// Gone again before the window closed.
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return nil
		}
		var size int64
		if !info.IsDir() {
			size = info.Size()
		}
		return w.index.Upsert(ctx, ev.Path, info.IsDir(), size)

	case OpDelete:
		if w.wasDir(ctx, ev.Path) {
			w.src.Forget(ev.Path)
			_, err := w.index.DeleteSubtree(ctx, ev.Path)
			return err
		}
		return w.index.Delete(ctx, ev.Path)
	}
	return nil
}

// wasDir reports whether a removed path was a directory. The path no
// longer exists, so the answer comes from the watch registry or the index.
func (w *Watcher) wasDir(ctx context.Context, path string) bool {
	if w.src.KnownDir(path) {
		return true
	}
	rec, found, err := w.index.Get(ctx, path)
	if err != nil {
		slog.Debug("directory lookup failed", slog.String("path", path), slog.String("error", err.Error()))
		return false
	}
	return found && rec.IsDirectory
}

// Applied returns the number of events written to the index.
func (w *Watcher) Applied() int64 {
	return w.applied.Load()
}

// Failed returns the number of events the index rejected.
func (w *Watcher) Failed() int64 {
	return w.failed.Load()
}
