// Package indexer sequences the initial scan, explicit reindexes and the
// long-running watch phase over one store, and owns the ScanState that
// status queries read.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/stellasearch/internal/exclude"
	"github.com/Aman-CERP/stellasearch/internal/fastscan"
	"github.com/Aman-CERP/stellasearch/internal/scanner"
	"github.com/Aman-CERP/stellasearch/internal/store"
	"github.com/Aman-CERP/stellasearch/internal/volume"
	"github.com/Aman-CERP/stellasearch/internal/watcher"
)

// Settings is the part of the configuration the indexer acts on.
type Settings struct {
	// Roots are the directories to scan and watch.
	Roots []string
	// Policy decides which entries are indexed. Nil means exclude.Default().
	Policy *exclude.Policy
	// FastScan enables reading NTFS volume tables before walking.
	FastScan bool
	// BatchSize is the number of records per write transaction.
	BatchSize int
	// Debounce is the watcher's quiet window.
	Debounce time.Duration
}

// Options holds test seams. The zero value uses the real system.
type Options struct {
	// Volumes lists mounted volumes for the fast scanner.
	Volumes volume.Lister
	// OpenDevice opens raw volumes for the fast scanner.
	OpenDevice fastscan.OpenFunc
	// Progress, if set, observes scan progress after ScanState records it.
	Progress scanner.Progress
}

// Indexer runs scans and the watcher against a store.
type Indexer struct {
	store *store.Store
	state *ScanState
	opts  Options

	mu       sync.RWMutex
	settings Settings

	// scanMu serializes the initial scan and reindexes.
	scanMu sync.Mutex

	watchMu      sync.Mutex
	watchCancel  context.CancelFunc
	watchRestart atomic.Bool
	watchRuns    atomic.Int64
	changed      chan struct{}
}

// New creates an Indexer over st.
func New(st *store.Store, settings Settings, opts Options) *Indexer {
	return &Indexer{
		store:    st,
		state:    &ScanState{},
		opts:     opts,
		settings: normalize(settings),
		changed:  make(chan struct{}, 1),
	}
}

func normalize(s Settings) Settings {
	if s.Policy == nil {
		s.Policy = exclude.Default()
	}
	if s.BatchSize <= 0 {
		s.BatchSize = scanner.DefaultBatchSize
	}
	if s.Debounce <= 0 {
		s.Debounce = watcher.DefaultOptions().Debounce
	}
	s.Roots = append([]string(nil), s.Roots...)
	return s
}

// State returns the shared scan state.
func (ix *Indexer) State() *ScanState {
	return ix.state
}

// Settings returns a copy of the current settings.
func (ix *Indexer) Settings() Settings {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s := ix.settings
	s.Roots = append([]string(nil), s.Roots...)
	return s
}

// UpdateSettings replaces the settings. A running watcher is restarted so
// it picks up new roots and exclusions; scans use them from their next run.
func (ix *Indexer) UpdateSettings(s Settings) {
	ix.mu.Lock()
	ix.settings = normalize(s)
	ix.mu.Unlock()

	select {
	case ix.changed <- struct{}{}:
	default:
	}

	ix.watchMu.Lock()
	defer ix.watchMu.Unlock()
	if ix.watchCancel != nil {
		ix.watchRestart.Store(true)
		ix.watchCancel()
	}
}

// RequestStop asks every scan and the watcher to finish. It cannot be
// undone by the indexer.
func (ix *Indexer) RequestStop() {
	ix.state.RequestStop()
}

// Reset clears the stop signal so a new generation can run on the same
// Indexer.
func (ix *Indexer) Reset() {
	ix.state.Reset()
}

// StartInitialScan indexes every root unless a previous scan completed and
// the index holds files. It blocks until the scan finishes or stops.
func (ix *Indexer) StartInitialScan(ctx context.Context) error {
	ix.scanMu.Lock()
	defer ix.scanMu.Unlock()

	if ix.state.Stopped() {
		return nil
	}

	populated, err := ix.populated(ctx)
	if err != nil {
		return err
	}
	if populated {
		slog.Info("index already populated, skipping initial scan")
		ix.state.SetProgress(1)
		return nil
	}

	return ix.fullScan(ctx)
}

func (ix *Indexer) populated(ctx context.Context) (bool, error) {
	done, err := ix.store.ScanCompleted(ctx)
	if err != nil {
		return false, fmt.Errorf("read scan marker: %w", err)
	}
	if !done {
		return false, nil
	}
	stats, err := ix.store.Stats(ctx)
	if err != nil {
		return false, fmt.Errorf("read index stats: %w", err)
	}
	return stats.IndexedFiles > 0, nil
}

// fullScan scans every root in bulk mode and records completion unless the
// scan was stopped. Callers hold scanMu.
func (ix *Indexer) fullScan(ctx context.Context) error {
	s := ix.Settings()

	ix.state.Begin()
	defer ix.state.Finish()

	if err := ix.store.SetBulkMode(ctx, true); err != nil {
		slog.Warn("bulk mode unavailable, scanning with durable writes", slog.String("error", err.Error()))
	} else {
		defer func() {
			if err := ix.store.SetBulkMode(context.WithoutCancel(ctx), false); err != nil {
				slog.Error("failed to restore durable write mode", slog.String("error", err.Error()))
			}
		}()
	}

	start := time.Now()
	slog.Info("initial scan started", slog.Int("roots", len(s.Roots)), slog.Bool("fast_scan", s.FastScan))

	res := ix.scan(ctx, s, s.Roots)
	ix.state.SetProgress(1)

	slog.Info("initial scan finished",
		slog.Int64("indexed", res.Indexed),
		slog.Int("failed_batches", res.FailedBatches),
		slog.Bool("stopped", res.Stopped),
		slog.Duration("duration", time.Since(start)))

	if res.Stopped {
		return nil
	}
	if err := ix.store.MarkScanComplete(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("record scan completion: %w", err)
	}
	return nil
}

// scan tries the volume-table reader first when enabled, then walks.
func (ix *Indexer) scan(ctx context.Context, s Settings, roots []string) scanner.Result {
	if s.FastScan {
		fs := fastscan.New(ix.store, fastscan.Options{
			BatchSize: s.BatchSize,
			Progress:  ix.report,
			Lister:    ix.opts.Volumes,
			Open:      ix.opts.OpenDevice,
		})
		res, err := fs.Scan(ctx, roots, s.Policy, ix.state)
		switch {
		case err == nil:
			return res
		case errors.Is(err, fastscan.ErrNoVolumes):
			slog.Debug("no NTFS volumes under the roots, walking")
		default:
			slog.Warn("fast scan unavailable, walking", slog.String("error", err.Error()))
		}
	}

	sc := scanner.New(ix.store, scanner.Options{BatchSize: s.BatchSize, Progress: ix.report})
	return sc.Scan(ctx, roots, s.Policy, ix.state)
}

func (ix *Indexer) report(fraction float64, currentPath string) {
	ix.state.Report(fraction, currentPath)
	if ix.opts.Progress != nil {
		ix.opts.Progress(fraction, currentPath)
	}
}

// Reindex rebuilds the index. With an empty path it clears everything and
// rescans all roots, ignoring the populated check. With a path it replaces
// only that subtree.
func (ix *Indexer) Reindex(ctx context.Context, path string) error {
	ix.scanMu.Lock()
	defer ix.scanMu.Unlock()

	if ix.state.Stopped() {
		return nil
	}

	if path == "" {
		slog.Info("full reindex requested")
		if err := ix.store.ClearAll(ctx); err != nil {
			return fmt.Errorf("clear index: %w", err)
		}
		return ix.fullScan(ctx)
	}

	path = filepath.Clean(path)
	s := ix.Settings()

	ix.state.Begin()
	defer ix.state.Finish()

	removed, err := ix.store.DeleteSubtree(ctx, path)
	if err != nil {
		return fmt.Errorf("clear %s: %w", path, err)
	}
	slog.Info("reindexing subtree", slog.String("path", path), slog.Int64("removed", removed))

	res := ix.scan(ctx, s, []string{path})
	ix.state.SetProgress(1)

	slog.Info("subtree reindexed",
		slog.String("path", path),
		slog.Int64("indexed", res.Indexed),
		slog.Bool("stopped", res.Stopped))
	return nil
}

// StartWatcher keeps the index current until ctx is cancelled or a stop is
// requested. It restarts the watcher when settings change. A watcher whose
// event source dies returns watcher.ErrSourceClosed. With no watchable roots
// it waits for the next settings change.
func (ix *Indexer) StartWatcher(ctx context.Context) error {
	for {
		if ix.state.Stopped() || ctx.Err() != nil {
			return nil
		}

		// Settings are read below, so earlier change tokens are stale.
		ix.drainChanged()
		s := ix.Settings()
		wctx, cancel := context.WithCancel(ctx)
		ix.watchMu.Lock()
		ix.watchCancel = cancel
		ix.watchMu.Unlock()

		err := ix.runWatcher(wctx, s)

		ix.watchMu.Lock()
		ix.watchCancel = nil
		ix.watchMu.Unlock()
		cancel()

		if ix.watchRestart.Swap(false) && ctx.Err() == nil {
			slog.Info("restarting watcher with new settings")
			continue
		}
		if errors.Is(err, watcher.ErrNoRoots) {
			slog.Warn("nothing to watch until the roots change", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-ix.changed:
				continue
			}
		}
		if err != nil {
			slog.Error("watcher stopped", slog.String("error", err.Error()))
		}
		return err
	}
}

func (ix *Indexer) drainChanged() {
	for {
		select {
		case <-ix.changed:
		default:
			return
		}
	}
}

func (ix *Indexer) runWatcher(ctx context.Context, s Settings) error {
	slog.Debug("starting watcher", slog.Int64("run", ix.watchRuns.Add(1)), slog.Int("roots", len(s.Roots)))
	src, err := watcher.NewSource(s.Policy, watcher.Options{Debounce: s.Debounce})
	if err != nil {
		return err
	}
	return watcher.New(ix.store, src, s.Policy).Run(ctx, s.Roots, ix.state)
}
