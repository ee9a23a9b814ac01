package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/stellasearch/internal/config"
	"github.com/Aman-CERP/stellasearch/internal/indexer"
	"github.com/Aman-CERP/stellasearch/internal/search"
	"github.com/Aman-CERP/stellasearch/internal/store"
	"github.com/Aman-CERP/stellasearch/internal/volume"
)

// Options holds test seams. The zero value uses the real system.
type Options struct {
	// Store is used instead of opening settings.DatabasePath. The daemon
	// does not close a provided store.
	Store *store.Store
	// Volumes lists mounted filesystems. Default: volume.PartitionLister.
	Volumes volume.Lister
	// SystemBackend replaces search.SystemBackend().
	SystemBackend search.Backend
	// NoSystemBackend disables the system backend entirely.
	NoSystemBackend bool
}

// Daemon is the long-running indexing and search service.
type Daemon struct {
	cfg     Config
	opts    Options
	store   *store.Store
	ownsDB  bool
	indexer *indexer.Indexer
	server  *Server

	// settingsMu serializes configuration mutations and reloads.
	settingsMu sync.Mutex
	settings   *config.Config
	roots      []string
	// mounts are the mount points seen by the last drive poll.
	mounts []string

	manager atomic.Pointer[search.Manager]

	reindexWG sync.WaitGroup
}

// NewDaemon opens the store and builds every component. Nothing runs until
// Run.
func NewDaemon(ctx context.Context, cfg Config, settings *config.Config, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid daemon config: %w", err)
	}
	if opts.Volumes == nil {
		opts.Volumes = volume.PartitionLister{}
	}

	d := &Daemon{cfg: cfg, opts: opts, settings: settings.Clone()}

	d.store = opts.Store
	if d.store == nil {
		st, err := store.Open(store.Config{Path: settings.DatabasePath, Driver: settings.Storage.Driver})
		if err != nil {
			return nil, err
		}
		d.store = st
		d.ownsDB = true
	}

	ixSettings, roots, err := d.indexerSettings(ctx, d.settings)
	if err != nil {
		d.closeStore()
		return nil, err
	}
	d.roots = roots
	if mounts, err := volume.MountRoots(ctx, opts.Volumes); err == nil {
		d.mounts = mounts
	}
	d.indexer = indexer.New(d.store, ixSettings, indexer.Options{Volumes: opts.Volumes})

	manager, err := d.newManager(ctx, d.settings.SearchBackend)
	if err != nil {
		d.closeStore()
		return nil, err
	}
	d.manager.Store(manager)

	d.server = NewServer(cfg.Address, d)
	return d, nil
}

func (d *Daemon) newManager(ctx context.Context, backend string) (*search.Manager, error) {
	system := d.opts.SystemBackend
	if system == nil && !d.opts.NoSystemBackend {
		system = search.SystemBackend()
	}
	return search.NewManagerForType(ctx, backend, search.NewStorageBackend(d.store), system)
}

// indexerSettings derives roots and the exclusion policy from cfg.
func (d *Daemon) indexerSettings(ctx context.Context, cfg *config.Config) (indexer.Settings, []string, error) {
	policy, err := cfg.ExclusionPolicy()
	if err != nil {
		return indexer.Settings{}, nil, err
	}
	roots := cfg.WatchPaths(ctx, d.opts.Volumes)
	return indexer.Settings{
		Roots:     roots,
		Policy:    policy,
		FastScan:  cfg.FastScan,
		BatchSize: cfg.BatchSize,
		Debounce:  cfg.Debounce(),
	}, roots, nil
}

// Server returns the IPC server.
func (d *Daemon) Server() *Server {
	return d.server
}

// Indexer returns the indexer.
func (d *Daemon) Indexer() *indexer.Indexer {
	return d.indexer
}

// Store returns the index store.
func (d *Daemon) Store() *store.Store {
	return d.store
}

// Manager returns the search manager currently in use.
func (d *Daemon) Manager() *search.Manager {
	return d.manager.Load()
}

// Run holds the instance lock, writes the PID file and serves until ctx is
// cancelled. Indexing runs only when the search manager needs the local
// index.
func (d *Daemon) Run(ctx context.Context) error {
	lock := NewInstanceLock(d.cfg.LockPath)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	pid := NewPIDFile(d.cfg.PIDPath)
	if err := pid.Write(); err != nil {
		return err
	}
	defer func() { _ = pid.Remove() }()

	defer d.closeStore()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.server.ListenAndServe(gctx)
	})

	if d.Manager().NeedsIndexing() {
		slog.Info("starting local indexing", slog.Int("roots", len(d.currentRoots())))
		g.Go(func() error {
			if err := d.indexer.StartInitialScan(gctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("initial scan failed", slog.String("error", err.Error()))
			}
			return nil
		})
		g.Go(func() error {
			if err := d.indexer.StartWatcher(gctx); err != nil {
				slog.Error("file watcher failed", slog.String("error", err.Error()))
			}
			return nil
		})
	} else {
		slog.Info("system search is serving queries, local indexing skipped",
			slog.String("backend", d.Manager().BackendName()))
	}

	g.Go(func() error {
		d.refreshLoop(gctx)
		return nil
	})

	d.settingsMu.Lock()
	watchDrives := d.settings.AutoWatchNewDrives && d.settings.Mode == config.ModeEverything
	d.settingsMu.Unlock()
	if watchDrives {
		g.Go(func() error {
			d.watchDrives(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		d.indexer.RequestStop()
		return nil
	})

	err := g.Wait()
	d.waitReindexes()
	slog.Info("daemon stopped")
	return err
}

func (d *Daemon) waitReindexes() {
	done := make(chan struct{})
	go func() {
		d.reindexWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.cfg.ShutdownGracePeriod):
		slog.Warn("shutdown grace period elapsed with a reindex still running")
	}
}

func (d *Daemon) closeStore() {
	if !d.ownsDB || d.store == nil {
		return
	}
	if err := d.store.Close(); err != nil {
		slog.Warn("failed to close index", slog.String("error", err.Error()))
	}
}

// refreshLoop re-probes the primary search backend so a system service
// that comes back is used again.
func (d *Daemon) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Manager().RefreshAvailability(ctx)
		}
	}
}

// watchDrives polls the mounted filesystems and adds new ones to the
// indexed roots, scanning each new mount once.
func (d *Daemon) watchDrives(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.DrivePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollDrives(ctx)
		}
	}
}

func (d *Daemon) pollDrives(ctx context.Context) {
	mounts, err := volume.MountRoots(ctx, d.opts.Volumes)
	if err != nil {
		slog.Debug("failed to list mounts", slog.String("error", err.Error()))
		return
	}

	d.settingsMu.Lock()
	var appeared []string
	for _, m := range mounts {
		if !slices.Contains(d.mounts, m) {
			appeared = append(appeared, m)
		}
	}
	d.mounts = mounts
	if len(appeared) == 0 {
		d.settingsMu.Unlock()
		return
	}
	// A mount under an existing root stays out of the root list, but its
	// contents were not there for the earlier scan, so it is scanned once
	// either way.
	err = d.applyLocked(ctx, d.settings)
	policy := d.indexer.Settings().Policy
	d.settingsMu.Unlock()
	if err != nil {
		slog.Warn("failed to add new drives", slog.String("error", err.Error()))
		return
	}

	for _, m := range appeared {
		if policy.Excluded(m) {
			slog.Debug("new drive is excluded", slog.String("path", m))
			continue
		}
		slog.Info("new drive mounted, indexing", slog.String("path", m))
		d.startReindex(ctx, m)
	}
}

func (d *Daemon) currentRoots() []string {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	return slices.Clone(d.roots)
}

// applyLocked makes cfg the active configuration: roots and exclusions are
// recomputed and the indexer restarts its watcher. Callers hold settingsMu.
func (d *Daemon) applyLocked(ctx context.Context, cfg *config.Config) error {
	ixSettings, roots, err := d.indexerSettings(ctx, cfg)
	if err != nil {
		return err
	}
	if cfg.SearchBackend != d.settings.SearchBackend {
		manager, err := d.newManager(ctx, cfg.SearchBackend)
		if err != nil {
			return err
		}
		d.manager.Store(manager)
	}
	d.settings = cfg
	d.roots = roots
	d.indexer.UpdateSettings(ixSettings)
	return nil
}

// startReindex runs a reindex in the background.
func (d *Daemon) startReindex(ctx context.Context, path string) {
	d.reindexWG.Add(1)
	go func() {
		defer d.reindexWG.Done()
		if err := d.indexer.Reindex(ctx, path); err != nil {
			slog.Error("reindex failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}()
}
