// Package daemon runs the indexing service: it wires the store, indexer,
// watcher and search manager together and answers local clients over a
// Unix socket or, on Windows, a named pipe.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the daemon's process-level settings.
type Config struct {
	// Address is the socket path or pipe name clients connect to.
	// Default: DefaultAddress()
	Address string

	// PIDPath is the file path for storing the daemon's process ID.
	// Default: ~/.stella-search/daemon.pid
	PIDPath string

	// LockPath is held exclusively while the daemon runs.
	// Default: ~/.stella-search/daemon.lock
	LockPath string

	// Timeout is the maximum duration for client-daemon communication.
	// Default: 30s
	Timeout time.Duration

	// ShutdownGracePeriod bounds how long shutdown waits for background
	// reindexes.
	// Default: 10s
	ShutdownGracePeriod time.Duration

	// DrivePollInterval is how often mounted filesystems are re-listed when
	// new drives are watched automatically.
	// Default: 30s
	DrivePollInterval time.Duration

	// RefreshInterval is how often the search manager re-probes its primary
	// backend.
	// Default: 1m
	RefreshInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".stella-search")

	return Config{
		Address:             DefaultAddress(),
		PIDPath:             filepath.Join(dir, "daemon.pid"),
		LockPath:            filepath.Join(dir, "daemon.lock"),
		Timeout:             DefaultTimeout,
		ShutdownGracePeriod: 10 * time.Second,
		DrivePollInterval:   30 * time.Second,
		RefreshInterval:     time.Minute,
	}
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if c.PIDPath == "" {
		return fmt.Errorf("PID path cannot be empty")
	}
	if c.LockPath == "" {
		return fmt.Errorf("lock path cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("shutdown grace period must be positive")
	}
	if c.DrivePollInterval <= 0 || c.RefreshInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	return nil
}
