// Package config loads, validates, mutates and persists the daemon's YAML
// configuration file.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	serrors "github.com/Aman-CERP/stellasearch/internal/errors"
	"github.com/Aman-CERP/stellasearch/internal/exclude"
	"github.com/Aman-CERP/stellasearch/internal/volume"
)

// Indexing modes.
const (
	ModeEverything = "everything"
	ModeSelected   = "selected"
)

// Search backend choices.
const (
	BackendAuto   = "auto"
	BackendSystem = "system"
	BackendSQLite = "sqlite"
)

// Storage drivers.
const (
	DriverModernc = "modernc"
	DriverMattn   = "mattn"
)

const (
	appDir         = "stella-search"
	configFileName = "config.yaml"
	dbFileName     = "stella-search.db"

	DefaultDebounceMS = 500
	DefaultBatchSize  = 50_000
)

// Config is the complete daemon configuration.
type Config struct {
	// Mode is "everything" (all mounted filesystems) or "selected"
	// (IncludePaths only).
	Mode string `yaml:"mode" json:"mode"`

	// IncludePaths are the roots in selected mode and extra roots in
	// everything mode.
	IncludePaths []string `yaml:"include_paths" json:"include_paths"`

	ExcludePaths      []string `yaml:"exclude_paths" json:"exclude_paths"`
	ExcludePatterns   []string `yaml:"exclude_patterns" json:"exclude_patterns"`
	ExcludeExtensions []string `yaml:"exclude_extensions" json:"exclude_extensions"`
	IncludeHidden     bool     `yaml:"include_hidden" json:"include_hidden"`

	// AutoWatchNewDrives adds newly mounted filesystems to the watch set in
	// everything mode.
	AutoWatchNewDrives bool `yaml:"auto_watch_new_drives" json:"auto_watch_new_drives"`

	DebounceMS int `yaml:"debounce_ms" json:"debounce_ms"`
	BatchSize  int `yaml:"batch_size" json:"batch_size"`

	// SearchBackend is "auto", "system" or "sqlite".
	SearchBackend string `yaml:"search_backend" json:"search_backend"`

	// FastScan reads NTFS volume tables instead of walking when possible.
	FastScan bool `yaml:"fast_scan" json:"fast_scan"`

	DatabasePath string        `yaml:"database_path" json:"database_path"`
	Storage      StorageConfig `yaml:"storage" json:"storage"`
	LogLevel     string        `yaml:"log_level" json:"log_level"`

	path string
	// unset restores file values replaced by environment overrides so Save
	// never persists them.
	unset []func(*Config)
}

// StorageConfig selects the SQLite driver.
type StorageConfig struct {
	// Driver is "modernc" (pure Go) or "mattn" (cgo).
	Driver string `yaml:"driver" json:"driver"`
}

// NewConfig creates a Config with defaults.
func NewConfig() *Config {
	return &Config{
		Mode:               ModeEverything,
		IncludePaths:       []string{},
		ExcludePaths:       defaultExcludePaths(),
		ExcludePatterns:    slices.Clone(defaultExcludePatterns),
		ExcludeExtensions:  []string{},
		AutoWatchNewDrives: true,
		DebounceMS:         DefaultDebounceMS,
		BatchSize:          DefaultBatchSize,
		SearchBackend:      BackendAuto,
		FastScan:           true,
		DatabasePath:       DefaultDatabasePath(),
		Storage:            StorageConfig{Driver: DriverModernc},
		LogLevel:           "info",
		path:               DefaultPath(),
	}
}

// defaultExcludePatterns skip build output, caches and editor state.
var defaultExcludePatterns = []string{
	"**/node_modules",
	"**/.git",
	"**/target",
	"**/bin",
	"**/obj",
	"**/__pycache__",
	"**/venv",
	"**/.venv",
	"**/.gradle",
	"**/.maven",
	"**/build",
	"**/.vs",
	"**/.idea",
	"**/.vscode",
	"**/.npm",
	"**/.nuget",
	"**/.cargo/registry",
	"**/.rustup",
	"**/*.tmp",
	"**/*.temp",
	"**/*.bak",
	"**/*.swp",
	"**/*.lock",
	"**/Thumbs.db",
	"**/.DS_Store",
}

func defaultExcludePaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			"C:/Windows",
			"C:/Windows.old",
			"C:/$Recycle.Bin",
			"C:/System Volume Information",
			"C:/Recovery",
			"C:/PerfLogs",
			"C:/ProgramData/Microsoft",
			"C:/ProgramData/Package Cache",
		}
	}
	return []string{
		"/proc",
		"/sys",
		"/dev",
		"/run",
		"/tmp",
		"/var/cache",
		"/var/log",
		"/lost+found",
	}
}

// DefaultPath returns the configuration file path:
//   - $XDG_CONFIG_HOME/stella-search/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/stella-search/config.yaml (default)
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir, configFileName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", appDir, configFileName)
	}
	return filepath.Join(home, ".config", appDir, configFileName)
}

// DefaultDatabasePath returns $XDG_DATA_HOME/stella-search/stella-search.db,
// defaulting to ~/.local/share.
func DefaultDatabasePath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir, dbFileName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appDir, dbFileName)
	}
	return filepath.Join(home, ".local", "share", appDir, dbFileName)
}

// Load reads the configuration at path (DefaultPath when empty). A missing
// file is created with defaults. Environment overrides (STELLA_*) are
// applied last and are not persisted by Save.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := NewConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, serrors.ConfigError(fmt.Sprintf("failed to read %s", path), err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, serrors.ConfigError(fmt.Sprintf("failed to parse %s", path), err).
				WithSuggestion("fix the YAML syntax or restore a backup with 'stellasearch config restore'")
		}
	}

	cfg.applyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDefaults restores zero values that have no meaning in a file.
func (c *Config) fillDefaults() {
	if c.Mode == "" {
		c.Mode = ModeEverything
	}
	if c.DebounceMS == 0 {
		c.DebounceMS = DefaultDebounceMS
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.SearchBackend == "" {
		c.SearchBackend = BackendAuto
	}
	if c.DatabasePath == "" {
		c.DatabasePath = DefaultDatabasePath()
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverModernc
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// applyEnvOverrides applies STELLA_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("STELLA_LOG_LEVEL"); v != "" {
		prev := c.LogLevel
		c.unset = append(c.unset, func(o *Config) { o.LogLevel = prev })
		c.LogLevel = v
	}
	if v := os.Getenv("STELLA_SEARCH_BACKEND"); v != "" {
		prev := c.SearchBackend
		c.unset = append(c.unset, func(o *Config) { o.SearchBackend = prev })
		c.SearchBackend = v
	}
	if v := os.Getenv("STELLA_DATABASE_PATH"); v != "" {
		prev := c.DatabasePath
		c.unset = append(c.unset, func(o *Config) { o.DatabasePath = prev })
		c.DatabasePath = v
	}
	if v := os.Getenv("STELLA_STORAGE_DRIVER"); v != "" {
		prev := c.Storage.Driver
		c.unset = append(c.unset, func(o *Config) { o.Storage.Driver = prev })
		c.Storage.Driver = v
	}
	if v := os.Getenv("STELLA_FAST_SCAN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			prev := c.FastScan
			c.unset = append(c.unset, func(o *Config) { o.FastScan = prev })
			c.FastScan = b
		}
	}
	if v := os.Getenv("STELLA_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			prev := c.BatchSize
			c.unset = append(c.unset, func(o *Config) { o.BatchSize = prev })
			c.BatchSize = n
		}
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Mode != ModeEverything && c.Mode != ModeSelected {
		return serrors.ConfigError(fmt.Sprintf("mode must be 'everything' or 'selected', got %q", c.Mode), nil)
	}

	switch c.SearchBackend {
	case BackendAuto, BackendSystem, BackendSQLite:
	default:
		return serrors.ConfigError(fmt.Sprintf("search_backend must be 'auto', 'system' or 'sqlite', got %q", c.SearchBackend), nil)
	}

	switch c.Storage.Driver {
	case DriverModernc, DriverMattn:
	default:
		return serrors.ConfigError(fmt.Sprintf("storage.driver must be 'modernc' or 'mattn', got %q", c.Storage.Driver), nil)
	}

	if c.BatchSize <= 0 {
		return serrors.ConfigError(fmt.Sprintf("batch_size must be positive, got %d", c.BatchSize), nil)
	}
	if c.DebounceMS < 0 {
		return serrors.ConfigError(fmt.Sprintf("debounce_ms must be non-negative, got %d", c.DebounceMS), nil)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return serrors.ConfigError(fmt.Sprintf("log_level must be 'debug', 'info', 'warn', or 'error', got %q", c.LogLevel), nil)
	}

	if _, err := c.ExclusionPolicy(); err != nil {
		return serrors.ConfigError("invalid exclude_patterns", err)
	}
	return nil
}

// Path returns the file this configuration is loaded from and saved to.
func (c *Config) Path() string {
	return c.path
}

// SetPath changes where Save writes.
func (c *Config) SetPath(path string) {
	c.path = path
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.IncludePaths = slices.Clone(c.IncludePaths)
	out.ExcludePaths = slices.Clone(c.ExcludePaths)
	out.ExcludePatterns = slices.Clone(c.ExcludePatterns)
	out.ExcludeExtensions = slices.Clone(c.ExcludeExtensions)
	return &out
}

// Save writes the configuration atomically, keeping a backup of the
// previous file.
func (c *Config) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return serrors.ConfigError("failed to create config directory", err)
	}
	if _, err := Backup(c.path); err != nil {
		return err
	}
	out := c
	if len(c.unset) > 0 {
		out = c.Clone()
		for _, restore := range c.unset {
			restore(out)
		}
	}
	return out.WriteYAML(c.path)
}

// WriteYAML writes the configuration to path through a temporary file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// SetMode switches between everything and selected mode.
func (c *Config) SetMode(mode string) error {
	if mode != ModeEverything && mode != ModeSelected {
		return serrors.New(serrors.ErrCodeInvalidMode, fmt.Sprintf("invalid mode %q", mode), nil).
			WithSuggestion("use 'everything' or 'selected'")
	}
	c.Mode = mode
	return nil
}

// AddInclude adds an existing directory to the include list. Adding a path
// already present is a no-op that reports false.
func (c *Config) AddInclude(path string) (bool, error) {
	path, err := cleanAbs(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		return false, serrors.New(serrors.ErrCodePathNotFound, fmt.Sprintf("path does not exist: %s", path), err)
	}
	return addUnique(&c.IncludePaths, path), nil
}

// RemoveInclude removes path from the include list, reporting whether it
// was present.
func (c *Config) RemoveInclude(path string) (bool, error) {
	path, err := cleanAbs(path)
	if err != nil {
		return false, err
	}
	return remove(&c.IncludePaths, path), nil
}

// AddExclude adds an absolute path prefix to the exclude list.
func (c *Config) AddExclude(path string) (bool, error) {
	path, err := cleanAbs(path)
	if err != nil {
		return false, err
	}
	return addUnique(&c.ExcludePaths, path), nil
}

// RemoveExclude removes path from the exclude list.
func (c *Config) RemoveExclude(path string) (bool, error) {
	path, err := cleanAbs(path)
	if err != nil {
		return false, err
	}
	return remove(&c.ExcludePaths, path), nil
}

func cleanAbs(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", serrors.New(serrors.ErrCodeInvalidPath, "path must not be empty", nil)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", serrors.New(serrors.ErrCodeInvalidPath, fmt.Sprintf("invalid path %q", path), err)
	}
	return abs, nil
}

func addUnique(list *[]string, path string) bool {
	if slices.Contains(*list, path) {
		return false
	}
	*list = append(*list, path)
	return true
}

func remove(list *[]string, path string) bool {
	before := len(*list)
	*list = slices.DeleteFunc(*list, func(p string) bool { return p == path })
	return len(*list) != before
}

// ExclusionPolicy builds the exclusion policy for scans and the watcher.
func (c *Config) ExclusionPolicy() (*exclude.Policy, error) {
	return exclude.New(c.ExcludePaths, c.ExcludePatterns, c.ExcludeExtensions, c.IncludeHidden)
}

// WatchPaths returns the roots to index. Selected mode uses the include
// list. Everything mode uses every real mounted filesystem plus the
// includes, falling back to the filesystem root when no mount is found.
// Roots nested under another root are dropped since walks cross mount
// points.
func (c *Config) WatchPaths(ctx context.Context, lister volume.Lister) []string {
	if c.Mode == ModeSelected {
		return volume.CollapseRoots(c.IncludePaths)
	}

	var roots []string
	if lister != nil {
		mounts, err := volume.MountRoots(ctx, lister)
		if err == nil {
			roots = mounts
		}
	}
	if len(roots) == 0 {
		roots = []string{fsRoot()}
	}
	roots = append(roots, c.IncludePaths...)
	return volume.CollapseRoots(roots)
}

func fsRoot() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

// Debounce returns the watcher's quiet window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}
