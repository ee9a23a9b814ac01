package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/Aman-CERP/stellasearch/internal/errors"
	"github.com/Aman-CERP/stellasearch/internal/volume"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"STELLA_LOG_LEVEL", "STELLA_SEARCH_BACKEND", "STELLA_DATABASE_PATH",
		"STELLA_STORAGE_DRIVER", "STELLA_FAST_SCAN", "STELLA_BATCH_SIZE",
	} {
		t.Setenv(k, "")
	}
}

// =============================================================================
// Defaults
// =============================================================================

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	// Given: no configuration file exists
	cfg := NewConfig()

	// Then: all defaults should be applied
	require.NotNil(t, cfg)
	assert.Equal(t, ModeEverything, cfg.Mode)
	assert.Empty(t, cfg.IncludePaths)
	assert.True(t, cfg.AutoWatchNewDrives)
	assert.False(t, cfg.IncludeHidden)
	assert.Equal(t, 500, cfg.DebounceMS)
	assert.Equal(t, 50_000, cfg.BatchSize)
	assert.Equal(t, BackendAuto, cfg.SearchBackend)
	assert.True(t, cfg.FastScan)
	assert.Equal(t, DriverModernc, cfg.Storage.Driver)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 500*time.Millisecond, cfg.Debounce())

	assert.Contains(t, cfg.ExcludePatterns, "**/node_modules")
	assert.Contains(t, cfg.ExcludePatterns, "**/.git")
	if runtime.GOOS != "windows" {
		assert.Contains(t, cfg.ExcludePaths, "/proc")
	}
	require.NoError(t, cfg.Validate())
}

func TestDefaultPath_HonorsXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_DATA_HOME", dir)

	assert.Equal(t, filepath.Join(dir, "stella-search", "config.yaml"), DefaultPath())
	assert.Equal(t, filepath.Join(dir, "stella-search", "stella-search.db"), DefaultDatabasePath())
}

// =============================================================================
// Load / Save
// =============================================================================

func TestLoad_CreatesDefaultFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	// When: loading a config that does not exist
	cfg, err := Load(path)

	// Then: defaults are returned and written to disk
	require.NoError(t, err)
	assert.Equal(t, ModeEverything, cfg.Mode)
	assert.Equal(t, path, cfg.Path())
	assert.FileExists(t, path)
}

func TestLoad_ReadsFileAndFillsMissing(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `mode: selected
include_paths:
  - /home/user/docs
exclude_extensions: [".iso"]
search_backend: sqlite
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, ModeSelected, cfg.Mode)
	assert.Equal(t, []string{"/home/user/docs"}, cfg.IncludePaths)
	assert.Equal(t, []string{".iso"}, cfg.ExcludeExtensions)
	assert.Equal(t, BackendSQLite, cfg.SearchBackend)
	// Unset keys keep their defaults
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultDebounceMS, cfg.DebounceMS)
	assert.Contains(t, cfg.ExcludePatterns, "**/.git")
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "mode: [unclosed"},
		{"unknown mode", "mode: partial"},
		{"unknown backend", "search_backend: windows"},
		{"unknown driver", "storage:\n  driver: postgres"},
		{"negative batch", "batch_size: -1"},
		{"bad log level", "log_level: verbose"},
		{"bad pattern", "exclude_patterns: ['[']"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := Load(path)

			require.Error(t, err)
			assert.Equal(t, serrors.ErrCodeConfigInvalid, serrors.GetCode(err))
		})
	}
}

func TestLoad_EnvOverridesAreNotPersisted(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search_backend: auto\nbatch_size: 10\n"), 0o644))

	// Given: overrides in the environment
	t.Setenv("STELLA_SEARCH_BACKEND", "sqlite")
	t.Setenv("STELLA_BATCH_SIZE", "99")
	t.Setenv("STELLA_FAST_SCAN", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.SearchBackend)
	assert.Equal(t, 99, cfg.BatchSize)
	assert.False(t, cfg.FastScan)

	// When: a mutation is saved
	require.NoError(t, cfg.SetMode(ModeSelected))
	require.NoError(t, cfg.Save())

	// Then: the file has the mutation but not the overrides
	clearEnv(t)
	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeSelected, reloaded.Mode)
	assert.Equal(t, BackendAuto, reloaded.SearchBackend)
	assert.Equal(t, 10, reloaded.BatchSize)
	assert.True(t, reloaded.FastScan)
}

func TestSave_RoundTripsAndBacksUp(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)

	// When: the config is changed and saved
	cfg.IncludeHidden = true
	cfg.ExcludeExtensions = []string{".iso", ".vhd"}
	require.NoError(t, cfg.Save())

	// Then: the change survives a reload and the previous file was kept
	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, reloaded.IncludeHidden)
	assert.Equal(t, []string{".iso", ".vhd"}, reloaded.ExcludeExtensions)

	backups, err := ListBackups(path)
	require.NoError(t, err)
	assert.NotEmpty(t, backups)
}

// =============================================================================
// Mutations
// =============================================================================

func TestSetMode(t *testing.T) {
	cfg := NewConfig()

	require.NoError(t, cfg.SetMode(ModeSelected))
	assert.Equal(t, ModeSelected, cfg.Mode)

	err := cfg.SetMode("some")
	require.Error(t, err)
	assert.Equal(t, serrors.ErrCodeInvalidMode, serrors.GetCode(err))
	assert.Equal(t, ModeSelected, cfg.Mode)
}

func TestIncludeList(t *testing.T) {
	cfg := NewConfig()
	dir := t.TempDir()

	// Given: an existing directory added twice
	added, err := cfg.AddInclude(dir)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = cfg.AddInclude(dir + string(filepath.Separator))
	require.NoError(t, err)
	assert.False(t, added, "trailing separator names the same directory")
	assert.Equal(t, []string{dir}, cfg.IncludePaths)

	// When: it is removed
	removed, err := cfg.RemoveInclude(dir)
	require.NoError(t, err)

	// Then
	assert.True(t, removed)
	assert.Empty(t, cfg.IncludePaths)

	removed, err = cfg.RemoveInclude(dir)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestAddInclude_RequiresExistingPath(t *testing.T) {
	cfg := NewConfig()

	_, err := cfg.AddInclude(filepath.Join(t.TempDir(), "missing"))

	require.Error(t, err)
	assert.Equal(t, serrors.ErrCodePathNotFound, serrors.GetCode(err))
}

func TestExcludeList(t *testing.T) {
	cfg := NewConfig()
	cfg.ExcludePaths = nil
	target := filepath.Join(t.TempDir(), "not-yet-created")

	added, err := cfg.AddExclude(target)
	require.NoError(t, err)
	assert.True(t, added)

	policy, err := cfg.ExclusionPolicy()
	require.NoError(t, err)
	assert.True(t, policy.Excluded(filepath.Join(target, "file.txt")))

	removed, err := cfg.RemoveExclude(target)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = cfg.AddExclude("  ")
	assert.True(t, errors.Is(err, serrors.New(serrors.ErrCodeInvalidPath, "", nil)))
}

func TestClone_IsDeep(t *testing.T) {
	cfg := NewConfig()
	cfg.IncludePaths = []string{"/a"}

	cp := cfg.Clone()
	cp.IncludePaths[0] = "/b"

	assert.Equal(t, "/a", cfg.IncludePaths[0])
}

// =============================================================================
// Watch paths
// =============================================================================

func TestWatchPaths(t *testing.T) {
	lister := volume.StaticLister{
		{Device: "/dev/sda1", MountPoint: "/", FSType: "ext4"},
		{Device: "/dev/sdb1", MountPoint: "/data", FSType: "xfs"},
		{Device: "proc", MountPoint: "/proc", FSType: "proc"},
		{Device: "tmpfs", MountPoint: "/run/user/1000", FSType: "tmpfs"},
	}

	tests := []struct {
		name     string
		mode     string
		includes []string
		lister   volume.Lister
		want     []string
	}{
		{"selected uses includes only", ModeSelected, []string{"/home/u"}, lister, []string{"/home/u"}},
		{"everything collapses nested mounts", ModeEverything, nil, lister, []string{"/"}},
		{"includes under a mount are not repeated", ModeEverything, []string{"/data", "/extra"}, lister, []string{"/"}},
		{"everything keeps separate trees", ModeEverything, []string{"/srv/share"}, volume.StaticLister{
			{Device: "/dev/sdb1", MountPoint: "/data", FSType: "xfs"},
			{Device: "/dev/sdc1", MountPoint: "/data/archive", FSType: "ext4"},
		}, []string{"/data", "/srv/share"}},
		{"boot and home mounts fold into root", ModeEverything, nil, volume.StaticLister{
			{Device: "/dev/sda2", MountPoint: "/", FSType: "ext4"},
			{Device: "/dev/sda1", MountPoint: "/boot", FSType: "ext4"},
			{Device: "/dev/sda3", MountPoint: "/home", FSType: "ext4"},
		}, []string{"/"}},
		{"selected drops nested includes", ModeSelected, []string{"/home/u/docs", "/home/u", "/home/u"}, lister, []string{"/home/u"}},
		{"no mounts falls back to root", ModeEverything, nil, volume.StaticLister{}, []string{fsRoot()}},
		{"no lister falls back to root", ModeEverything, nil, nil, []string{fsRoot()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			cfg.Mode = tt.mode
			cfg.IncludePaths = tt.includes

			got := cfg.WatchPaths(context.Background(), tt.lister)

			assert.Equal(t, tt.want, got)
		})
	}
}
