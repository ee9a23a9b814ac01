package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackup(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	t.Run("no config exists", func(t *testing.T) {
		backupPath, err := Backup(configPath)
		require.NoError(t, err)
		assert.Empty(t, backupPath)
	})

	t.Run("backup existing config", func(t *testing.T) {
		content := "mode: selected\n"
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

		backupPath, err := Backup(configPath)
		require.NoError(t, err)
		require.NotEmpty(t, backupPath)

		data, err := os.ReadFile(backupPath)
		require.NoError(t, err)
		assert.Equal(t, content, string(data))
		assert.Equal(t, filepath.Dir(configPath), filepath.Dir(backupPath))
	})
}

func TestListBackups_NewestFirstAndPruned(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	// Given: more old backups than are kept
	for i := 1; i <= 5; i++ {
		name := fmt.Sprintf("config.yaml.bak.20240101-00000%d.000000", i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.yaml"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(configPath, []byte("current"), 0o644))

	// When: a new backup is taken
	newest, err := Backup(configPath)
	require.NoError(t, err)

	// Then: only MaxBackups remain, the new one first
	backups, err := ListBackups(configPath)
	require.NoError(t, err)
	require.Len(t, backups, MaxBackups)
	assert.Equal(t, newest, backups[0])
	assert.Equal(t, filepath.Join(dir, "config.yaml.bak.20240101-000005.000000"), backups[1])
}

func TestListBackups_MissingDir(t *testing.T) {
	backups, err := ListBackups(filepath.Join(t.TempDir(), "nope", "config.yaml"))

	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRestore(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("mode: selected\n"), 0o644))
	backupPath, err := Backup(configPath)
	require.NoError(t, err)

	// Given: the config changed after the backup
	require.NoError(t, os.WriteFile(configPath, []byte("mode: everything\n"), 0o644))

	// When
	require.NoError(t, Restore(configPath, backupPath))

	// Then
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, "mode: selected\n", string(data))
}

func TestRestore_MissingBackup(t *testing.T) {
	dir := t.TempDir()

	err := Restore(filepath.Join(dir, "config.yaml"), filepath.Join(dir, "gone.bak"))

	assert.Error(t, err)
}
