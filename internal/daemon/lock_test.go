package daemon

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/Aman-CERP/stellasearch/internal/errors"
)

func TestInstanceLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "daemon.lock")

	// Given: one holder
	first := NewInstanceLock(path)
	require.NoError(t, first.Acquire())
	defer first.Release()

	// When: a second instance tries
	second := NewInstanceLock(path)
	err := second.Acquire()

	// Then: it is told a daemon is running
	require.Error(t, err)
	assert.Equal(t, serrors.ErrCodeDaemonRunning, serrors.GetCode(err))
	assert.True(t, serrors.IsFatal(err))
}

func TestInstanceLock_ReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	first := NewInstanceLock(path)
	require.NoError(t, first.Acquire())
	require.NoError(t, first.Release())

	second := NewInstanceLock(path)
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestInstanceLock_ReleaseWithoutAcquire(t *testing.T) {
	l := NewInstanceLock(filepath.Join(t.TempDir(), "daemon.lock"))
	assert.NoError(t, l.Release())
	assert.Equal(t, filepath.Base(l.Path()), "daemon.lock")
}
