package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Aman-CERP/stellasearch/internal/store"
	"github.com/Aman-CERP/stellasearch/internal/volume"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func writeFiles(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(f), 0o644))
	}
}

func indexed(t *testing.T, st *store.Store, path string) bool {
	t.Helper()
	_, ok, err := st.Get(context.Background(), path)
	require.NoError(t, err)
	return ok
}

// touched rewrites path on every poll until the watcher has indexed it,
// which tolerates the watch being registered after the first write.
func touched(st *store.Store, path string) func() bool {
	return func() bool {
		_ = os.WriteFile(path, []byte("x"), 0o644)
		_, ok, err := st.Get(context.Background(), path)
		return err == nil && ok
	}
}

func TestIndexer_InitialScan(t *testing.T) {
	// Given: a root with a few files
	root := t.TempDir()
	writeFiles(t, root, "docs/a.txt", "docs/b.pdf", "music/c.mp3")
	st := newStore(t)
	ix := New(st, Settings{Roots: []string{root}}, Options{})

	// When
	require.NoError(t, ix.StartInitialScan(context.Background()))

	// Then: everything is indexed and the scan is marked complete
	assert.True(t, indexed(t, st, filepath.Join(root, "docs", "b.pdf")))
	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.IndexedFiles)

	done, err := st.ScanCompleted(context.Background())
	require.NoError(t, err)
	assert.True(t, done)

	snap := ix.State().Snapshot()
	assert.False(t, snap.IsScanning)
	assert.Equal(t, 1.0, snap.ScanProgress)
	assert.False(t, st.BulkMode(), "durable mode must be restored")
}

func TestIndexer_InitialScanSkipsPopulatedIndex(t *testing.T) {
	// Given: a completed scan
	root := t.TempDir()
	writeFiles(t, root, "a.txt")
	st := newStore(t)
	ix := New(st, Settings{Roots: []string{root}}, Options{})
	require.NoError(t, ix.StartInitialScan(context.Background()))

	// When: a file appears and the scan is started again
	writeFiles(t, root, "later.txt")
	require.NoError(t, ix.StartInitialScan(context.Background()))

	// Then: the second pass was skipped
	assert.False(t, indexed(t, st, filepath.Join(root, "later.txt")))
}

func TestIndexer_InitialScanRunsWhenMarkerButNoFiles(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "a.txt")
	st := newStore(t)
	require.NoError(t, st.MarkScanComplete(context.Background()))

	ix := New(st, Settings{Roots: []string{root}}, Options{})
	require.NoError(t, ix.StartInitialScan(context.Background()))

	assert.True(t, indexed(t, st, filepath.Join(root, "a.txt")))
}

func TestIndexer_StopIsSingleShot(t *testing.T) {
	// Given: a stop requested before any scan
	root := t.TempDir()
	writeFiles(t, root, "a.txt")
	st := newStore(t)
	ix := New(st, Settings{Roots: []string{root}}, Options{})
	ix.RequestStop()

	// When: scans are attempted
	require.NoError(t, ix.StartInitialScan(context.Background()))
	require.NoError(t, ix.Reindex(context.Background(), ""))

	// Then: nothing ran and no completion was recorded
	assert.False(t, indexed(t, st, filepath.Join(root, "a.txt")))
	done, err := st.ScanCompleted(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, ix.State().Stopped())

	// And: only Reset re-enables scanning
	ix.Reset()
	require.NoError(t, ix.StartInitialScan(context.Background()))
	assert.True(t, indexed(t, st, filepath.Join(root, "a.txt")))
}

func TestIndexer_FullReindex(t *testing.T) {
	// Given: a populated index with a stale entry
	root := t.TempDir()
	writeFiles(t, root, "keep.txt")
	st := newStore(t)
	ix := New(st, Settings{Roots: []string{root}}, Options{})
	require.NoError(t, ix.StartInitialScan(context.Background()))
	require.NoError(t, st.Upsert(context.Background(), "/nowhere/stale.txt", false, 1))

	// When
	require.NoError(t, ix.Reindex(context.Background(), ""))

	// Then: the index mirrors the disk again
	assert.False(t, indexed(t, st, "/nowhere/stale.txt"))
	assert.True(t, indexed(t, st, filepath.Join(root, "keep.txt")))
	done, err := st.ScanCompleted(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
}

func TestIndexer_SubtreeReindex(t *testing.T) {
	// Given: two sibling directories indexed
	root := t.TempDir()
	writeFiles(t, root, "a/one.txt", "a/two.txt", "ab/three.txt")
	st := newStore(t)
	ix := New(st, Settings{Roots: []string{root}}, Options{})
	require.NoError(t, ix.StartInitialScan(context.Background()))

	// When: a file under a/ disappears and a/ is reindexed
	require.NoError(t, os.Remove(filepath.Join(root, "a", "two.txt")))
	writeFiles(t, root, "a/new.txt")
	require.NoError(t, ix.Reindex(context.Background(), filepath.Join(root, "a")))

	// Then: only a/ changed
	assert.True(t, indexed(t, st, filepath.Join(root, "a", "one.txt")))
	assert.True(t, indexed(t, st, filepath.Join(root, "a", "new.txt")))
	assert.False(t, indexed(t, st, filepath.Join(root, "a", "two.txt")))
	assert.True(t, indexed(t, st, filepath.Join(root, "ab", "three.txt")))
}

func TestIndexer_FastScanFallsBackToWalking(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "x.txt")
	st := newStore(t)
	ix := New(st, Settings{Roots: []string{root}, FastScan: true}, Options{
		Volumes: volume.StaticLister{{Device: "/dev/sda1", MountPoint: "/", FSType: "ext4"}},
	})

	require.NoError(t, ix.StartInitialScan(context.Background()))

	assert.True(t, indexed(t, st, filepath.Join(root, "x.txt")))
}

func TestIndexer_WatcherFollowsSettings(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Given: a running watcher on one root
	first, second := t.TempDir(), t.TempDir()
	st, err := store.Open(store.Config{})
	require.NoError(t, err)
	defer st.Close()

	ix := New(st, Settings{Roots: []string{first}, Debounce: 20 * time.Millisecond}, Options{})
	errCh := make(chan error, 1)
	go func() { errCh <- ix.StartWatcher(context.Background()) }()

	// When: a file is created under it
	require.Eventually(t, touched(st, filepath.Join(first, "hello.txt")), 5*time.Second, 100*time.Millisecond)

	// And: the roots change
	ix.UpdateSettings(Settings{Roots: []string{second}, Debounce: 20 * time.Millisecond})

	// Then: the new root is watched
	require.Eventually(t, touched(st, filepath.Join(second, "moved.txt")), 5*time.Second, 100*time.Millisecond)

	// When: stop is requested the watcher ends
	ix.RequestStop()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestIndexer_WatcherWaitsForRoots(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Given: a watcher started with nothing to watch
	root := t.TempDir()
	st, err := store.Open(store.Config{})
	require.NoError(t, err)
	defer st.Close()
	ix := New(st, Settings{Debounce: 20 * time.Millisecond}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- ix.StartWatcher(ctx) }()

	// When: a root is added
	ix.UpdateSettings(Settings{Roots: []string{root}, Debounce: 20 * time.Millisecond})

	// Then: it is watched
	require.Eventually(t, touched(st, filepath.Join(root, "late.txt")), 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestIndexer_ScanAndReindexSerialize(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "a.txt", "b/c.txt")
	st := newStore(t)
	ix := New(st, Settings{Roots: []string{root}, BatchSize: 1}, Options{})

	done := make(chan error, 2)
	go func() { done <- ix.StartInitialScan(context.Background()) }()
	go func() { done <- ix.Reindex(context.Background(), filepath.Join(root, "b")) }()

	for i := 0; i < 2; i++ {
		require.NoError(t, <-done)
	}
	assert.True(t, indexed(t, st, filepath.Join(root, "a.txt")))
	assert.True(t, indexed(t, st, filepath.Join(root, "b", "c.txt")))
	assert.False(t, ix.State().IsScanning())
}

func newFileStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "index.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func flatTree(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()
	files := make([]string, n)
	for i := range files {
		files[i] = fmt.Sprintf("f%02d.txt", i)
	}
	writeFiles(t, root, files...)
	return root
}

// interruptAfter returns a Progress that calls interrupt on its nth call and
// remembers the path reported then.
func interruptAfter(n int, interrupt func()) (func(float64, string), func() string) {
	var (
		mu    sync.Mutex
		calls int
		at    string
	)
	progress := func(_ float64, path string) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == n {
			at = path
			interrupt()
		}
	}
	return progress, func() string {
		mu.Lock()
		defer mu.Unlock()
		return at
	}
}

func TestIndexer_StopDuringInitialScan(t *testing.T) {
	// Given: a file-backed store and a scan that is stopped after its
	// second batch
	root := flatTree(t, 20)
	st := newFileStore(t)
	var ix *Indexer
	progress, stoppedAt := interruptAfter(2, func() { ix.RequestStop() })
	ix = New(st, Settings{Roots: []string{root}, BatchSize: 3}, Options{Progress: progress})

	// When
	require.NoError(t, ix.StartInitialScan(context.Background()))

	// Then: durable mode is back and the scan is not recorded as complete
	assert.False(t, st.BulkMode())
	done, err := st.ScanCompleted(context.Background())
	require.NoError(t, err)
	assert.False(t, done)

	// And: what was found before the stop is in the index
	require.NotEmpty(t, stoppedAt())
	assert.True(t, indexed(t, st, stoppedAt()))
	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Positive(t, stats.IndexedFiles)
	assert.Less(t, stats.IndexedFiles, int64(20))
	assert.False(t, ix.State().IsScanning())

	// When: a new generation starts on the same store
	ix.Reset()
	ix.opts.Progress = nil
	require.NoError(t, ix.StartInitialScan(context.Background()))

	// Then: the missing marker makes it scan everything
	stats, err = st.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), stats.IndexedFiles)
	done, err = st.ScanCompleted(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
}

func TestIndexer_CancelledInitialScan(t *testing.T) {
	// Given: a scan whose context is cancelled partway through
	root := flatTree(t, 20)
	st := newFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	progress, cancelledAt := interruptAfter(2, cancel)
	ix := New(st, Settings{Roots: []string{root}, BatchSize: 3}, Options{Progress: progress})

	// When
	require.NoError(t, ix.StartInitialScan(ctx))

	// Then: bulk mode is still restored and no marker is written
	assert.False(t, st.BulkMode())
	done, err := st.ScanCompleted(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	require.NotEmpty(t, cancelledAt())
	assert.True(t, indexed(t, st, cancelledAt()))
}

func TestIndexer_WatcherIgnoresStaleSettingsChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Given: settings changed before the watcher started, with no roots
	st, err := store.Open(store.Config{})
	require.NoError(t, err)
	defer st.Close()
	ix := New(st, Settings{Debounce: 20 * time.Millisecond}, Options{})
	ix.UpdateSettings(Settings{Debounce: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)

	// When
	go func() { errCh <- ix.StartWatcher(ctx) }()

	// Then: the already-applied change does not start a second attempt
	require.Eventually(t, func() bool { return ix.watchRuns.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), ix.watchRuns.Load())

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
