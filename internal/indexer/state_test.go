package indexer

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanState_ProgressFixedPoint(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0, 0},
		{0.5, 0.5},
		{0.12346, 0.1235},
		{1, 1},
		{1.7, 1},
		{-0.2, 0},
		{math.NaN(), 0},
	}

	for _, tt := range tests {
		var s ScanState
		s.SetProgress(tt.in)
		assert.InDelta(t, tt.want, s.Progress(), 1e-9, "input %v", tt.in)
	}
}

func TestScanState_Lifecycle(t *testing.T) {
	var s ScanState

	// Given: a scan in progress
	s.Begin()
	s.Report(0.4, "/home/user/docs")

	snap := s.Snapshot()
	assert.True(t, snap.IsScanning)
	assert.InDelta(t, 0.4, snap.ScanProgress, 1e-9)
	assert.Equal(t, "/home/user/docs", snap.CurrentScanPath)

	// When: it finishes
	s.Finish()

	// Then: the last path is kept but scanning is off
	snap = s.Snapshot()
	assert.False(t, snap.IsScanning)
	assert.Zero(t, snap.ElapsedSeconds)
	path, ok := s.CurrentPath()
	assert.True(t, ok)
	assert.Equal(t, "/home/user/docs", path)

	// And: a new scan starts from zero
	s.Begin()
	_, ok = s.CurrentPath()
	assert.False(t, ok)
	assert.Zero(t, s.Progress())
}

func TestScanState_StopOnlyClearedByReset(t *testing.T) {
	var s ScanState
	s.RequestStop()
	s.Begin()
	s.Finish()
	assert.True(t, s.Stopped())

	s.Reset()
	assert.False(t, s.Stopped())
}

func TestScanState_ConcurrentAccess(t *testing.T) {
	var s ScanState
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.Report(float64(j)/1000, "/p")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()

	p := s.Progress()
	assert.GreaterOrEqual(t, p, 0.0)
	assert.LessOrEqual(t, p, 1.0)
}
