package indexer

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// progressScale is the fixed-point denominator for scan progress.
const progressScale = 10_000

// ScanState is the live scan status shared between the scan and watch
// tasks and status queries. Scalars are atomics so readers never block the
// scan; only the current path sits behind a lock.
type ScanState struct {
	scanning  atomic.Bool
	progress  atomic.Uint32 // fraction * progressScale
	stop      atomic.Bool
	startedAt atomic.Int64 // unix nanos of the running scan, 0 when idle

	mu          sync.RWMutex
	currentPath string
}

// Snapshot is a point-in-time copy of ScanState.
type Snapshot struct {
	IsScanning      bool    `json:"is_scanning"`
	ScanProgress    float64 `json:"scan_progress"`
	CurrentScanPath string  `json:"current_scan_path,omitempty"`
	StopRequested   bool    `json:"stop_requested"`
	ElapsedSeconds  int     `json:"elapsed_seconds,omitempty"`
}

// Begin marks a scan as running and resets progress.
func (s *ScanState) Begin() {
	s.progress.Store(0)
	s.setPath("")
	s.startedAt.Store(time.Now().UnixNano())
	s.scanning.Store(true)
}

// Finish marks the scan as complete. The last path stays readable.
func (s *ScanState) Finish() {
	s.scanning.Store(false)
	s.startedAt.Store(0)
}

// IsScanning reports whether a scan is running.
func (s *ScanState) IsScanning() bool {
	return s.scanning.Load()
}

// SetProgress stores fraction, clamped to [0,1].
func (s *ScanState) SetProgress(fraction float64) {
	switch {
	case math.IsNaN(fraction) || fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}
	s.progress.Store(uint32(math.Round(fraction * progressScale)))
}

// Progress returns the completion fraction in [0,1].
func (s *ScanState) Progress() float64 {
	return float64(s.progress.Load()) / progressScale
}

// Report is a scanner.Progress that records both fraction and path.
func (s *ScanState) Report(fraction float64, path string) {
	s.SetProgress(fraction)
	s.setPath(path)
}

func (s *ScanState) setPath(p string) {
	s.mu.Lock()
	s.currentPath = p
	s.mu.Unlock()
}

// CurrentPath returns the most recently visited path, if any.
func (s *ScanState) CurrentPath() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentPath, s.currentPath != ""
}

// RequestStop sets the stop flag. Nothing in the indexer clears it.
func (s *ScanState) RequestStop() {
	s.stop.Store(true)
}

// Stopped reports whether a stop was requested. It satisfies
// scanner.StopSignal.
func (s *ScanState) Stopped() bool {
	return s.stop.Load()
}

// Reset clears the stop flag and progress. Only tests and a fresh daemon
// generation call it.
func (s *ScanState) Reset() {
	s.stop.Store(false)
	s.progress.Store(0)
	s.setPath("")
}

// Snapshot returns a consistent-enough copy for status reporting.
func (s *ScanState) Snapshot() Snapshot {
	path, _ := s.CurrentPath()
	snap := Snapshot{
		IsScanning:      s.IsScanning(),
		ScanProgress:    s.Progress(),
		CurrentScanPath: path,
		StopRequested:   s.Stopped(),
	}
	if started := s.startedAt.Load(); started != 0 {
		snap.ElapsedSeconds = int(time.Since(time.Unix(0, started)).Seconds())
	}
	return snap
}
