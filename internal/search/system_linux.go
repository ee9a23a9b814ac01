//go:build linux

package search

// SystemBackend returns the desktop search service for this platform, or
// nil when there is none.
func SystemBackend() Backend {
	return NewTrackerBackend()
}
