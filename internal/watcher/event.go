package watcher

import (
	"context"
	"time"
)

// Operation is the kind of change reported for a path.
type Operation int

const (
	// OpCreate indicates a new file or directory appeared.
	OpCreate Operation = iota
	// OpModify indicates an existing entry changed.
	OpModify
	// OpDelete indicates an entry was removed or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is one change to an absolute path.
type FileEvent struct {
	Path      string
	Operation Operation
	Timestamp time.Time
}

// Options configures a Source.
type Options struct {
	// Debounce is how long a path must stay quiet before its coalesced
	// event is emitted. Default: 500ms
	Debounce time.Duration

	// BufferSize is the number of debounced batches that may queue up
	// before new batches are dropped. Default: 64
	BufferSize int

	// DirCacheSize bounds the set of registered directories remembered for
	// classifying removals. Default: 65536
	DirCacheSize int
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		Debounce:     500 * time.Millisecond,
		BufferSize:   64,
		DirCacheSize: 65536,
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.Debounce <= 0 {
		o.Debounce = defaults.Debounce
	}
	if o.BufferSize <= 0 {
		o.BufferSize = defaults.BufferSize
	}
	if o.DirCacheSize <= 0 {
		o.DirCacheSize = defaults.DirCacheSize
	}
	return o
}

// EventSource produces debounced batches of events for a set of roots.
type EventSource interface {
	// Add registers root and every non-excluded directory below it.
	Add(root string) error
	// Batches returns the debounced event channel. It is closed when the
	// source stops, either through Close or because the OS watch failed.
	Batches() <-chan []FileEvent
	// KnownDir reports whether path was registered as a directory.
	KnownDir(path string) bool
	// Forget drops path from the registered directory set.
	Forget(path string)
	// Run pumps OS events until ctx is done or the source is closed.
	Run(ctx context.Context) error
	Close() error
}
