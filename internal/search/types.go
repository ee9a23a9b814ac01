// Package search answers filename queries from either the local index or
// the desktop's own search service, failing over between them.
package search

import (
	"context"

	serrors "github.com/Aman-CERP/stellasearch/internal/errors"
	"github.com/Aman-CERP/stellasearch/internal/store"
)

// Backend names reported in results.
const (
	BackendStorage = "sqlite"
	BackendTracker = "tracker"
	// BackendNone marks a degraded result: every backend failed.
	BackendNone = "none"
)

// Backend failure classes. Backends wrap one of these so the Manager can
// tell a backend that is gone from a single failed query.
var (
	ErrUnavailable = serrors.ErrUnavailable
	ErrQueryFailed = serrors.ErrQueryFailed
)

// Query is a filename search.
type Query struct {
	// Term is matched case-insensitively as a substring of the file name.
	Term string `json:"query"`
	// MaxResults caps the result count. Zero means store.DefaultMaxResults.
	MaxResults int `json:"max_results,omitempty"`
	// Extension keeps only names with this extension, e.g. ".pdf".
	Extension string `json:"extension,omitempty"`
	// Directories keeps only entries under one of these directories.
	Directories []string `json:"directories,omitempty"`
}

func (q Query) limit() int {
	if q.MaxResults <= 0 {
		return store.DefaultMaxResults
	}
	return q.MaxResults
}

// Result is the answer to a Query.
type Result struct {
	Files       []store.Record `json:"files"`
	TotalFound  int            `json:"total_found"`
	QueryTimeMS int64          `json:"query_time_ms"`
	Backend     string         `json:"backend_name"`
}

// Empty returns a zero-match result for backend.
func Empty(backend string) *Result {
	return &Result{Files: []store.Record{}, Backend: backend}
}

// Backend is one source of search results.
type Backend interface {
	Name() string
	// Available reports whether the backend can serve queries right now.
	Available(ctx context.Context) bool
	// Search returns matches or an error wrapping ErrUnavailable or
	// ErrQueryFailed.
	Search(ctx context.Context, q Query) (*Result, error)
}
