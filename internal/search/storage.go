package search

import (
	"context"
	"time"

	serrors "github.com/Aman-CERP/stellasearch/internal/errors"
	"github.com/Aman-CERP/stellasearch/internal/store"
)

// Searcher is the read side of the index. *store.Store satisfies it.
type Searcher interface {
	Search(ctx context.Context, opts store.SearchOptions) ([]store.Record, error)
}

// StorageBackend serves queries from the local index.
type StorageBackend struct {
	index Searcher
}

var _ Backend = (*StorageBackend)(nil)

// NewStorageBackend wraps index.
func NewStorageBackend(index Searcher) *StorageBackend {
	return &StorageBackend{index: index}
}

// Name implements Backend.
func (b *StorageBackend) Name() string { return BackendStorage }

// Available implements Backend. The local index is always present.
func (b *StorageBackend) Available(context.Context) bool { return true }

// Search implements Backend.
func (b *StorageBackend) Search(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	files, err := b.index.Search(ctx, store.SearchOptions{
		Term:        q.Term,
		MaxResults:  q.limit(),
		Extension:   q.Extension,
		Directories: q.Directories,
	})
	if err != nil {
		return nil, serrors.Wrap(serrors.ErrCodeQueryFailed, err)
	}
	if files == nil {
		files = []store.Record{}
	}
	return &Result{
		Files:       files,
		TotalFound:  len(files),
		QueryTimeMS: time.Since(start).Milliseconds(),
		Backend:     BackendStorage,
	}, nil
}
