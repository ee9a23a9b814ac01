package store

import (
	"strings"

	"github.com/Aman-CERP/stellasearch/internal/exclude"
)

// Record is one indexed filesystem entry.
type Record struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Extension   string `json:"extension,omitempty"`
	Size        int64  `json:"size"`
	IsDirectory bool   `json:"is_directory"`
}

// NewRecord derives name and extension from path. Directories have no
// extension and a size of zero.
func NewRecord(path string, isDir bool, size int64) Record {
	name := BaseName(path)
	rec := Record{
		Path:        path,
		Name:        name,
		IsDirectory: isDir,
	}
	if !isDir {
		rec.Extension = exclude.Extension(name)
		rec.Size = size
	}
	return rec
}

// BaseName returns the final component of path using either separator.
// A bare root is its own name.
func BaseName(path string) string {
	trimmed := strings.TrimRight(path, `/\`)
	if trimmed == "" {
		return path
	}
	if idx := strings.LastIndexAny(trimmed, `/\`); idx >= 0 {
		if name := trimmed[idx+1:]; name != "" {
			return name
		}
	}
	return trimmed
}

// Stats summarizes the index.
type Stats struct {
	IndexedFiles      int64 `json:"indexed_files"`
	IndexedDirs       int64 `json:"indexed_dirs"`
	DatabaseSizeBytes int64 `json:"database_size_bytes"`
}

// SearchOptions selects records by name substring.
type SearchOptions struct {
	// Term is matched as a substring of the record name. Empty matches all.
	Term string
	// MaxResults caps the result count. Zero or less means DefaultMaxResults.
	MaxResults int
	// Extension filters on the exact extension, with or without its dot.
	Extension string
	// Directories restricts results to entries under any of these paths.
	Directories []string
}

// DefaultMaxResults is used when SearchOptions.MaxResults is not positive.
const DefaultMaxResults = 50

// NormalizeExtension lower-cases ext and ensures a leading dot.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}
