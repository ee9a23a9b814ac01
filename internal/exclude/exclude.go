// Package exclude decides whether a filesystem path is out of indexing scope.
//
// A Policy is built once per configuration load and shared read-only by the
// scanner, the fast scanner and the watcher.
package exclude

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy is an immutable exclusion rule set.
type Policy struct {
	prefixes      []string
	patterns      []string
	extensions    map[string]struct{}
	includeHidden bool
}

// New builds a Policy. Prefixes are absolute paths, patterns are doublestar
// globs matched against the whole path, extensions may be given with or
// without their leading dot.
func New(prefixes, patterns, extensions []string, includeHidden bool) (*Policy, error) {
	p := &Policy{
		prefixes:      make([]string, 0, len(prefixes)),
		patterns:      make([]string, 0, len(patterns)),
		extensions:    make(map[string]struct{}, len(extensions)),
		includeHidden: includeHidden,
	}

	for _, prefix := range prefixes {
		prefix = strings.TrimRight(Normalize(prefix), "/")
		if prefix == "" {
			continue
		}
		p.prefixes = append(p.prefixes, prefix)
	}

	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(Normalize(pattern), "/")
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
		p.patterns = append(p.patterns, pattern)
	}

	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		p.extensions[ext] = struct{}{}
	}

	return p, nil
}

// Default returns a Policy that excludes nothing except hidden entries.
func Default() *Policy {
	p, _ := New(nil, nil, nil, false)
	return p
}

// IncludeHidden reports whether dot-prefixed entries are kept.
func (p *Policy) IncludeHidden() bool {
	return p.includeHidden
}

// Excluded reports whether path is out of scope. Checks run in order:
// prefixes, glob patterns, denied extensions, hidden final component.
func (p *Policy) Excluded(filePath string) bool {
	norm := Normalize(filePath)

	for _, prefix := range p.prefixes {
		if norm == prefix || strings.HasPrefix(norm, prefix+"/") {
			return true
		}
	}

	if len(p.patterns) > 0 {
		rel := relative(norm)
		for _, pattern := range p.patterns {
			// pattern/** also catches entries beneath an excluded directory.
			if match(pattern, rel) || match(pattern+"/**", rel) {
				return true
			}
		}
	}

	name := path.Base(norm)
	if len(p.extensions) > 0 {
		if ext := Extension(name); ext != "" {
			if _, denied := p.extensions[ext]; denied {
				return true
			}
		}
	}

	return !p.includeHidden && IsHidden(name)
}

// Normalize converts Windows separators to forward slashes.
func Normalize(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// IsHidden reports whether a final path component is a dot file.
func IsHidden(name string) bool {
	return len(name) > 1 && name[0] == '.' && name != ".."
}

// Extension returns the lower-cased suffix of name including its dot, or ""
// when name has none. A leading dot alone (".bashrc") is not an extension.
func Extension(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx:])
}

// relative strips the root ("/" or a drive such as "C:/") so that patterns
// starting with **/ match from the first real component.
func relative(norm string) string {
	if len(norm) >= 2 && norm[1] == ':' {
		norm = norm[2:]
	}
	return strings.TrimLeft(norm, "/")
}

func match(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}
