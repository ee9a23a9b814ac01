package store

import (
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // pure Go driver, registered as "sqlite"

	serrors "github.com/Aman-CERP/stellasearch/internal/errors"
)

// Driver names accepted in Config.Driver.
const (
	DriverModernc = "modernc"
	DriverMattn   = "mattn"
)

// resolveDriver maps a configured driver to a database/sql driver name and
// a DSN for path. An empty path opens an in-memory database.
func resolveDriver(driver, path string) (string, string, error) {
	switch driver {
	case "", DriverModernc:
		if path == "" {
			return "sqlite", ":memory:", nil
		}
		return "sqlite", path + "?_pragma=busy_timeout(5000)", nil
	case DriverMattn:
		if !mattnAvailable {
			return "", "", serrors.New(serrors.ErrCodeDriverMissing,
				"the mattn sqlite driver requires a cgo build", nil).
				WithSuggestion("set storage.driver to modernc or rebuild with CGO_ENABLED=1")
		}
		if path == "" {
			return "sqlite3", ":memory:", nil
		}
		return "sqlite3", path + "?_busy_timeout=5000", nil
	default:
		return "", "", serrors.ConfigError(fmt.Sprintf("unknown storage driver %q", driver), nil)
	}
}

// readOnlyDSN returns the DSN of the read pool for a file-backed store.
func readOnlyDSN(driverName, path string) string {
	uri := "file:" + fileURIPath(path)
	if driverName == "sqlite3" {
		return uri + "?mode=ro&_busy_timeout=5000"
	}
	return uri + "?mode=ro&_pragma=busy_timeout(5000)&_pragma=query_only(1)"
}

// fileURIPath renders path for a file: URI; drive-letter paths get a
// leading slash.
func fileURIPath(path string) string {
	p := filepath.ToSlash(path)
	if filepath.VolumeName(path) != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23").Replace(p)
}
