package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	serrors "github.com/Aman-CERP/stellasearch/internal/errors"
)

// Config configures Open.
type Config struct {
	// Path is the database file. Empty opens an in-memory database.
	Path string
	// Driver is DriverModernc (default) or DriverMattn.
	Driver string
}

// Store is the SQLite-backed file index. All writes go through one mutex so
// at most one transaction is in flight. A file-backed store reads through a
// separate read-only pool so searches and status never wait for a batch to
// commit; an in-memory store reads through the write connection.
type Store struct {
	db   *sql.DB
	path string

	// rdb is the read pool. readMu guards swapping it while the journal
	// mode changes.
	rdb        *sql.DB
	readMu     sync.RWMutex
	driverName string

	writeMu sync.Mutex
	bulk    atomic.Bool
	closed  atomic.Bool

	// beforeCommit runs inside BatchUpsert right before COMMIT. Tests use it
	// to abort a transaction that already holds every row.
	beforeCommit func() error
}

var durablePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA cache_size = -16000",
	"PRAGMA temp_store = DEFAULT",
}

var bulkPragmas = []string{
	"PRAGMA journal_mode = OFF",
	"PRAGMA synchronous = OFF",
	"PRAGMA cache_size = -50000",
	"PRAGMA temp_store = MEMORY",
}

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	extension TEXT,
	size INTEGER NOT NULL DEFAULT 0,
	is_directory INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_files_name ON files(name);
CREATE INDEX IF NOT EXISTS idx_files_extension ON files(extension);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const upsertSQL = `
INSERT INTO files (path, name, extension, size, is_directory)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	name = excluded.name,
	extension = excluded.extension,
	size = excluded.size,
	is_directory = excluded.is_directory`

const metaScanCompleted = "scan_completed"

// maxReadConns bounds the read pool of a file-backed store.
const maxReadConns = 4

// Open opens or creates the index database. A file that fails its integrity
// check is removed and recreated empty; the index is rebuilt by the next scan.
func Open(cfg Config) (*Store, error) {
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", cfg.Path, err)
		}
	}

	driverName, dsn, err := resolveDriver(cfg.Driver, cfg.Path)
	if err != nil {
		return nil, err
	}

	if cfg.Path != "" {
		if verr := validateIntegrity(driverName, dsn, cfg.Path); verr != nil {
			slog.Warn("index database corrupted, recreating",
				slog.String("path", cfg.Path),
				slog.String("error", verr.Error()))
			if rerr := os.Remove(cfg.Path); rerr != nil && !os.IsNotExist(rerr) {
				return nil, serrors.New(serrors.ErrCodeCorruptIndex,
					fmt.Sprintf("index at %s is corrupted and cannot be removed", cfg.Path), rerr)
			}
			_ = os.Remove(cfg.Path + "-wal")
			_ = os.Remove(cfg.Path + "-shm")
		}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: PRAGMAs are per connection, and an in-memory database
	// exists only on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, rdb: db, path: cfg.Path, driverName: driverName}

	if err := s.execAll(context.Background(), durablePragmas); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Path != "" {
		rdb, err := s.openReader()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.rdb = rdb
	}

	return s, nil
}

func (s *Store) openReader() (*sql.DB, error) {
	rdb, err := sql.Open(s.driverName, readOnlyDSN(s.driverName, s.path))
	if err != nil {
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	rdb.SetMaxOpenConns(maxReadConns)
	rdb.SetMaxIdleConns(maxReadConns)
	if err := rdb.Ping(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	return rdb, nil
}

// reader returns the read pool and the func that releases it.
func (s *Store) reader() (*sql.DB, func()) {
	s.readMu.RLock()
	return s.rdb, s.readMu.RUnlock
}

// ownsReader reports whether the read pool is separate from the write
// connection.
func (s *Store) ownsReader() bool {
	return s.rdb != s.db
}

func validateIntegrity(driverName, dsn, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// Path returns the database file path, or "" for an in-memory store.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.ownsReader() {
		_ = s.rdb.Close()
		s.rdb = s.db
	}

	if !s.bulk.Load() {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return serrors.StorageError("store is closed", nil)
	}
	return nil
}

func (s *Store) execAll(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply %q: %w", stmt, err)
		}
	}
	return nil
}

// SetBulkMode switches between bulk and durable write modes. Committed rows
// are unaffected; only the durability of later writes changes.
func (s *Store) SetBulkMode(ctx context.Context, enabled bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.bulk.Load() == enabled {
		return nil
	}

	// Leaving WAL needs the only open connection, so the read pool is
	// closed across the switch and reopened in the new mode.
	s.readMu.Lock()
	defer s.readMu.Unlock()
	owned := s.ownsReader()
	if owned {
		_ = s.rdb.Close()
		s.rdb = s.db
	}

	stmts := durablePragmas
	if enabled {
		stmts = bulkPragmas
	}
	err := s.execAll(ctx, stmts)
	if err == nil {
		s.bulk.Store(enabled)
	}

	if owned {
		rdb, rerr := s.openReader()
		if rerr != nil {
			slog.Warn("read pool unavailable, reading through the write connection",
				slog.String("path", s.path),
				slog.String("error", rerr.Error()))
		} else {
			s.rdb = rdb
		}
	}

	if err != nil {
		return serrors.StorageError("failed to switch write mode", err)
	}

	slog.Debug("storage write mode changed", slog.Bool("bulk", enabled))
	return nil
}

// BulkMode reports whether the store is in bulk write mode.
func (s *Store) BulkMode() bool {
	return s.bulk.Load()
}

// Upsert inserts or replaces the record for path.
func (s *Store) Upsert(ctx context.Context, path string, isDir bool, size int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	rec := NewRecord(path, isDir, size)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, upsertSQL, upsertArgs(rec)...); err != nil {
		return serrors.StorageError("failed to upsert "+path, err)
	}
	return nil
}

// BatchUpsert writes records in a single transaction. Either every record
// is visible afterwards or, on error, none of them is.
func (s *Store) BatchUpsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return serrors.StorageError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return serrors.StorageError("failed to prepare upsert", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		if rec.Name == "" {
			rec = NewRecord(rec.Path, rec.IsDirectory, rec.Size)
		}
		if _, err := stmt.ExecContext(ctx, upsertArgs(rec)...); err != nil {
			return serrors.StorageError("failed to upsert "+rec.Path, err)
		}
	}

	if s.beforeCommit != nil {
		if err := s.beforeCommit(); err != nil {
			return serrors.StorageError("batch aborted before commit", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return serrors.StorageError("failed to commit batch", err)
	}
	return nil
}

func upsertArgs(rec Record) []any {
	var ext any
	if rec.Extension != "" {
		ext = rec.Extension
	}
	isDir := 0
	if rec.IsDirectory {
		isDir = 1
	}
	return []any{rec.Path, rec.Name, ext, rec.Size, isDir}
}

// Delete removes the record for path, if any.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE path = ?", path); err != nil {
		return serrors.StorageError("failed to delete "+path, err)
	}
	return nil
}

// DeleteSubtree removes the directory record at prefix and every record
// beneath it. Separators are normalized to "/" on both sides of the match,
// so "/a/b" removes "/a/b" and "/a/b/c" but keeps "/a/bc".
func (s *Store) DeleteSubtree(ctx context.Context, prefix string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	norm := strings.ReplaceAll(prefix, `\`, "/")
	if norm != "/" {
		norm = strings.TrimRight(norm, "/")
	}
	under := escapeLike(strings.TrimRight(norm, "/")) + "/%"

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM files
		 WHERE replace(path, '\', '/') = ?
		    OR replace(path, '\', '/') LIKE ? ESCAPE '\'`,
		norm, under)
	if err != nil {
		return 0, serrors.StorageError("failed to delete subtree "+prefix, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Get returns the record stored for path.
func (s *Store) Get(ctx context.Context, path string) (Record, bool, error) {
	if err := s.checkOpen(); err != nil {
		return Record{}, false, err
	}

	db, release := s.reader()
	defer release()

	row := db.QueryRowContext(ctx,
		"SELECT path, name, extension, size, is_directory FROM files WHERE path = ?", path)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, serrors.StorageError("failed to read "+path, err)
	}
	return rec, true, nil
}

// Search returns up to MaxResults records whose name contains Term. Results
// are not ranked.
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	limit := opts.MaxResults
	if limit <= 0 {
		limit = DefaultMaxResults
	}

	var (
		where []string
		args  []any
	)
	// The extension predicate comes first so SQLite can drive the lookup
	// from idx_files_extension.
	if ext := NormalizeExtension(opts.Extension); ext != "" {
		where = append(where, "extension = ?")
		args = append(args, ext)
	}
	if opts.Term != "" {
		where = append(where, `name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(opts.Term)+"%")
	}
	if scopes, scopeArgs := directoryScope(opts.Directories); len(scopes) > 0 {
		where = append(where, "("+strings.Join(scopes, " OR ")+")")
		args = append(args, scopeArgs...)
	}

	query := "SELECT path, name, extension, size, is_directory FROM files"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " LIMIT ?"
	args = append(args, limit)

	db, release := s.reader()
	defer release()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, serrors.StorageError("search failed", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, serrors.StorageError("failed to read search row", err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, serrors.StorageError("search iteration failed", err)
	}
	return results, nil
}

// directoryScope builds OR'ed path-prefix predicates. A root entry ("/" or
// "") disables scoping.
func directoryScope(dirs []string) ([]string, []any) {
	var (
		scopes []string
		args   []any
	)
	for _, dir := range dirs {
		dir = strings.TrimRight(dir, `/\`)
		if dir == "" {
			return nil, nil
		}
		scopes = append(scopes, `path LIKE ? ESCAPE '\'`, `path LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(dir)+"/%", escapeLike(dir)+`\\%`)
	}
	return scopes, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec   Record
		ext   sql.NullString
		isDir int
	)
	if err := row.Scan(&rec.Path, &rec.Name, &ext, &rec.Size, &isDir); err != nil {
		return Record{}, err
	}
	rec.Extension = ext.String
	rec.IsDirectory = isDir != 0
	return rec, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Stats counts files and directories and reports the on-disk size of the
// database including its WAL.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if err := s.checkOpen(); err != nil {
		return Stats{}, err
	}

	db, release := s.reader()
	defer release()

	var st Stats
	err := db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN is_directory = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_directory = 1 THEN 1 ELSE 0 END), 0)
		 FROM files`).Scan(&st.IndexedFiles, &st.IndexedDirs)
	if err != nil {
		return Stats{}, serrors.StorageError("failed to count records", err)
	}

	if s.path != "" {
		for _, p := range []string{s.path, s.path + "-wal"} {
			if info, err := os.Stat(p); err == nil {
				st.DatabaseSizeBytes += info.Size()
			}
		}
		return st, nil
	}

	var pageCount, pageSize int64
	if err := db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			st.DatabaseSizeBytes = pageCount * pageSize
		}
	}
	return st, nil
}

// ClearAll removes every record and the scan-completed marker.
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM files"); err != nil {
		return serrors.StorageError("failed to clear index", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM meta WHERE key = ?", metaScanCompleted); err != nil {
		return serrors.StorageError("failed to clear scan marker", err)
	}
	return nil
}

// MarkScanComplete records that a full initial scan finished without being
// stopped.
func (s *Store) MarkScanComplete(ctx context.Context) error {
	return s.setMeta(ctx, metaScanCompleted, "1")
}

// ClearScanComplete removes the scan-completed marker.
func (s *Store) ClearScanComplete(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM meta WHERE key = ?", metaScanCompleted); err != nil {
		return serrors.StorageError("failed to clear scan marker", err)
	}
	return nil
}

// ScanCompleted reports whether the scan-completed marker is set.
func (s *Store) ScanCompleted(ctx context.Context) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	db, release := s.reader()
	defer release()

	var value string
	err := db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", metaScanCompleted).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, serrors.StorageError("failed to read scan marker", err)
	}
	return value == "1", nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return serrors.StorageError("failed to write "+key, err)
	}
	return nil
}
