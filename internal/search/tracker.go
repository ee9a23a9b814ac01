package search

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	serrors "github.com/Aman-CERP/stellasearch/internal/errors"
	"github.com/Aman-CERP/stellasearch/internal/store"
)

const (
	trackerMinerName  = "org.freedesktop.Tracker3.Miner.Files"
	trackerEndpoint   = dbus.ObjectPath("/org/freedesktop/Tracker3/Endpoint")
	trackerQueryCall  = "org.freedesktop.Tracker3.Endpoint.Query"
	nameHasOwnerCall  = "org.freedesktop.DBus.NameHasOwner"
	maxCursorColumns  = 64
	maxCursorRowBytes = 1 << 20
)

// SPARQLEndpoint runs read-only SPARQL queries against a desktop indexer.
type SPARQLEndpoint interface {
	// Available reports whether the service is reachable.
	Available(ctx context.Context) bool
	// Query returns the result rows, each a slice of column strings.
	Query(ctx context.Context, sparql string) ([][]string, error)
}

// TrackerBackend serves queries from the GNOME Tracker file miner.
type TrackerBackend struct {
	endpoint SPARQLEndpoint
}

var _ Backend = (*TrackerBackend)(nil)

// NewTrackerBackend connects to Tracker over the session bus. The
// connection is made on first use.
func NewTrackerBackend() *TrackerBackend {
	return &TrackerBackend{endpoint: &dbusEndpoint{service: trackerMinerName}}
}

// NewTrackerBackendWith uses endpoint instead of the session bus.
func NewTrackerBackendWith(endpoint SPARQLEndpoint) *TrackerBackend {
	return &TrackerBackend{endpoint: endpoint}
}

// Name implements Backend.
func (b *TrackerBackend) Name() string { return BackendTracker }

// Available implements Backend.
func (b *TrackerBackend) Available(ctx context.Context) bool {
	return b.endpoint.Available(ctx)
}

// Search implements Backend.
func (b *TrackerBackend) Search(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	if !b.endpoint.Available(ctx) {
		return nil, serrors.New(serrors.ErrCodeBackendUnavailable, "tracker miner is not running", nil)
	}

	rows, err := b.endpoint.Query(ctx, buildSPARQL(q))
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, serrors.Wrap(serrors.ErrCodeQueryFailed, err)
	}

	files := make([]store.Record, 0, len(rows))
	for _, row := range rows {
		rec, ok := recordFromRow(row)
		if !ok {
			continue
		}
		files = append(files, rec)
		if len(files) == q.limit() {
			break
		}
	}

	return &Result{
		Files:       files,
		TotalFound:  len(files),
		QueryTimeMS: time.Since(start).Milliseconds(),
		Backend:     BackendTracker,
	}, nil
}

// buildSPARQL renders q as a query selecting (url, size, isFolder) rows.
func buildSPARQL(q Query) string {
	var b strings.Builder
	b.WriteString("SELECT ?url ?size ?folder WHERE { ")
	b.WriteString("GRAPH tracker:FileSystem { ?f a nfo:FileDataObject ; nie:url ?url ; nfo:fileName ?name . ")
	b.WriteString("OPTIONAL { ?f nfo:fileSize ?size } } ")
	b.WriteString("BIND(EXISTS { ?ie nie:isStoredAs ?f ; a nfo:Folder } AS ?folder) ")

	if term := strings.TrimSpace(q.Term); term != "" {
		fmt.Fprintf(&b, "FILTER(CONTAINS(LCASE(?name), %s)) ", sparqlString(strings.ToLower(term)))
	}
	if ext := store.NormalizeExtension(q.Extension); ext != "" {
		fmt.Fprintf(&b, "FILTER(!?folder && STRENDS(LCASE(?name), %s)) ", sparqlString(ext))
	}
	if len(q.Directories) > 0 {
		var scopes []string
		for _, dir := range q.Directories {
			u := fileURL(dir)
			if strings.HasSuffix(u, "/") {
				scopes = append(scopes, fmt.Sprintf("STRSTARTS(?url, %s)", sparqlString(u)))
				continue
			}
			scopes = append(scopes, fmt.Sprintf("?url = %s || STRSTARTS(?url, %s)",
				sparqlString(u), sparqlString(u+"/")))
		}
		fmt.Fprintf(&b, "FILTER(%s) ", strings.Join(scopes, " || "))
	}

	fmt.Fprintf(&b, "} LIMIT %d", q.limit())
	return b.String()
}

// sparqlString quotes s as a SPARQL string literal.
func sparqlString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func fileURL(path string) string {
	return (&url.URL{Scheme: "file", Path: path}).String()
}

func recordFromRow(row []string) (store.Record, bool) {
	if len(row) == 0 {
		return store.Record{}, false
	}
	u, err := url.Parse(row[0])
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return store.Record{}, false
	}

	var size int64
	if len(row) > 1 && row[1] != "" {
		size, _ = strconv.ParseInt(row[1], 10, 64)
	}
	isDir := len(row) > 2 && (row[2] == "true" || row[2] == "1")
	if isDir {
		size = 0
	}
	return store.NewRecord(u.Path, isDir, size), true
}

// readCursor decodes the row stream Tracker writes to the query pipe. Each
// row is a column count, the column types, the end offset of every column
// and then the NUL-terminated column strings.
func readCursor(r io.Reader) ([][]string, error) {
	br := bufio.NewReader(r)
	var rows [][]string
	for {
		var n int32
		if err := binary.Read(br, binary.NativeEndian, &n); err != nil {
			if errors.Is(err, io.EOF) {
				return rows, nil
			}
			return nil, fmt.Errorf("read column count: %w", err)
		}
		if n < 0 || n > maxCursorColumns {
			return nil, fmt.Errorf("bad column count %d", n)
		}
		if n == 0 {
			rows = append(rows, []string{})
			continue
		}

		meta := make([]int32, 2*n)
		if err := binary.Read(br, binary.NativeEndian, meta); err != nil {
			return nil, fmt.Errorf("read row header: %w", err)
		}
		offsets := meta[n:]

		last := offsets[n-1]
		if last < 0 || last >= maxCursorRowBytes {
			return nil, fmt.Errorf("bad row length %d", last)
		}
		data := make([]byte, last+1)
		if _, err := io.ReadFull(br, data); err != nil {
			return nil, fmt.Errorf("read row data: %w", err)
		}

		row := make([]string, n)
		for i := range row {
			begin := int32(0)
			if i > 0 {
				begin = offsets[i-1] + 1
			}
			end := offsets[i]
			if begin < 0 || end < begin || end > last {
				return nil, fmt.Errorf("bad offsets for column %d", i)
			}
			row[i] = string(data[begin:end])
		}
		rows = append(rows, row)
	}
}

// dbusEndpoint talks to a Tracker3 endpoint on the session bus.
type dbusEndpoint struct {
	service string

	mu   sync.Mutex
	conn *dbus.Conn
}

func (e *dbusEndpoint) connect() (*dbus.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil && e.conn.Connected() {
		return e.conn, nil
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, serrors.New(serrors.ErrCodeBackendUnavailable, "session bus unavailable", err)
	}
	e.conn = conn
	return conn, nil
}

func (e *dbusEndpoint) Available(ctx context.Context) bool {
	conn, err := e.connect()
	if err != nil {
		return false
	}
	var owned bool
	if err := conn.BusObject().CallWithContext(ctx, nameHasOwnerCall, 0, e.service).Store(&owned); err != nil {
		return false
	}
	return owned
}

type cursorResult struct {
	rows [][]string
	err  error
}

func (e *dbusEndpoint) Query(ctx context.Context, sparql string) ([][]string, error) {
	conn, err := e.connect()
	if err != nil {
		return nil, err
	}
	if !conn.SupportsUnixFDs() {
		return nil, serrors.New(serrors.ErrCodeBackendUnavailable, "session bus cannot pass file descriptors", nil)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create result pipe: %w", err)
	}
	defer r.Close()

	done := make(chan cursorResult, 1)
	go func() {
		rows, err := readCursor(r)
		done <- cursorResult{rows: rows, err: err}
	}()

	call := conn.Object(e.service, trackerEndpoint).CallWithContext(ctx, trackerQueryCall, 0,
		sparql, dbus.UnixFD(w.Fd()), map[string]dbus.Variant{})
	_ = w.Close()

	if call.Err != nil {
		_ = r.Close()
		<-done
		var busErr dbus.Error
		if errors.As(call.Err, &busErr) && strings.HasPrefix(busErr.Name, "org.freedesktop.DBus.Error.") {
			return nil, serrors.New(serrors.ErrCodeBackendUnavailable, "tracker endpoint unreachable", call.Err)
		}
		return nil, serrors.New(serrors.ErrCodeQueryFailed, "tracker query failed", call.Err)
	}

	select {
	case res := <-done:
		if res.err != nil {
			return nil, serrors.New(serrors.ErrCodeQueryFailed, "decode tracker results", res.err)
		}
		return res.rows, nil
	case <-ctx.Done():
		_ = r.Close()
		<-done
		return nil, ctx.Err()
	}
}
