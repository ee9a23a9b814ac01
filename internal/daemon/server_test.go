package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// testAddress returns a unique endpoint. Unix socket paths stay under /tmp
// because t.TempDir paths can exceed the socket path limit.
func testAddress(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		return fmt.Sprintf(`\\.\pipe\stella-search-test-%d`, time.Now().UnixNano())
	}
	addr := filepath.Join("/tmp", fmt.Sprintf("stella-test-%d.sock", time.Now().UnixNano()))
	t.Cleanup(func() { _ = os.Remove(addr) })
	return addr
}

// startServer runs a server for h and stops it when the test ends.
func startServer(t *testing.T, h Handler) *Server {
	t.Helper()
	srv := NewServer(testAddress(t), h)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("server did not become ready")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

// exchange writes raw bytes and returns the decoded response.
func exchange(t *testing.T, addr string, raw string) Response {
	t.Helper()
	conn, err := dial(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	_, err = conn.Write([]byte(raw))
	require.NoError(t, err)

	line, err := readLine(conn)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func echoMode(_ context.Context, req Request) Response {
	return NewModeResponse(req.Mode)
}

func TestServer_ServesOneRequestPerConnection(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Given: a running server
	srv := NewServer(testAddress(t), HandlerFunc(echoMode))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	<-srv.Ready()

	// When: a client sends one request
	resp := exchange(t, srv.Address(), `{"type":"set_mode","mode":"selected"}`+"\n")

	// Then: the handler's response comes back
	assert.Equal(t, TypeMode, resp.Type)
	assert.Equal(t, "selected", resp.Mode)

	// And: cancellation shuts the server down cleanly
	cancel()
	require.NoError(t, <-done)
}

func TestServer_AcceptsRequestWithoutNewline(t *testing.T) {
	srv := startServer(t, HandlerFunc(echoMode))

	conn, err := dial(context.Background(), srv.Address())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"type":"set_mode","mode":"everything"}`))
	require.NoError(t, err)
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		require.NoError(t, cw.CloseWrite())
	}

	line, err := readLine(conn)
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	assert.Equal(t, "everything", resp.Mode)
}

func TestServer_InvalidRequests(t *testing.T) {
	var called atomic.Int32
	srv := startServer(t, HandlerFunc(func(ctx context.Context, req Request) Response {
		called.Add(1)
		return NewOKResponse("handled")
	}))

	tests := []struct {
		name string
		raw  string
	}{
		{"malformed json", "{not json\n"},
		{"missing type", `{"query":"x"}` + "\n"},
		{"unknown type", `{"type":"explode"}` + "\n"},
		{"missing path", `{"type":"add_include"}` + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := exchange(t, srv.Address(), tt.raw)
			assert.Equal(t, TypeError, resp.Type)
			assert.Contains(t, resp.Message, "Invalid request")
		})
	}
	assert.Zero(t, called.Load(), "invalid requests must not reach the handler")
}

func TestServer_ConcurrentClients(t *testing.T) {
	srv := startServer(t, HandlerFunc(echoMode))

	const clients = 8
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		i := i
		go func() {
			mode := fmt.Sprintf("m%d", i)
			conn, err := dial(context.Background(), srv.Address())
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			data, _ := json.Marshal(Request{Type: TypeSetMode, Mode: mode})
			if _, err := conn.Write(append(data, '\n')); err != nil {
				errs <- err
				return
			}
			line, err := readLine(conn)
			if err != nil {
				errs <- err
				return
			}
			var resp Response
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- err
				return
			}
			if resp.Mode != mode {
				errs <- fmt.Errorf("got mode %q, want %q", resp.Mode, mode)
				return
			}
			errs <- nil
		}()
	}
	for j := 0; j < clients; j++ {
		assert.NoError(t, <-errs)
	}
}

func TestServer_CloseBeforeListen(t *testing.T) {
	srv := NewServer(testAddress(t), HandlerFunc(echoMode))
	require.NoError(t, srv.Close())

	err := srv.ListenAndServe(context.Background())
	assert.NoError(t, err)
}

func TestServer_RemovesEndpointOnShutdown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("named pipes leave no file behind")
	}
	addr := testAddress(t)
	srv := NewServer(addr, HandlerFunc(echoMode))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	<-srv.Ready()

	_, err := os.Stat(addr)
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-done)
	_, err = os.Stat(addr)
	assert.True(t, os.IsNotExist(err))
}

func TestServer_RefusesLiveEndpoint(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("pipe instances may be shared")
	}
	first := startServer(t, HandlerFunc(echoMode))

	second := NewServer(first.Address(), HandlerFunc(echoMode))
	err := second.ListenAndServe(context.Background())
	require.Error(t, err)

	// The first server keeps serving.
	resp := exchange(t, first.Address(), `{"type":"set_mode","mode":"selected"}`+"\n")
	assert.Equal(t, "selected", resp.Mode)
}

func TestServer_ReplacesStaleSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets only")
	}
	addr := testAddress(t)
	require.NoError(t, os.WriteFile(addr, nil, 0o600))

	srv := NewServer(addr, HandlerFunc(echoMode))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("stale socket blocked startup: %v", err)
	}

	resp := exchange(t, addr, `{"type":"set_mode","mode":"x"}`+"\n")
	assert.Equal(t, "x", resp.Mode)
	cancel()
	require.NoError(t, <-done)
}

func TestReadLine(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"terminated", "{\"a\":1}\nrest", `{"a":1}`, false},
		{"unterminated", `{"a":1}`, `{"a":1}`, false},
		{"crlf", "{\"a\":1}\r\n", `{"a":1}`, false},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readLine(strings.NewReader(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

// flakyListener fails its first failures accepts and records when each
// accept was attempted.
type flakyListener struct {
	net.Listener
	failures int

	mu    sync.Mutex
	calls []time.Time
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	l.calls = append(l.calls, time.Now())
	n := len(l.calls)
	l.mu.Unlock()
	if n <= l.failures {
		return nil, errors.New("too many open files")
	}
	return l.Listener.Accept()
}

func (l *flakyListener) attempts() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Time(nil), l.calls...)
}

func TestNextAcceptDelay(t *testing.T) {
	tests := []struct {
		prev time.Duration
		want time.Duration
	}{
		{0, 5 * time.Millisecond},
		{5 * time.Millisecond, 10 * time.Millisecond},
		{400 * time.Millisecond, 800 * time.Millisecond},
		{800 * time.Millisecond, time.Second},
		{time.Second, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextAcceptDelay(tt.prev), "after %v", tt.prev)
	}
}

func TestServer_BacksOffOnAcceptErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Given: a listener whose first three accepts fail
	addr := testAddress(t)
	inner, err := listen(addr)
	require.NoError(t, err)
	defer cleanupAddress(addr)
	l := &flakyListener{Listener: inner, failures: 3}

	srv := NewServer(addr, HandlerFunc(echoMode))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, l) }()
	<-srv.Ready()

	// When: a client connects
	resp := exchange(t, addr, `{"type":"set_mode","mode":"everything"}`+"\n")

	// Then: it is served once accepts recover
	assert.Equal(t, "everything", resp.Mode)

	// And: the retries were spaced 5ms, 10ms and 20ms apart at least
	calls := l.attempts()
	require.GreaterOrEqual(t, len(calls), 4)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), 5*time.Millisecond)
	assert.GreaterOrEqual(t, calls[2].Sub(calls[1]), 10*time.Millisecond)
	assert.GreaterOrEqual(t, calls[3].Sub(calls[2]), 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
