package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// connDeadline bounds one request/response exchange.
const connDeadline = 30 * time.Second

// Handler answers decoded, validated requests.
type Handler interface {
	Handle(ctx context.Context, req Request) Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) Response

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// Server accepts one request per connection on the daemon's local
// endpoint and writes one response.
type Server struct {
	addr    string
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	shutdown bool
	ready    chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server for addr. Use DefaultAddress for the
// platform's standard endpoint.
func NewServer(addr string, handler Handler) *Server {
	return &Server{
		addr:    addr,
		handler: handler,
		ready:   make(chan struct{}),
	}
}

// Address returns the endpoint the server binds.
func (s *Server) Address() string {
	return s.addr
}

// Ready is closed once the server is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Accept failures back off from minAcceptDelay, doubling up to
// maxAcceptDelay, until an accept succeeds.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	return min(2*prev, maxAcceptDelay)
}

// ListenAndServe binds the server's address and serves until ctx is
// cancelled or Close is called, then waits for in-flight connections. A
// clean shutdown returns nil.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := listen(s.addr)
	if err != nil {
		return err
	}
	defer cleanupAddress(s.addr)
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener and closes it on return. A Server
// serves at most once.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	slog.Info("ipc server listening", slog.String("address", s.addr))
	close(s.ready)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()

	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed() {
				break
			}
			delay = nextAcceptDelay(delay)
			slog.Error("accept failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
			continue
		}
		delay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.wg.Wait()
	return nil
}

func (s *Server) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// handleConnection reads one request line and writes one response line.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(connDeadline)); err != nil {
		slog.Warn("failed to set connection deadline", slog.String("error", err.Error()))
	}

	line, err := readLine(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			slog.Warn("failed to read request", slog.String("error", err.Error()))
			s.write(conn, NewErrorResponse("Invalid request: %v", err))
		}
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(conn, NewErrorResponse("Invalid request: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		s.write(conn, NewErrorResponse("Invalid request: %v", err))
		return
	}

	slog.Debug("ipc request", slog.String("type", req.Type))
	s.write(conn, s.handler.Handle(ctx, req))
}

func (s *Server) write(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to encode response", slog.String("type", resp.Type), slog.String("error", err.Error()))
		data, _ = json.Marshal(NewErrorResponse("internal error: %v", err))
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		slog.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

// readLine returns one newline-terminated message without its terminator.
// A final line without a newline is accepted.
func readLine(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(io.LimitReader(r, maxMessageBytes))
	line, err := br.ReadBytes('\n')
	if err != nil && (!errors.Is(err, io.EOF) || len(bytes.TrimSpace(line)) == 0) {
		return nil, err
	}
	return bytes.TrimSpace(line), nil
}

// Close stops accepting connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
