//go:build !windows

package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

const socketName = "stella-search.sock"

// DefaultAddress returns $XDG_RUNTIME_DIR/stella-search.sock, or
// /tmp/stella-search.sock when no runtime directory is set.
func DefaultAddress() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, socketName)
	}
	return filepath.Join("/tmp", socketName)
}

// listen binds the Unix socket at addr, replacing a stale socket file left
// by a daemon that did not shut down cleanly.
func listen(addr string) (net.Listener, error) {
	if err := removeStaleSocket(addr); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(addr), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	l, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if err := os.Chmod(addr, 0o660); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return l, nil
}

func removeStaleSocket(addr string) error {
	if _, err := os.Lstat(addr); os.IsNotExist(err) {
		return nil
	}
	conn, err := net.DialTimeout("unix", addr, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("another daemon is listening on %s", addr)
	}
	if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", addr)
}

func cleanupAddress(addr string) {
	_ = os.Remove(addr)
}
