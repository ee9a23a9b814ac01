package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	serrors "github.com/Aman-CERP/stellasearch/internal/errors"
)

// DefaultTimeout bounds one client request.
const DefaultTimeout = 30 * time.Second

// Client talks to a running daemon. Each call opens its own connection.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient creates a client for addr. An empty addr uses DefaultAddress
// and a non-positive timeout uses DefaultTimeout.
func NewClient(addr string, timeout time.Duration) *Client {
	if addr == "" {
		addr = DefaultAddress()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{addr: addr, timeout: timeout}
}

// Address returns the daemon endpoint.
func (c *Client) Address() string {
	return c.addr
}

// Connect establishes a connection to the daemon.
func (c *Client) Connect(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := dial(dctx, c.addr)
	if err != nil {
		return nil, serrors.New(serrors.ErrCodeDaemonNotRunning,
			fmt.Sprintf("cannot reach daemon at %s", c.addr), err).
			WithSuggestion("start it with: stellasearch daemon start")
	}
	return conn, nil
}

// IsRunning checks if the daemon is accepting connections.
func (c *Client) IsRunning(ctx context.Context) bool {
	conn, err := c.Connect(ctx)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// WaitForReady polls until the daemon answers a status request.
func (c *Client) WaitForReady(ctx context.Context) error {
	return serrors.Retry(ctx, serrors.DefaultRetryConfig(), func() error {
		_, err := c.Status(ctx)
		return err
	})
}

// Do sends req and returns the daemon's response. Error responses are
// returned as responses, not errors.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	conn, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, serrors.New(serrors.ErrCodeTransportFailed, "failed to send request", err)
	}

	line, err := readLine(conn)
	if err != nil {
		return nil, serrors.New(serrors.ErrCodeTransportFailed, "failed to receive response", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, serrors.New(serrors.ErrCodeTransportFailed, "failed to decode response", err)
	}
	return &resp, nil
}

// call sends req and requires a response of type want.
func (c *Client) call(ctx context.Context, req Request, want string) (*Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Type == TypeError {
		return nil, serrors.New(serrors.ErrCodeInvalidRequest, resp.Message, nil)
	}
	if resp.Type != want {
		return nil, serrors.New(serrors.ErrCodeTransportFailed,
			fmt.Sprintf("unexpected %s response to %s", resp.Type, req.Type), nil)
	}
	return resp, nil
}

// SearchParams are the optional parts of a search request.
type SearchParams struct {
	MaxResults  int
	Extensions  []string
	Directories []string
}

// Search runs a filename search.
func (c *Client) Search(ctx context.Context, query string, p SearchParams) (*SearchResult, error) {
	req := Request{
		Type:        TypeSearch,
		Query:       query,
		Extensions:  p.Extensions,
		Directories: p.Directories,
	}
	if p.MaxResults > 0 {
		req.MaxResults = &p.MaxResults
	}
	resp, err := c.call(ctx, req, TypeSearchResult)
	if err != nil {
		return nil, err
	}
	return resp.Search, nil
}

// Status retrieves index and scan status.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	resp, err := c.call(ctx, Request{Type: TypeStatus}, TypeStatus)
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// GetConfig retrieves the daemon's current configuration.
func (c *Client) GetConfig(ctx context.Context) (*ConfigResult, error) {
	resp, err := c.call(ctx, Request{Type: TypeGetConfig}, TypeConfig)
	if err != nil {
		return nil, err
	}
	return resp.Config, nil
}

// GetMode returns "everything" or "selected".
func (c *Client) GetMode(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, Request{Type: TypeGetMode}, TypeMode)
	if err != nil {
		return "", err
	}
	return resp.Mode, nil
}

// SetMode changes the indexing mode.
func (c *Client) SetMode(ctx context.Context, mode string) (string, error) {
	return c.message(ctx, Request{Type: TypeSetMode, Mode: mode})
}

// AddInclude adds a path to the include list.
func (c *Client) AddInclude(ctx context.Context, path string) (string, error) {
	return c.message(ctx, Request{Type: TypeAddInclude, Path: &path})
}

// RemoveInclude removes a path from the include list.
func (c *Client) RemoveInclude(ctx context.Context, path string) (string, error) {
	return c.message(ctx, Request{Type: TypeRemoveInclude, Path: &path})
}

// AddExclude adds a path to the exclude list.
func (c *Client) AddExclude(ctx context.Context, path string) (string, error) {
	return c.message(ctx, Request{Type: TypeAddExclude, Path: &path})
}

// RemoveExclude removes a path from the exclude list.
func (c *Client) RemoveExclude(ctx context.Context, path string) (string, error) {
	return c.message(ctx, Request{Type: TypeRemoveExclude, Path: &path})
}

// Reindex starts a reindex of path, or of everything when path is empty.
// It returns once the daemon has accepted the job.
func (c *Client) Reindex(ctx context.Context, path string) (string, error) {
	req := Request{Type: TypeReindex}
	if path != "" {
		req.Path = &path
	}
	return c.message(ctx, req)
}

// ReloadConfig makes the daemon re-read its configuration file.
func (c *Client) ReloadConfig(ctx context.Context) (string, error) {
	return c.message(ctx, Request{Type: TypeReloadConfig})
}

func (c *Client) message(ctx context.Context, req Request) (string, error) {
	resp, err := c.call(ctx, req, TypeOK)
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}
