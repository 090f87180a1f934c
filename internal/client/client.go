// Package client talks to a running jobd over its control socket.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"lsh.app/jobd/common/id"
	"lsh.app/jobd/internal/domain"
	"lsh.app/jobd/internal/ipc"
)

const DefaultTimeout = 10 * time.Second

var errClosed = errors.New("client closed")

// Client multiplexes requests over one connection. It is safe for
// concurrent use.
type Client struct {
	conn    net.Conn
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan ipc.Response
	err     error

	done chan struct{}

	closeOnce sync.Once
	closeErr  error
}

type Option func(*Client)

// WithTimeout sets the default per-call timeout used when the call context
// has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Dial connects to the daemon socket at path.
func Dial(ctx context.Context, path string, opts ...Option) (*Client, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, domain.Errorf(domain.CodeSocketNotFound, "no daemon socket at %s; start the daemon with jobd", path)
		}
		if os.IsPermission(err) {
			return nil, domain.Errorf(domain.CodePermissionDenied, "cannot access %s: %v", path, err)
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, classifyDialError(path, err)
	}
	return newClient(conn, opts...), nil
}

// NewFromConn wraps an established connection.
func NewFromConn(conn net.Conn, opts ...Option) *Client {
	return newClient(conn, opts...)
}

func newClient(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		timeout: DefaultTimeout,
		pending: make(map[string]chan ipc.Response),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

func classifyDialError(path string, err error) error {
	switch {
	case errors.Is(err, syscall.ENOENT):
		return domain.Errorf(domain.CodeSocketNotFound, "no daemon socket at %s; start the daemon with jobd", path)
	case errors.Is(err, syscall.ECONNREFUSED):
		return domain.Errorf(domain.CodeDaemonNotRunning, "daemon is not running (stale socket %s)", path)
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return domain.Errorf(domain.CodePermissionDenied, "permission denied connecting to %s", path)
	default:
		return fmt.Errorf("connecting to %s: %w", path, err)
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), ipc.MaxLineBytes)

	for scanner.Scan() {
		var resp ipc.Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			slog.Debug("discarding unparsable response", "error", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()

		if !ok {
			// the caller gave up on this request
			continue
		}
		ch <- resp
	}

	err := scanner.Err()
	if err == nil {
		err = domain.Errorf(domain.CodeDaemonNotRunning, "daemon closed the connection")
	}
	c.fail(err)
}

// fail ends every pending call with err.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for reqID, ch := range c.pending {
		delete(c.pending, reqID)
		close(ch)
	}
}

// Call sends command with args and decodes the response data into out,
// which may be nil.
func (c *Client) Call(ctx context.Context, command string, args, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := ipc.Request{ID: id.NewString(), Command: command}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return domain.Errorf(domain.CodeInvalidArgument, "encoding args: %v", err)
		}
		req.Args = raw
	}
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	line = append(line, '\n')

	ch := make(chan ipc.Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.send(ctx, line); err != nil {
		c.drop(req.ID)
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		if out == nil || len(resp.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", command, err)
		}
		return nil

	case <-ctx.Done():
		c.drop(req.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.Errorf(domain.CodeRequestTimeout, "%s timed out", command)
		}
		return ctx.Err()
	}
}

func (c *Client) send(ctx context.Context, line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	n, err := c.conn.Write(line)
	if err == nil {
		return nil
	}
	if n > 0 {
		// the daemon holds a partial line; anything sent after it would be
		// read as part of the same message
		c.fail(domain.Errorf(domain.CodeRequestTimeout, "connection dropped after a partial write; reconnect"))
		_ = c.closeConn()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.Errorf(domain.CodeRequestTimeout, "writing request timed out")
	}
	return fmt.Errorf("writing request: %w", err)
}

func (c *Client) closeConn() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Client) drop(reqID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, reqID)
}

func (c *Client) Close() error {
	c.fail(errClosed)
	err := c.closeConn()
	<-c.done
	return err
}
