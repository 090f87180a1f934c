package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"lsh.app/jobd/common/logger"
	"lsh.app/jobd/internal/domain"
)

const (
	DefaultWriteTimeout = 5 * time.Second

	socketMode = 0o600
)

// Server accepts client connections on a unix socket. Every request runs
// in its own goroutine; responses on a connection are written one at a
// time and may arrive in any order.
type Server struct {
	path         string
	handler      *Handler
	writeTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(path string, handler *Handler) *Server {
	return &Server{
		path:         path,
		handler:      handler,
		writeTimeout: DefaultWriteTimeout,
		conns:        make(map[net.Conn]struct{}),
	}
}

func (s *Server) Path() string {
	return s.path
}

// Listen binds the socket. A socket that still answers means another
// daemon owns it; one that refuses connections is stale and is replaced.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.path); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.path, time.Second)
		if dialErr == nil {
			_ = conn.Close()
			return domain.Errorf(domain.CodeDaemonAlreadyRunning, "a daemon is already listening on %s", s.path)
		}
		slog.Warn("removing stale socket", "path", s.path, "error", dialErr)
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, socketMode); err != nil {
		_ = ln.Close()
		return fmt.Errorf("setting socket mode: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until Close is called.
func (s *Server) Serve(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "jobd.ipc",
	})

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("ipc server is not listening")
	}

	slog.InfoContext(ctx, "control socket listening", "path", s.path)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.WarnContext(ctx, "accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// Close stops accepting, closes open connections, waits for their handlers
// and removes the socket file.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing listener: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("removing socket: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

type connWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

func (w *connWriter) write(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return err
	}
	_, err = w.conn.Write(data)
	return err
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	w := &connWriter{conn: conn, timeout: s.writeTimeout}
	var inflight sync.WaitGroup
	defer inflight.Wait()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			slog.WarnContext(ctx, "malformed message, closing connection", "error", err)
			_ = w.write(ErrorResponse("", domain.Errorf(domain.CodeMalformedMessage, "cannot parse message: %v", err)))
			return
		}
		if req.Command == "" {
			_ = w.write(ErrorResponse(req.ID, domain.Errorf(domain.CodeMalformedMessage, "command is required")))
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.handle(ctx, w, req)
		}()
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			slog.WarnContext(ctx, "message too long, closing connection", "limit", MaxLineBytes)
			_ = w.write(ErrorResponse("", domain.Errorf(domain.CodeMalformedMessage, "message exceeds %d bytes", MaxLineBytes)))
			return
		}
		if !errors.Is(err, net.ErrClosed) {
			slog.DebugContext(ctx, "connection read ended", "error", err)
		}
	}
}

func (s *Server) handle(ctx context.Context, w *connWriter, req Request) {
	span := logger.StartSpan(ctx, "ipc."+req.Command,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("ipc.request_id", req.ID)))
	defer span.End()

	var resp Response
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(span.Context(), "panic recovered in request handler", "panic", r, "command", req.Command)
				resp = ErrorResponse(req.ID, fmt.Errorf("panic: %v", r))
			}
		}()
		resp = s.handler.Handle(span.Context(), req)
	}()

	if !resp.Success && resp.Error != nil {
		span.RecordError(resp.Error)
	}
	if err := w.write(resp); err != nil {
		slog.WarnContext(span.Context(), "failed to write response", "error", err, "request_id", req.ID)
	}
}
