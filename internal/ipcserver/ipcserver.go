// Package ipcserver accepts native client connections on the local IPC
// socket and hands them to the router.
package ipcserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

const (
	// SocketPrefix is the file name prefix clients probe for.
	SocketPrefix = "discord-ipc-"
	// DefaultSlots is the number of socket names clients probe.
	DefaultSlots = 10

	staleDialTimeout = time.Second
)

// ClientServer serves one accepted client connection until it ends.
type ClientServer interface {
	ServeClient(ctx context.Context, rwc io.ReadWriteCloser) error
}

// Config holds the configuration for the IPC listener.
type Config struct {
	Dir    string // directory holding the socket (default RuntimeDir())
	Slots  int    // socket names tried, 0..Slots-1 (default DefaultSlots)
	Logger *slog.Logger
}

// RuntimeDir returns the directory clients search for the IPC socket: the
// first of XDG_RUNTIME_DIR, TMPDIR, TMP and TEMP that is set, else /tmp.
func RuntimeDir() string {
	for _, env := range []string{"XDG_RUNTIME_DIR", "TMPDIR", "TMP", "TEMP"} {
		if dir := os.Getenv(env); dir != "" {
			return dir
		}
	}
	return "/tmp"
}

// SocketPath returns the path of socket slot n in dir.
func SocketPath(dir string, n int) string {
	return filepath.Join(dir, SocketPrefix+strconv.Itoa(n))
}

// Server is a listening IPC socket.
type Server struct {
	ln     net.Listener
	path   string
	logger *slog.Logger
	wg     sync.WaitGroup
}

// Listen binds the first free socket slot. A slot whose socket file exists
// but does not accept connections is stale; it is removed and reused.
func Listen(cfg Config) (*Server, error) {
	if cfg.Dir == "" {
		cfg.Dir = RuntimeDir()
	}
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	for n := range cfg.Slots {
		path := SocketPath(cfg.Dir, n)
		ln, err := listenSlot(path, cfg.Logger)
		if err == nil {
			return &Server{ln: ln, path: path, logger: cfg.Logger}, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen %s: %w", path, err)
		}
		cfg.Logger.Debug("ipc socket in use", "path", path)
	}
	return nil, fmt.Errorf("no free ipc socket in %s (tried %d)", cfg.Dir, cfg.Slots)
}

func listenSlot(path string, logger *slog.Logger) (net.Listener, error) {
	ln, err := net.Listen("unix", path)
	if err == nil || !errors.Is(err, syscall.EADDRINUSE) {
		return ln, err
	}
	conn, dialErr := net.DialTimeout("unix", path, staleDialTimeout)
	if dialErr == nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Info("removing stale ipc socket", "path", path)
	if rmErr := os.Remove(path); rmErr != nil {
		return nil, fmt.Errorf("remove stale socket: %w", rmErr)
	}
	return net.Listen("unix", path)
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Serve accepts connections and serves each on its own goroutine until ctx
// is cancelled, then waits for the connections to finish. The socket file
// is removed when Serve returns.
func (s *Server) Serve(ctx context.Context, h ClientServer) error {
	s.logger.Info("ipc listening", "path", s.path)

	stop := context.AfterFunc(ctx, func() {
		_ = s.ln.Close()
	})
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close() //nolint:errcheck // best-effort cleanup
			if err := h.ServeClient(ctx, conn); err != nil {
				s.logger.Debug("client session ended", "error", err)
			}
		}()
	}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
