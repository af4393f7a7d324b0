// Package ftp reads documents from an FTP server.
package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	goftp "github.com/jlaffaye/ftp"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/source"
)

const (
	// DefaultPort is the standard FTP control port.
	DefaultPort = 21
	// DefaultDialTimeout bounds connection setup.
	DefaultDialTimeout = 30 * time.Second
)

// ErrClosed is returned by operations on a closed Source.
var ErrClosed = errors.New("ftp source closed")

// Conn is the subset of an FTP control connection used by Source.
type Conn interface {
	Login(user, password string) error
	ChangeDir(dir string) error
	NameList(dir string) ([]string, error)
	Retrieve(name string) (io.ReadCloser, error)
	Quit() error
}

// Dialer opens a control connection to addr.
type Dialer func(ctx context.Context, addr string, timeout time.Duration) (Conn, error)

// Config holds the server address and credentials.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	Directory string
}

// Source lists and retrieves files from a single FTP directory.
// A control connection serves one command at a time, so calls are serialized.
type Source struct {
	mu      sync.Mutex
	conn    Conn
	addr    string
	dial    Dialer
	timeout time.Duration
	logger  *slog.Logger
}

var _ source.Source = (*Source)(nil)

// Option configures a Source.
type Option func(*Source) error

// WithDialer replaces the network dialer.
func WithDialer(dial Dialer) Option {
	return func(s *Source) error {
		if dial == nil {
			return fmt.Errorf("%w: dialer is nil", core.ErrConfiguration)
		}
		s.dial = dial
		return nil
	}
}

// WithDialTimeout bounds connection setup.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Source) error {
		if d <= 0 {
			return fmt.Errorf("%w: dial timeout must be > 0, got %s", core.ErrConfiguration, d)
		}
		s.timeout = d
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// New dials the server, logs in and changes into cfg.Directory when set.
func New(ctx context.Context, cfg Config, opts ...Option) (*Source, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("%w: ftp host is required", core.ErrConfiguration)
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}

	s := &Source{
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		dial:    dialServer,
		timeout: DefaultDialTimeout,
		logger:  slog.Default().With("component", "ftp_source"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	conn, err := s.dial(ctx, s.addr, s.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: ftp dial %s: %w", core.ErrConnection, s.addr, err)
	}
	if err := conn.Login(cfg.Username, cfg.Password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("%w: ftp login %s@%s: %w", core.ErrConnection, cfg.Username, s.addr, err)
	}
	if cfg.Directory != "" {
		if err := conn.ChangeDir(cfg.Directory); err != nil {
			_ = conn.Quit()
			return nil, fmt.Errorf("%w: ftp cwd %s: %w", core.ErrConnection, cfg.Directory, err)
		}
	}
	s.conn = conn

	s.logger.Info("ftp source connected", "addr", s.addr, "directory", cfg.Directory)
	return s, nil
}

// List returns the names in the working directory as the server orders them.
func (s *Source) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", core.ErrTransport, ErrClosed)
	}
	names, err := s.conn.NameList("")
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: ftp nlst: %w", core.ErrTransport, err)
	}

	keys := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		switch path.Base(name) {
		case "", ".", "..":
			continue
		}
		keys = append(keys, name)
	}

	s.logger.Info("ftp files listed", "addr", s.addr, "count", len(keys))
	return keys, nil
}

// Read retrieves one file in binary mode.
func (s *Source) Read(ctx context.Context, key string) ([]byte, error) {
	if err := core.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, fmt.Errorf("%w: %w", core.ErrTransport, ErrClosed)
	}

	r, err := s.conn.Retrieve(key)
	if err != nil {
		if isUnavailable(err) {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: ftp retr %s: %w", core.ErrTransport, key, err)
	}
	content, readErr := io.ReadAll(r)
	closeErr := r.Close()
	if readErr != nil {
		return nil, fmt.Errorf("%w: ftp read %s: %w", core.ErrTransport, key, readErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("%w: ftp close %s: %w", core.ErrTransport, key, closeErr)
	}
	return content, nil
}

// Close ends the session.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Quit()
	s.conn = nil
	return err
}

// isUnavailable reports a 550 reply, which servers send for missing files.
func isUnavailable(err error) bool {
	var reply *textproto.Error
	return errors.As(err, &reply) && reply.Code == goftp.StatusFileUnavailable
}

type serverConn struct {
	*goftp.ServerConn
}

func (c serverConn) Retrieve(name string) (io.ReadCloser, error) {
	return c.Retr(name)
}

func dialServer(ctx context.Context, addr string, timeout time.Duration) (Conn, error) {
	conn, err := goftp.Dial(addr, goftp.DialWithContext(ctx), goftp.DialWithTimeout(timeout))
	if err != nil {
		return nil, err
	}
	return serverConn{conn}, nil
}
