// Package local reads documents from a directory tree.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/source"
	"github.com/spf13/afero"
)

// DefaultPattern matches every file.
const DefaultPattern = "*"

// Source lists files below a directory that match a glob pattern.
// Keys are slash separated paths relative to the directory.
type Source struct {
	fs        afero.Fs
	root      afero.Fs
	directory string
	pattern   string
	logger    *slog.Logger
}

var _ source.Source = (*Source)(nil)

// Option configures a Source.
type Option func(*Source) error

// WithFs sets the filesystem the directory is resolved on. Defaults to the OS.
func WithFs(fsys afero.Fs) Option {
	return func(s *Source) error {
		if fsys == nil {
			return fmt.Errorf("%w: filesystem is nil", core.ErrConfiguration)
		}
		s.fs = fsys
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

// New creates a source rooted at directory. The directory must exist.
// An empty pattern matches every file.
func New(directory, pattern string, opts ...Option) (*Source, error) {
	if strings.TrimSpace(directory) == "" {
		return nil, fmt.Errorf("%w: directory is required", core.ErrConfiguration)
	}
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: invalid pattern %q", core.ErrConfiguration, pattern)
	}

	s := &Source{
		fs:        afero.NewOsFs(),
		directory: directory,
		pattern:   pattern,
		logger:    slog.Default().With("component", "local_source"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	ok, err := afero.DirExists(s.fs, directory)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: directory %s does not exist", core.ErrConnection, directory)
	}
	s.root = afero.NewBasePathFs(s.fs, directory)

	s.logger.Info("local source ready", "directory", directory, "pattern", pattern)
	return s, nil
}

// List walks the directory recursively and returns matching files in
// lexical order.
func (s *Source) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keys, err := doublestar.Glob(afero.NewIOFS(s.root), recursive(s.pattern), doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("%w: glob %s in %s: %w", core.ErrTransport, s.pattern, s.directory, err)
	}
	slices.Sort(keys)

	s.logger.Info("local files listed", "directory", s.directory, "count", len(keys))
	return keys, nil
}

// Read returns the content of the file at key.
func (s *Source) Read(ctx context.Context, key string) ([]byte, error) {
	if err := core.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content, err := afero.ReadFile(s.root, path.Clean("/"+key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: read %s: %w", core.ErrTransport, key, err)
	}
	return content, nil
}

// Close is a no-op.
func (s *Source) Close() error {
	return nil
}

// recursive makes a plain pattern match at any depth, the way a recursive
// glob does.
func recursive(pattern string) string {
	if strings.HasPrefix(pattern, "**/") {
		return pattern
	}
	return "**/" + pattern
}
