// Package local writes processed elements as JSON files.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/destination"
	"github.com/spf13/afero"
)

const (
	resultSuffix = "_result.json"
	fallbackStem = "output"
)

// Document is the file layout written for each processed item.
type Document struct {
	Metadata  core.WriteMetadata `json:"metadata"`
	Data      []core.Element     `json:"data"`
	Timestamp string             `json:"timestamp"`
}

// Destination writes one <stem>_result.json file per processed item.
// Items sharing a base name overwrite each other.
type Destination struct {
	fs        afero.Fs
	outputDir string
	now       func() time.Time
	logger    *slog.Logger
}

var _ destination.Destination = (*Destination)(nil)

// Option configures a Destination.
type Option func(*Destination) error

// WithFs sets the filesystem. Defaults to the OS.
func WithFs(fsys afero.Fs) Option {
	return func(d *Destination) error {
		if fsys == nil {
			return fmt.Errorf("%w: filesystem is nil", core.ErrConfiguration)
		}
		d.fs = fsys
		return nil
	}
}

// WithNow sets the clock used for the document timestamp.
func WithNow(now func() time.Time) Option {
	return func(d *Destination) error {
		if now != nil {
			d.now = now
		}
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Destination) error {
		if logger != nil {
			d.logger = logger
		}
		return nil
	}
}

// New creates outputDir if needed.
func New(outputDir string, opts ...Option) (*Destination, error) {
	if strings.TrimSpace(outputDir) == "" {
		return nil, fmt.Errorf("%w: output directory is required", core.ErrConfiguration)
	}

	d := &Destination{
		fs:        afero.NewOsFs(),
		outputDir: outputDir,
		now:       time.Now,
		logger:    slog.Default().With("component", "local_destination"),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}

	if err := d.fs.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output directory %s: %w", core.ErrConnection, outputDir, err)
	}

	d.logger.Info("local destination ready", "output_dir", outputDir)
	return d, nil
}

// Path returns the output file for a source item name.
func (d *Destination) Path(fileName string) string {
	return filepath.Join(d.outputDir, stem(fileName)+resultSuffix)
}

// Write stores elements and metadata as indented JSON.
func (d *Destination) Write(_ context.Context, elements []core.Element, meta core.WriteMetadata) (bool, error) {
	doc := Document{
		Metadata:  meta,
		Data:      elements,
		Timestamp: d.now().Format(time.RFC3339Nano),
	}
	if doc.Data == nil {
		doc.Data = []core.Element{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		d.logger.Error("encode result failed", "file", meta.FileName, "err", err)
		return false, nil
	}

	out := d.Path(meta.FileName)
	if err := afero.WriteFile(d.fs, out, buf.Bytes(), 0o644); err != nil {
		d.logger.Error("write result failed", "file", meta.FileName, "path", out, "err", err)
		return false, nil
	}

	d.logger.Info("result written", "file", meta.FileName, "path", out, "elements", len(elements))
	return true, nil
}

// Close is a no-op.
func (d *Destination) Close() error {
	return nil
}

func stem(fileName string) string {
	base := path.Base(filepath.ToSlash(fileName))
	if ext := path.Ext(base); ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." || base == "/" {
		return fallbackStem
	}
	return base
}
