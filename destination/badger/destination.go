// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package badger stores embedded elements in an embedded BadgerDB database
// and answers cosine similarity queries over them.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/destination"
)

// Destination writes each processed file's embedded elements, replacing
// whatever an earlier run stored for the same file.
type Destination struct {
	backend  *Backend
	path     string
	inMemory bool
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

var _ destination.Destination = (*Destination)(nil)

// Option configures a Destination.
type Option func(*Destination) error

// WithInMemory keeps the database in memory. Intended for tests.
func WithInMemory() Option {
	return func(d *Destination) error {
		d.inMemory = true
		return nil
	}
}

// WithNow sets the clock used for record creation times.
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

// New opens or creates the database at path.
func New(path string, opts ...Option) (*Destination, error) {
	d := &Destination{
		path:   path,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default().With("component", "badger_destination"),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if !d.inMemory && strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: badger path is required", core.ErrConfiguration)
	}

	backend, err := OpenBackend(path, d.inMemory, d.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger at %s: %w", core.ErrConnection, path, err)
	}
	d.backend = backend

	d.logger.Info("badger destination ready", "path", path, "in_memory", d.inMemory)
	return d, nil
}

// Backend exposes the underlying store for queries.
func (d *Destination) Backend() *Backend {
	return d.backend
}

// Write stores every element that carries an embedding. Elements without
// one are skipped; a batch with nothing to store reports false.
func (d *Destination) Write(ctx context.Context, elements []core.Element, meta core.WriteMetadata) (bool, error) {
	createdAt := d.now().UnixMicro()
	records := make([]*Record, 0, len(elements))
	for _, el := range elements {
		vector, ok := el.Embedding()
		if !ok {
			continue
		}
		metadata, err := json.Marshal(el.MetadataWithout(core.EmbeddingField))
		if err != nil {
			d.logger.Error("encode element metadata failed", "file", meta.FileName, "err", err)
			return false, nil
		}
		id := el.ID()
		if id == "" {
			id = d.newID()
		}
		records = append(records, &Record{
			ElementID:  id,
			FileName:   meta.FileName,
			FileDigest: meta.FileDigest,
			RecordID:   el.RecordID(),
			Text:       el.Text(),
			Metadata:   string(metadata),
			Vector:     vector,
			CreatedAt:  createdAt,
		})
	}

	if len(records) == 0 {
		d.logger.Warn("no embedded elements to store", "file", meta.FileName, "elements", len(elements))
		return false, nil
	}

	if err := d.backend.ReplaceFile(ctx, meta.FileName, records); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, fmt.Errorf("%w: badger write: %w", core.ErrTransport, err)
		}
		d.logger.Error("badger write failed", "file", meta.FileName, "records", len(records), "err", err)
		return false, nil
	}

	d.logger.Info("badger records stored", "file", meta.FileName, "records", len(records), "skipped", len(elements)-len(records))
	return true, nil
}

// Close closes the database.
func (d *Destination) Close() error {
	if d.backend.IsClosed() {
		return nil
	}
	return d.backend.Close()
}
