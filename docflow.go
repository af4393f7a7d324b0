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

// Package docflow wires a configured source, the remote stage service and a
// destination into a ready-to-run ingestion pipeline.
package docflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/poiesic/docflow/config"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/destination"
	badgerdst "github.com/poiesic/docflow/destination/badger"
	localdst "github.com/poiesic/docflow/destination/local"
	"github.com/poiesic/docflow/destination/milvus"
	"github.com/poiesic/docflow/embedding"
	"github.com/poiesic/docflow/ingestion"
	"github.com/poiesic/docflow/search"
	"github.com/poiesic/docflow/source"
	"github.com/poiesic/docflow/source/ftp"
	localsrc "github.com/poiesic/docflow/source/local"
	"github.com/poiesic/docflow/source/s3"
	"github.com/poiesic/docflow/stage"
	"github.com/spf13/afero"
)

// ErrSearchUnsupported is returned when search is requested against a
// destination that cannot answer queries locally.
var ErrSearchUnsupported = errors.New("search requires a badger destination")

// Flow owns every component of a configured pipeline.
type Flow struct {
	source      source.Source
	destination destination.Destination
	invoker     *stage.Invoker
	pipeline    *ingestion.Pipeline
	logger      *slog.Logger
}

// Option configures how components are built.
type Option func(*options)

type options struct {
	logger          *slog.Logger
	observer        stage.AttemptObserver
	fs              afero.Fs
	embedder        embedding.Embedder
	pipelineOptions []ingestion.Option
	searchOptions   []search.Option
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver reports every remote call attempt to observer.
func WithObserver(observer stage.AttemptObserver) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// WithFs sets the filesystem used by local sources and destinations.
func WithFs(fsys afero.Fs) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithEmbedder replaces the query embedder built from the embed config.
func WithEmbedder(e embedding.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// WithPipelineOptions passes extra options to the pipeline.
func WithPipelineOptions(opts ...ingestion.Option) Option {
	return func(o *options) {
		o.pipelineOptions = append(o.pipelineOptions, opts...)
	}
}

// WithSearchOptions passes extra options to the searcher.
func WithSearchOptions(opts ...search.Option) Option {
	return func(o *options) {
		o.searchOptions = append(o.searchOptions, opts...)
	}
}

func newOptions(opts []Option) *options {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewPipelineFromConfig validates cfg and builds the invoker, source,
// destination and pipeline in that order. Anything already opened is closed
// again when a later step fails.
func NewPipelineFromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", core.ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)

	invoker, err := newInvoker(cfg, o)
	if err != nil {
		return nil, err
	}

	src, err := newSource(ctx, cfg.Source, o)
	if err != nil {
		return nil, err
	}

	dst, err := newDestination(ctx, cfg, o)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	pipelineOpts := append([]ingestion.Option{
		ingestion.WithLogger(o.logger),
		ingestion.WithFilePause(cfg.FilePause),
	}, o.pipelineOptions...)
	pipeline, err := ingestion.NewPipeline(src, dst, invoker, pipelineOpts...)
	if err != nil {
		_ = dst.Close()
		_ = src.Close()
		return nil, err
	}

	return &Flow{
		source:      src,
		destination: dst,
		invoker:     invoker,
		pipeline:    pipeline,
		logger:      o.logger,
	}, nil
}

// Pipeline returns the configured pipeline.
func (f *Flow) Pipeline() *ingestion.Pipeline {
	return f.pipeline
}

// Invoker returns the remote stage invoker.
func (f *Flow) Invoker() *stage.Invoker {
	return f.invoker
}

// Run processes every file the source lists.
func (f *Flow) Run(ctx context.Context) (*core.RunSummary, error) {
	return f.pipeline.Run(ctx)
}

// Close releases the destination first, then the source.
func (f *Flow) Close() error {
	var errs []error
	if err := f.destination.Close(); err != nil {
		f.logger.Error("error closing destination", "err", err)
		errs = append(errs, err)
	}
	if err := f.source.Close(); err != nil {
		f.logger.Error("error closing source", "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func newInvoker(cfg *config.Config, o *options) (*stage.Invoker, error) {
	return stage.NewInvoker(cfg.APIBaseURL, cfg.Stages(),
		stage.WithAttempts(cfg.Retry.Attempts),
		stage.WithRetryDelay(cfg.Retry.Delay),
		stage.WithTimeout(cfg.RequestTimeout),
		stage.WithHeaders(cfg.APIHeaders),
		stage.WithObserver(o.observer),
		stage.WithLogger(o.logger.With("component", "stage_invoker")),
	)
}

func newSource(ctx context.Context, cfg config.SourceConfig, o *options) (source.Source, error) {
	var (
		src source.Source
		err error
	)
	switch cfg.Type {
	case config.SourceS3:
		src, err = s3.New(ctx, s3.Config{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Region:    cfg.Region,
		}, s3.WithLogger(o.logger.With("component", "s3_source")))
	case config.SourceLocal:
		opts := []localsrc.Option{localsrc.WithLogger(o.logger.With("component", "local_source"))}
		if o.fs != nil {
			opts = append(opts, localsrc.WithFs(o.fs))
		}
		src, err = localsrc.New(cfg.Directory, cfg.Pattern, opts...)
	case config.SourceFTP:
		src, err = ftp.New(ctx, ftp.Config{
			Host:      cfg.Host,
			Port:      cfg.Port,
			Username:  cfg.Username,
			Password:  cfg.Password,
			Directory: cfg.Directory,
		}, ftp.WithLogger(o.logger.With("component", "ftp_source")))
	default:
		return nil, fmt.Errorf("%w: unknown source type %q", core.ErrConfiguration, cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

func newDestination(ctx context.Context, cfg *config.Config, o *options) (destination.Destination, error) {
	var (
		dst destination.Destination
		err error
	)
	d := cfg.Destination
	switch d.Type {
	case config.DestinationMilvus, config.DestinationZilliz:
		dst, err = milvus.New(ctx, milvus.Config{
			Address:    d.DBPath,
			Collection: d.CollectionName,
			Dimension:  d.Dimension,
			APIKey:     d.APIKey,
			Token:      d.Token,
		}, milvus.WithLogger(o.logger.With("component", "milvus_destination")))
	case config.DestinationLocal:
		opts := []localdst.Option{localdst.WithLogger(o.logger.With("component", "local_destination"))}
		if o.fs != nil {
			opts = append(opts, localdst.WithFs(o.fs))
		}
		dst, err = localdst.New(d.OutputDir, opts...)
	case config.DestinationBadger:
		dst, err = badgerdst.New(d.Path, badgerdst.WithLogger(o.logger.With("component", "badger_destination")))
	default:
		return nil, fmt.Errorf("%w: unknown destination type %q", core.ErrConfiguration, d.Type)
	}
	if err != nil {
		return nil, err
	}
	return dst, nil
}

// Searcher queries the elements held by a badger destination.
type Searcher struct {
	*search.Searcher
	destination *badgerdst.Destination
}

// NewSearcherFromConfig opens the badger destination named by cfg and
// embeds queries with the configured embed provider and model.
func NewSearcherFromConfig(cfg *config.Config, opts ...Option) (*Searcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", core.ErrConfiguration)
	}
	if cfg.Destination.Type != config.DestinationBadger {
		return nil, fmt.Errorf("%w: %w, got %q", core.ErrConfiguration, ErrSearchUnsupported, cfg.Destination.Type)
	}
	o := newOptions(opts)

	embedder := o.embedder
	if embedder == nil {
		e, err := embedding.New(embedding.Config{
			Embed:      cfg.EmbedConfig,
			BaseURL:    cfg.Embedding.BaseURL,
			APIKey:     cfg.Embedding.APIKey,
			Dimensions: cfg.Embedding.Dimensions,
		}, embedding.WithLogger(o.logger.With("component", "embedder")))
		if err != nil {
			return nil, err
		}
		embedder = e
	}

	dst, err := badgerdst.New(cfg.Destination.Path, badgerdst.WithLogger(o.logger.With("component", "badger_destination")))
	if err != nil {
		return nil, err
	}

	searchOpts := append([]search.Option{search.WithLogger(o.logger)}, o.searchOptions...)
	s, err := search.NewSearcher(dst.Backend(), embedder, searchOpts...)
	if err != nil {
		_ = dst.Close()
		return nil, err
	}
	return &Searcher{Searcher: s, destination: dst}, nil
}

// Close closes the underlying database.
func (s *Searcher) Close() error {
	return s.destination.Close()
}
