// Package milvus writes embedded elements to a Milvus or Zilliz collection.
package milvus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/destination"
)

// Field names of the collection schema.
const (
	FieldElementID  = "element_id"
	FieldEmbeddings = "embeddings"
	FieldText       = "text"
	FieldRecordID   = "record_id"
	FieldMetadata   = "metadata"
	FieldCreatedAt  = "created_at"

	idMaxLength        = 128
	textMaxLength      = 65535
	timestampMaxLength = 64
	shards             = 1
)

// Store is the subset of the vector database client used by Destination.
type Store interface {
	HasCollection(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, schema *entity.Schema) error
	CreateIndex(ctx context.Context, collection, field string, idx entity.Index) error
	LoadCollection(ctx context.Context, collection string) error
	Insert(ctx context.Context, collection string, columns ...entity.Column) error
	Close() error
}

// Config describes the target collection.
type Config struct {
	// Address is the server URI, e.g. http://localhost:19530 or a Zilliz
	// cloud endpoint.
	Address    string
	Collection string
	Dimension  int
	APIKey     string
	Token      string
}

// Destination inserts one row per embedded element.
type Destination struct {
	store      Store
	collection string
	dimension  int
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
}

var _ destination.Destination = (*Destination)(nil)

// Option configures a Destination.
type Option func(*Destination) error

// WithStore replaces the client built from Config.
func WithStore(store Store) Option {
	return func(d *Destination) error {
		if store == nil {
			return fmt.Errorf("%w: milvus store is nil", core.ErrConfiguration)
		}
		d.store = store
		return nil
	}
}

// WithNow sets the clock used for created_at.
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

// New connects and makes sure the collection exists. A missing collection
// is created with an AUTOINDEX cosine index and loaded.
func New(ctx context.Context, cfg Config, opts ...Option) (*Destination, error) {
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, fmt.Errorf("%w: collection name is required", core.ErrConfiguration)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be > 0, got %d", core.ErrConfiguration, cfg.Dimension)
	}

	d := &Destination{
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		now:        time.Now,
		newID:      uuid.NewString,
		logger:     slog.Default().With("component", "milvus_destination"),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}

	if d.store == nil {
		if strings.TrimSpace(cfg.Address) == "" {
			return nil, fmt.Errorf("%w: milvus address is required", core.ErrConfiguration)
		}
		store, err := dial(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: milvus %s: %w", core.ErrConnection, cfg.Address, err)
		}
		d.store = store
	}

	if err := d.ensureCollection(ctx); err != nil {
		_ = d.store.Close()
		return nil, fmt.Errorf("%w: %w", core.ErrConnection, err)
	}

	d.logger.Info("milvus destination ready", "address", cfg.Address, "collection", cfg.Collection, "dimension", cfg.Dimension)
	return d, nil
}

// Schema returns the collection schema for the given vector dimension.
func Schema(collection string, dimension int) *entity.Schema {
	return entity.NewSchema().
		WithName(collection).
		WithDescription("document elements").
		WithAutoID(false).
		WithDynamicFieldEnabled(true).
		WithField(entity.NewField().
			WithName(FieldElementID).
			WithDataType(entity.FieldTypeVarChar).
			WithIsPrimaryKey(true).
			WithMaxLength(idMaxLength)).
		WithField(entity.NewField().
			WithName(FieldEmbeddings).
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(dimension))).
		WithField(entity.NewField().
			WithName(FieldText).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(textMaxLength)).
		WithField(entity.NewField().
			WithName(FieldRecordID).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(idMaxLength)).
		WithField(entity.NewField().
			WithName(FieldMetadata).
			WithDataType(entity.FieldTypeJSON)).
		WithField(entity.NewField().
			WithName(FieldCreatedAt).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(timestampMaxLength))
}

func (d *Destination) ensureCollection(ctx context.Context) error {
	exists, err := d.store.HasCollection(ctx, d.collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", d.collection, err)
	}
	if exists {
		d.logger.Info("milvus collection exists", "collection", d.collection)
		return nil
	}

	if err := d.store.CreateCollection(ctx, Schema(d.collection, d.dimension)); err != nil {
		return fmt.Errorf("create collection %s: %w", d.collection, err)
	}
	idx, err := entity.NewIndexAUTOINDEX(entity.COSINE)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	if err := d.store.CreateIndex(ctx, d.collection, FieldEmbeddings, idx); err != nil {
		return fmt.Errorf("create index on %s: %w", FieldEmbeddings, err)
	}
	if err := d.store.LoadCollection(ctx, d.collection); err != nil {
		return fmt.Errorf("load collection %s: %w", d.collection, err)
	}

	d.logger.Info("milvus collection created", "collection", d.collection)
	return nil
}

type row struct {
	elementID string
	vector    []float32
	text      string
	recordID  string
	metadata  []byte
}

// Write inserts every element that carries an embedding. Elements without
// one are skipped; a batch with nothing to insert reports false.
func (d *Destination) Write(ctx context.Context, elements []core.Element, meta core.WriteMetadata) (bool, error) {
	rows := make([]row, 0, len(elements))
	for _, el := range elements {
		vector, ok := el.Embedding()
		if !ok {
			continue
		}
		if len(vector) != d.dimension {
			d.logger.Error("embedding dimension mismatch",
				"file", meta.FileName,
				"element_id", el.ID(),
				"got", len(vector),
				"want", d.dimension)
			return false, nil
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
		rows = append(rows, row{
			elementID: id,
			vector:    vector,
			text:      el.Text(),
			recordID:  el.RecordID(),
			metadata:  metadata,
		})
	}

	if len(rows) == 0 {
		d.logger.Warn("no embedded elements to insert", "file", meta.FileName, "elements", len(elements))
		return false, nil
	}

	if err := d.store.Insert(ctx, d.collection, d.columns(rows)...); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, fmt.Errorf("%w: milvus insert: %w", core.ErrTransport, err)
		}
		d.logger.Error("milvus insert failed", "file", meta.FileName, "rows", len(rows), "err", err)
		return false, nil
	}

	d.logger.Info("milvus rows inserted", "file", meta.FileName, "rows", len(rows), "skipped", len(elements)-len(rows))
	return true, nil
}

func (d *Destination) columns(rows []row) []entity.Column {
	var (
		ids       = make([]string, len(rows))
		vectors   = make([][]float32, len(rows))
		texts     = make([]string, len(rows))
		records   = make([]string, len(rows))
		metadata  = make([][]byte, len(rows))
		createdAt = make([]string, len(rows))
	)
	stamp := d.now().Format(time.RFC3339Nano)
	for i, r := range rows {
		ids[i] = r.elementID
		vectors[i] = r.vector
		texts[i] = r.text
		records[i] = r.recordID
		metadata[i] = r.metadata
		createdAt[i] = stamp
	}

	return []entity.Column{
		entity.NewColumnVarChar(FieldElementID, ids),
		entity.NewColumnFloatVector(FieldEmbeddings, d.dimension, vectors),
		entity.NewColumnVarChar(FieldText, texts),
		entity.NewColumnVarChar(FieldRecordID, records),
		entity.NewColumnJSONBytes(FieldMetadata, metadata),
		entity.NewColumnVarChar(FieldCreatedAt, createdAt),
	}
}

// Close releases the client connection.
func (d *Destination) Close() error {
	return d.store.Close()
}

// sdkStore adapts the SDK client to Store.
type sdkStore struct {
	c client.Client
}

func dial(ctx context.Context, cfg Config) (Store, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = cfg.Token
	}
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Address,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, err
	}
	return &sdkStore{c: c}, nil
}

func (s *sdkStore) HasCollection(ctx context.Context, name string) (bool, error) {
	return s.c.HasCollection(ctx, name)
}

func (s *sdkStore) CreateCollection(ctx context.Context, schema *entity.Schema) error {
	return s.c.CreateCollection(ctx, schema, shards)
}

func (s *sdkStore) CreateIndex(ctx context.Context, collection, field string, idx entity.Index) error {
	return s.c.CreateIndex(ctx, collection, field, idx, false)
}

func (s *sdkStore) LoadCollection(ctx context.Context, collection string) error {
	return s.c.LoadCollection(ctx, collection, false)
}

func (s *sdkStore) Insert(ctx context.Context, collection string, columns ...entity.Column) error {
	_, err := s.c.Insert(ctx, collection, "", columns...)
	return err
}

func (s *sdkStore) Close() error {
	return s.c.Close()
}
