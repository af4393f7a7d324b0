package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// SearchResult is a stored element scored against a query vector.
type SearchResult struct {
	Record *Record
	Score  float32
}

// Backend wraps a BadgerDB instance and provides low-level operations.
type Backend struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBackend opens a BadgerDB database at the specified path.
// Creates the directory if it doesn't exist. An in-memory database ignores path.
func OpenBackend(path string, inMemory bool, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(path)
	}

	opts.Logger = &badgerLoggerAdapter{logger: logger.With("subsystem", "badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &Backend{
		db:     db,
		logger: logger,
	}, nil
}

func ensureDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return err
		}
		if info, err = os.Stat(path); err != nil {
			return err
		}
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}

// Close closes the BadgerDB database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// IsClosed returns true if the database is closed.
func (b *Backend) IsClosed() bool {
	return b.db.IsClosed()
}

// WithTx executes a function within a BadgerDB transaction.
// If isWrite is true, creates a read-write transaction.
// The transaction is automatically discarded if fn returns an error.
func (b *Backend) WithTx(fn func(tx *badger.Txn) error, isWrite bool) error {
	tx := b.db.NewTransaction(isWrite)
	defer tx.Discard()
	return fn(tx)
}

// ReplaceFile removes every element previously stored for fileName and
// stores records in its place. Element ids are scoped to their file. Batches larger than a single transaction
// are committed in several steps.
func (b *Backend) ReplaceFile(ctx context.Context, fileName string, records []*Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	previous, err := b.fileElementIDs(fileName)
	if err != nil {
		return err
	}

	w := &splitWriter{db: b.db, txn: b.db.NewTransaction(true)}
	defer func() { w.txn.Discard() }()

	for _, id := range previous {
		if err := w.apply(func(tx *badger.Txn) error {
			return tx.Delete(makeElementKey(fileName, id))
		}); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}

	for _, r := range records {
		value := MarshalRecord(r)
		if err := w.apply(func(tx *badger.Txn) error {
			return tx.Set(makeElementKey(fileName, r.ElementID), value)
		}); err != nil {
			return fmt.Errorf("store %s: %w", r.ElementID, err)
		}
	}

	return w.txn.Commit()
}

// splitWriter commits and reopens the transaction when it grows too big.
type splitWriter struct {
	db  *badger.DB
	txn *badger.Txn
}

func (w *splitWriter) apply(op func(tx *badger.Txn) error) error {
	err := op(w.txn)
	if !errors.Is(err, badger.ErrTxnTooBig) {
		return err
	}
	if err := w.txn.Commit(); err != nil {
		return err
	}
	w.txn = w.db.NewTransaction(true)
	return op(w.txn)
}

func (b *Backend) fileElementIDs(fileName string) ([]string, error) {
	var ids []string
	err := b.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = makeFilePrefix(fileName)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			ids = append(ids, elementIDFromKey(iter.Item().KeyCopy(nil)))
		}
		return nil
	}, false)
	return ids, err
}

// Get returns the element of fileName with the given id, or nil when it does
// not exist.
func (b *Backend) Get(ctx context.Context, fileName, elementID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var record *Record
	err := b.WithTx(func(tx *badger.Txn) error {
		item, err := tx.Get(makeElementKey(fileName, elementID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			record, err = UnmarshalRecord(val)
			return err
		})
	}, false)
	return record, err
}

// FileRecords returns the elements stored for fileName.
func (b *Backend) FileRecords(ctx context.Context, fileName string) ([]*Record, error) {
	ids, err := b.fileElementIDs(fileName)
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		r, err := b.Get(ctx, fileName, id)
		if err != nil {
			return nil, err
		}
		if r != nil {
			records = append(records, r)
		}
	}
	return records, nil
}

// Count returns the number of stored elements.
func (b *Backend) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0
	err := b.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(elementPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			count++
		}
		return nil
	}, false)
	return count, err
}

// FindSimilar returns stored elements whose cosine similarity to vector is
// at least minSimilarity, best first, at most limit of them.
func (b *Backend) FindSimilar(ctx context.Context, vector []float32, minSimilarity float32, limit int) ([]*SearchResult, error) {
	var results []*SearchResult

	err := b.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(elementPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var record *Record
			err := iter.Item().Value(func(val []byte) error {
				var err error
				record, err = UnmarshalRecord(val)
				return err
			})
			if err != nil {
				return err
			}
			if record == nil || len(record.Vector) == 0 {
				continue
			}

			similarity := cosine(vector, record.Vector)
			if similarity >= minSimilarity {
				results = append(results, &SearchResult{
					Record: record,
					Score:  similarity,
				})
			}
		}

		return nil
	}, false)

	if err != nil {
		return nil, err
	}

	slices.SortFunc(results, func(a, b *SearchResult) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return 0
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

// cosine returns the cosine similarity of two vectors over their common
// length, or 0 when either has no magnitude.
func cosine(a, b []float32) float32 {
	var dot, normA, normB float64
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
