package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/destination/badger"
	"github.com/poiesic/docflow/embedding"
)

const (
	// DefaultMinSimilarity is the cosine similarity a stored element must
	// reach to count as a hit.
	DefaultMinSimilarity float32 = 0.60
	// VerbatimBoost is added to the score of elements containing every query word.
	VerbatimBoost float32 = 0.3
)

// Index answers nearest-neighbour queries over stored elements.
// *badger.Backend is the production implementation.
type Index interface {
	FindSimilar(ctx context.Context, vector []float32, minSimilarity float32, limit int) ([]*badger.SearchResult, error)
}

var _ Index = (*badger.Backend)(nil)

// Result is a stored element ranked against a query.
type Result struct {
	Record     *badger.Record
	Similarity float32
	Score      float32
	Verbatim   bool
}

// Searcher provides semantic search with a verbatim boost over stored elements.
type Searcher struct {
	index         Index
	embedder      embedding.Embedder
	minSimilarity float32
	logger        *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithMinSimilarity sets the similarity threshold, in [-1, 1].
func WithMinSimilarity(v float32) Option {
	return func(s *Searcher) error {
		if v < -1 || v > 1 {
			return fmt.Errorf("%w: min similarity must be in [-1, 1], got %v", core.ErrConfiguration, v)
		}
		s.minSimilarity = v
		return nil
	}
}

// NewSearcher creates a new searcher.
func NewSearcher(index Index, embedder embedding.Embedder, opts ...Option) (*Searcher, error) {
	if index == nil {
		return nil, ErrIndexRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	s := &Searcher{
		index:         index,
		embedder:      embedder,
		minSimilarity: DefaultMinSimilarity,
		logger:        slog.Default(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// FindSimilar searches for elements similar to the query.
// Returns up to maxHits results, ranked by relevance score.
func (s *Searcher) FindSimilar(ctx context.Context, query string, maxHits int) ([]*Result, error) {
	return s.FindSimilarWithMonitor(ctx, query, maxHits, nil)
}

// FindSimilarWithMonitor searches for elements similar to the query with monitoring.
// The monitor receives callbacks at each stage of the search process.
// Returns up to maxHits results, ranked by relevance score.
func (s *Searcher) FindSimilarWithMonitor(ctx context.Context, query string, maxHits int, monitor SearchMonitor) ([]*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if maxHits <= 0 {
		return []*Result{}, nil
	}
	// Use noop monitor if none provided
	if monitor == nil {
		monitor = &noopMonitor{}
	}

	monitor.Start(query)

	vector, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		s.logger.Error("error generating embedding for query", "query", query, "err", err)
		return nil, err
	}

	// The verbatim boost can reorder hits, so fetch more than asked for
	matches, err := s.index.FindSimilar(ctx, vector, s.minSimilarity, maxHits*2)
	if err != nil {
		s.logger.Error("error querying for similar elements", "err", err)
		return nil, err
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.Record.ElementID)
	}
	monitor.AfterSemanticSearch(ids)

	results := make([]*Result, 0, len(matches))
	for _, m := range matches {
		r := &Result{
			Record:     m.Record,
			Similarity: m.Score,
			Score:      m.Score,
		}
		if containsAllQueryWords(m.Record.Text, query) {
			r.Verbatim = true
			r.Score += VerbatimBoost
			monitor.VerbatimHit(m.Record)
		}
		results = append(results, r)
	}

	// Sort by score descending
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > maxHits {
		results = results[:maxHits]
	}
	monitor.Finish(results)

	s.logger.Debug("search finished", "query", query, "candidates", len(matches), "results", len(results))
	return results, nil
}
