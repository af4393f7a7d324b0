package search

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/destination/badger"
	"github.com/poiesic/docflow/embedding/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *badger.Backend {
	t.Helper()
	dst, err := badger.NewMemoryDestination()
	require.NoError(t, err)
	t.Cleanup(func() { dst.Close() })

	records := []*badger.Record{
		{ElementID: "e1", FileName: "a.pdf", Text: "Alpha report overview", Vector: []float32{1, 0, 0}},
		{ElementID: "e2", FileName: "a.pdf", Text: "Quarterly revenue figures", Vector: []float32{0.9, 0.1, 0}},
		{ElementID: "e3", FileName: "b.pdf", Text: "Unrelated appendix", Vector: []float32{0, 1, 0}},
	}
	require.NoError(t, dst.Backend().ReplaceFile(context.Background(), "a.pdf", records[:2]))
	require.NoError(t, dst.Backend().ReplaceFile(context.Background(), "b.pdf", records[2:]))
	return dst.Backend()
}

func fixedEmbedder(vec []float32) *mock.Embedder {
	return &mock.Embedder{EmbedTextFunc: func(context.Context, string) ([]float32, error) {
		return vec, nil
	}}
}

func TestNewSearcher(t *testing.T) {
	index := newTestIndex(t)
	embedder := mock.NewEmbedder(3)

	t.Run("valid configuration", func(t *testing.T) {
		searcher, err := NewSearcher(index, embedder)
		require.NoError(t, err)
		assert.NotNil(t, searcher)
	})

	t.Run("with nil logger falls back to default", func(t *testing.T) {
		searcher, err := NewSearcher(index, embedder, WithLogger(nil))
		require.NoError(t, err)
		assert.Equal(t, slog.Default(), searcher.logger)
	})

	t.Run("nil index", func(t *testing.T) {
		_, err := NewSearcher(nil, embedder)
		assert.Equal(t, ErrIndexRequired, err)
	})

	t.Run("nil embedder", func(t *testing.T) {
		_, err := NewSearcher(index, nil)
		assert.Equal(t, ErrEmbedderRequired, err)
	})

	t.Run("similarity out of range", func(t *testing.T) {
		_, err := NewSearcher(index, embedder, WithMinSimilarity(1.5))
		assert.ErrorIs(t, err, core.ErrConfiguration)
	})
}

func TestFindSimilar_EmptyDatabase(t *testing.T) {
	dst, err := badger.NewMemoryDestination()
	require.NoError(t, err)
	defer dst.Close()

	searcher, err := NewSearcher(dst.Backend(), mock.NewEmbedder(3))
	require.NoError(t, err)

	results, err := searcher.FindSimilar(context.Background(), "test query", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFindSimilar_VerbatimBoost(t *testing.T) {
	searcher, err := NewSearcher(newTestIndex(t), fixedEmbedder([]float32{1, 0, 0}))
	require.NoError(t, err)

	results, err := searcher.FindSimilar(context.Background(), "quarterly revenue", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "e2", results[0].Record.ElementID)
	assert.True(t, results[0].Verbatim)
	assert.InDelta(t, results[0].Similarity+VerbatimBoost, results[0].Score, 1e-6)

	assert.Equal(t, "e1", results[1].Record.ElementID)
	assert.False(t, results[1].Verbatim)
	assert.InDelta(t, 1.0, results[1].Score, 1e-6)
}

func TestFindSimilar_WithMaxHits(t *testing.T) {
	searcher, err := NewSearcher(newTestIndex(t), fixedEmbedder([]float32{1, 0, 0}), WithMinSimilarity(-1))
	require.NoError(t, err)

	results, err := searcher.FindSimilar(context.Background(), "overview", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "e1", results[0].Record.ElementID)

	results, err = searcher.FindSimilar(context.Background(), "overview", 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFindSimilar_EmptyQuery(t *testing.T) {
	searcher, err := NewSearcher(newTestIndex(t), mock.NewEmbedder(3))
	require.NoError(t, err)

	_, err = searcher.FindSimilar(context.Background(), "   ", 5)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestFindSimilar_EmbedderError(t *testing.T) {
	boom := errors.New("boom")
	embedder := &mock.Embedder{EmbedTextFunc: func(context.Context, string) ([]float32, error) {
		return nil, boom
	}}
	searcher, err := NewSearcher(newTestIndex(t), embedder)
	require.NoError(t, err)

	_, err = searcher.FindSimilar(context.Background(), "revenue", 5)
	assert.ErrorIs(t, err, boom)
}

type recordingMonitor struct {
	query    string
	semantic []string
	verbatim []string
	finished int
}

func (m *recordingMonitor) Start(query string)                { m.query = query }
func (m *recordingMonitor) AfterSemanticSearch(ids []string)  { m.semantic = ids }
func (m *recordingMonitor) VerbatimHit(record *badger.Record) { m.verbatim = append(m.verbatim, record.ElementID) }
func (m *recordingMonitor) Finish(results []*Result)          { m.finished = len(results) }

func TestFindSimilarWithMonitor(t *testing.T) {
	searcher, err := NewSearcher(newTestIndex(t), fixedEmbedder([]float32{1, 0, 0}))
	require.NoError(t, err)

	monitor := &recordingMonitor{}
	_, err = searcher.FindSimilarWithMonitor(context.Background(), "revenue figures", 10, monitor)
	require.NoError(t, err)

	assert.Equal(t, "revenue figures", monitor.query)
	assert.Equal(t, []string{"e1", "e2"}, monitor.semantic)
	assert.Equal(t, []string{"e2"}, monitor.verbatim)
	assert.Equal(t, 2, monitor.finished)
}
