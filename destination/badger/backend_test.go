package badger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemoryBackend(t *testing.T) *Backend {
	t.Helper()
	backend, err := OpenBackend("", true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestOpenBackend_FileSystem(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "db")
	backend, err := OpenBackend(dir, false, nil)
	require.NoError(t, err)
	defer backend.Close()

	assert.False(t, backend.IsClosed())
	assert.DirExists(t, dir)
}

func TestOpenBackend_PathIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := OpenBackend(file, false, nil)
	assert.Error(t, err)
}

func TestBackendClose(t *testing.T) {
	backend, err := OpenBackend("", true, nil)
	require.NoError(t, err)

	assert.False(t, backend.IsClosed())
	require.NoError(t, backend.Close())
	assert.True(t, backend.IsClosed())
}

func TestReplaceFile(t *testing.T) {
	ctx := context.Background()
	backend := openMemoryBackend(t)

	first := []*Record{
		{ElementID: "a1", FileName: "a.pdf", Text: "one", Vector: []float32{1, 0}},
		{ElementID: "a2", FileName: "a.pdf", Text: "two", Vector: []float32{0, 1}},
	}
	require.NoError(t, backend.ReplaceFile(ctx, "a.pdf", first))
	require.NoError(t, backend.ReplaceFile(ctx, "b.pdf", []*Record{
		{ElementID: "b1", FileName: "b.pdf", Text: "other", Vector: []float32{1, 1}},
	}))

	count, err := backend.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	second := []*Record{
		{ElementID: "a3", FileName: "a.pdf", Text: "three", Vector: []float32{1, 0}},
	}
	require.NoError(t, backend.ReplaceFile(ctx, "a.pdf", second))

	records, err := backend.FileRecords(ctx, "a.pdf")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a3", records[0].ElementID)

	gone, err := backend.Get(ctx, "a.pdf", "a1")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := backend.Get(ctx, "b.pdf", "b1")
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, "other", kept.Text)

	count, err = backend.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestReplaceFile_SameElementIDAcrossFiles(t *testing.T) {
	ctx := context.Background()
	backend := openMemoryBackend(t)

	require.NoError(t, backend.ReplaceFile(ctx, "a.pdf", []*Record{
		{ElementID: "e1", FileName: "a.pdf", Text: "from A", Vector: []float32{1, 0}},
	}))
	require.NoError(t, backend.ReplaceFile(ctx, "b.pdf", []*Record{
		{ElementID: "e1", FileName: "b.pdf", Text: "from B", Vector: []float32{0, 1}},
	}))

	a, err := backend.Get(ctx, "a.pdf", "e1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "a.pdf", a.FileName)
	assert.Equal(t, "from A", a.Text)

	// Re-running a.pdf leaves b.pdf alone.
	require.NoError(t, backend.ReplaceFile(ctx, "a.pdf", []*Record{
		{ElementID: "e1", FileName: "a.pdf", Text: "from A again", Vector: []float32{1, 0}},
	}))

	records, err := backend.FileRecords(ctx, "b.pdf")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "from B", records[0].Text)

	records, err = backend.FileRecords(ctx, "a.pdf")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "from A again", records[0].Text)

	count, err := backend.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestReplaceFile_FileNamePrefixIsolation(t *testing.T) {
	ctx := context.Background()
	backend := openMemoryBackend(t)

	require.NoError(t, backend.ReplaceFile(ctx, "a.pdf", []*Record{{ElementID: "x", FileName: "a.pdf"}}))
	require.NoError(t, backend.ReplaceFile(ctx, "a.pdf.bak", []*Record{{ElementID: "y", FileName: "a.pdf.bak"}}))
	require.NoError(t, backend.ReplaceFile(ctx, "a.pdf", nil))

	records, err := backend.FileRecords(ctx, "a.pdf.bak")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "y", records[0].ElementID)
}

func TestReplaceFile_LargeBatch(t *testing.T) {
	ctx := context.Background()
	backend := openMemoryBackend(t)

	records := make([]*Record, 500)
	for i := range records {
		records[i] = &Record{
			ElementID: fmt.Sprintf("e%04d", i),
			FileName:  "big.pdf",
			Vector:    make([]float32, 256),
		}
	}
	require.NoError(t, backend.ReplaceFile(ctx, "big.pdf", records))

	count, err := backend.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 500, count)
}

func TestFindSimilar(t *testing.T) {
	ctx := context.Background()
	backend := openMemoryBackend(t)

	require.NoError(t, backend.ReplaceFile(ctx, "a.pdf", []*Record{
		{ElementID: "same", Vector: []float32{2, 0}},
		{ElementID: "close", Vector: []float32{1, 1}},
		{ElementID: "orthogonal", Vector: []float32{0, 3}},
		{ElementID: "opposite", Vector: []float32{-1, 0}},
		{ElementID: "empty"},
	}))

	results, err := backend.FindSimilar(ctx, []float32{1, 0}, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "same", results[0].Record.ElementID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, "close", results[1].Record.ElementID)
	assert.InDelta(t, 0.7071, results[1].Score, 1e-3)

	limited, err := backend.FindSimilar(ctx, []float32{1, 0}, -1, 3)
	require.NoError(t, err)
	require.Len(t, limited, 3)
	assert.Equal(t, "orthogonal", limited[2].Record.ElementID)
}

func TestFindSimilar_NoRecords(t *testing.T) {
	backend := openMemoryBackend(t)

	results, err := backend.FindSimilar(context.Background(), []float32{1, 0}, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-6)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Equal(t, float32(0), cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, float32(0), cosine(nil, []float32{1}))
}
