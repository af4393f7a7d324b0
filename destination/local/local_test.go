package local

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/poiesic/docflow/core"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
}

func TestDestination_Write(t *testing.T) {
	fsys := afero.NewMemMapFs()
	dst, err := New("/out", WithFs(fsys), WithNow(fixedNow))
	require.NoError(t, err)

	elements := []core.Element{
		{"element_id": "e1", "text": "标题 <b>", "metadata": map[string]any{"page": 1}},
	}
	meta := core.WriteMetadata{
		FileName:      "reports/q1.report.pdf",
		TotalElements: 1,
		ProcessedAt:   "2025-06-01T08:29:59Z",
		Stats:         core.StageCounts{OriginalElements: 4, ChunkedElements: 1, EmbeddedElements: 1},
	}

	ok, err := dst.Write(context.Background(), elements, meta)
	require.NoError(t, err)
	require.True(t, ok)

	raw, err := afero.ReadFile(fsys, "/out/q1.report_result.json")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "标题 <b>", "non-ascii and html are written verbatim")
	assert.Contains(t, string(raw), "\n  \"metadata\"", "output is indented")

	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, meta, doc.Metadata)
	assert.Equal(t, "2025-06-01T08:30:00Z", doc.Timestamp)
	require.Len(t, doc.Data, 1)
	assert.Equal(t, "e1", doc.Data[0].ID())
}

func TestDestination_WriteEmptyElements(t *testing.T) {
	fsys := afero.NewMemMapFs()
	dst, err := New("/out", WithFs(fsys))
	require.NoError(t, err)

	ok, err := dst.Write(context.Background(), nil, core.WriteMetadata{})
	require.NoError(t, err)
	assert.True(t, ok)

	raw, err := afero.ReadFile(fsys, "/out/output_result.json")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"data": []`)
}

func TestDestination_WriteFailureReturnsFalse(t *testing.T) {
	mem := afero.NewMemMapFs()
	dst, err := New("/out", WithFs(mem))
	require.NoError(t, err)
	dst.fs = afero.NewReadOnlyFs(mem)

	ok, err := dst.Write(context.Background(), []core.Element{{"text": "x"}}, core.WriteMetadata{FileName: "a.pdf"})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestNew_Errors(t *testing.T) {
	_, err := New("", WithFs(afero.NewMemMapFs()))
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = New("/out", WithFs(afero.NewReadOnlyFs(afero.NewMemMapFs())))
	assert.ErrorIs(t, err, core.ErrConnection)
}

func TestStem(t *testing.T) {
	assert.Equal(t, "a", stem("a.pdf"))
	assert.Equal(t, "b", stem("dir/sub/b.docx"))
	assert.Equal(t, "noext", stem("noext"))
	assert.Equal(t, "output", stem(""))
	assert.Equal(t, ".env", stem(".env"))
	assert.Equal(t, ".env", stem("conf/.env.bak"))
	assert.Equal(t, "a.tar", stem("a.tar.gz"))
}
