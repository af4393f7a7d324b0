package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedder_Deterministic(t *testing.T) {
	e := NewEmbedder(16)

	a, err := e.EmbedText(context.Background(), "invoice")
	require.NoError(t, err)
	b, err := e.EmbedText(context.Background(), "invoice")
	require.NoError(t, err)
	c, err := e.EmbedText(context.Background(), "contract")
	require.NoError(t, err)

	assert.Len(t, a, 16)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 3, e.CallCount())
}

func TestEmbedder_Func(t *testing.T) {
	boom := errors.New("boom")
	e := &Embedder{EmbedTextFunc: func(context.Context, string) ([]float32, error) {
		return nil, boom
	}}

	_, err := e.EmbedTexts(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, e.CallCount())
}
