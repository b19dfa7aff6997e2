package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// Magnitude does not matter.
	assert.InDelta(t, 1.0, Cosine([]float32{2, 0}, []float32{7, 0}), 1e-9)

	// Degenerate inputs score zero.
	assert.Equal(t, 0.0, Cosine(nil, []float32{1}))
	assert.Equal(t, 0.0, Cosine([]float32{1, 0}, []float32{1}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestBruteIndexQueryOrdering(t *testing.T) {
	idx := NewBruteIndex()
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, Entry{ID: "a", NodeID: "n1", Vector: []float32{1, 0}}))
	require.NoError(t, idx.Index(ctx, Entry{ID: "b", NodeID: "n2", Vector: []float32{0.9, 0.1}}))
	require.NoError(t, idx.Index(ctx, Entry{ID: "c", NodeID: "n3", Vector: []float32{0, 1}}))

	hits, err := idx.Query(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "b", hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestBruteIndexUpsertAndDelete(t *testing.T) {
	idx := NewBruteIndex()
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, Entry{ID: "a", Vector: []float32{1, 0}}))
	require.NoError(t, idx.Index(ctx, Entry{ID: "a", Vector: []float32{0, 1}}))
	assert.Equal(t, 1, idx.Len())

	hits, err := idx.Query(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)

	require.NoError(t, idx.Delete(ctx, "a"))
	require.NoError(t, idx.Delete(ctx, "a"), "double delete is a no-op")
	assert.Equal(t, 0, idx.Len())
}
