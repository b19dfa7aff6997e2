package embed

import (
	"context"
	"hash/fnv"
	"math"
)

// MockEmbedder generates deterministic unit vectors from a text hash. The
// same text always embeds to the same vector, so similarity-dependent
// behavior is exactly reproducible in tests without a model server.
type MockEmbedder struct {
	dims int
}

// NewMock creates a mock embedder. dims <= 0 defaults to 384.
func NewMock(dims int) *MockEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &MockEmbedder{dims: dims}
}

// Embed derives a vector from the FNV hash of the text using an LCG,
// normalized to unit length.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dims)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / float64(math.MaxInt64)
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the vector size.
func (m *MockEmbedder) Dimensions() int { return m.dims }

var _ Embedder = (*MockEmbedder)(nil)
