package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockDeterministic(t *testing.T) {
	m := NewMock(0)
	ctx := context.Background()
	assert.Equal(t, 384, m.Dimensions())

	a, err := m.Embed(ctx, "alice works at techcorp")
	require.NoError(t, err)
	b, err := m.Embed(ctx, "alice works at techcorp")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := m.Embed(ctx, "completely different text")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	// Unit length.
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-3)

	vecs, err := m.EmbedBatch(ctx, []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], 384)
}

func newEmbedServer(t *testing.T, dims int, handler func(w http.ResponseWriter, input []string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(w, req.Input)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeEmbeddings(w http.ResponseWriter, n, dims int) {
	type datum struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}
	resp := struct {
		Data []datum `json:"data"`
	}{}
	for i := 0; i < n; i++ {
		vec := make([]float32, dims)
		vec[0] = float32(i + 1)
		resp.Data = append(resp.Data, datum{Index: i, Embedding: vec})
	}
	json.NewEncoder(w).Encode(resp)
}

func TestHTTPEmbedBatchSplitsBatches(t *testing.T) {
	var calls atomic.Int32
	srv := newEmbedServer(t, 4, func(w http.ResponseWriter, input []string) {
		calls.Add(1)
		assert.LessOrEqual(t, len(input), 2)
		writeEmbeddings(w, len(input), 4)
	})

	e := NewHTTP(Config{BaseURL: srv.URL + "/v1", BatchSize: 2, Dimensions: 4})
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	assert.Equal(t, int32(3), calls.Load(), "5 inputs at batch size 2 take 3 requests")
}

func TestHTTPEmbedHalvesFailingBatch(t *testing.T) {
	srv := newEmbedServer(t, 4, func(w http.ResponseWriter, input []string) {
		// The backend chokes on multi-item batches.
		if len(input) > 1 {
			http.Error(w, "too big", http.StatusInternalServerError)
			return
		}
		writeEmbeddings(w, 1, 4)
	})

	e := NewHTTP(Config{BaseURL: srv.URL + "/v1", BatchSize: 4, MaxRetries: 1, Dimensions: 4})
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Len(t, vecs, 4)
}

func TestHTTPEmbedPermanentFailure(t *testing.T) {
	srv := newEmbedServer(t, 4, func(w http.ResponseWriter, input []string) {
		http.Error(w, "down", http.StatusInternalServerError)
	})

	e := NewHTTP(Config{BaseURL: srv.URL + "/v1", BatchSize: 2, MaxRetries: 1, Dimensions: 4})
	_, err := e.Embed(context.Background(), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestHTTPEmbedTruncatesLongInput(t *testing.T) {
	srv := newEmbedServer(t, 4, func(w http.ResponseWriter, input []string) {
		require.Len(t, input, 1)
		assert.Len(t, input[0], 16)
		writeEmbeddings(w, 1, 4)
	})

	e := NewHTTP(Config{BaseURL: srv.URL + "/v1", MaxChars: 16, Dimensions: 4})
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	_, err := e.Embed(context.Background(), string(long))
	require.NoError(t, err)
}

func TestHTTPEmbedAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		writeEmbeddings(w, 1, 4)
	}))
	defer srv.Close()

	e := NewHTTP(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test", Dimensions: 4})
	_, err := e.Embed(context.Background(), "a")
	require.NoError(t, err)
}
