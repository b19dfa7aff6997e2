// Package vector provides the pluggable nearest-neighbor index over content
// embeddings.
//
// Two backends implement the same interface: ChromemIndex delegates search
// to an embedded chromem-go database, and BruteIndex performs brute-force
// cosine similarity over a materialized snapshot. BruteIndex is used for
// small deployments and tests; callers cannot tell them apart.
package vector

import (
	"context"
	"math"
	"strconv"
)

// Entry is one indexed embedding. NodeID points back at the graph record;
// ChunkIndex distinguishes chunks of long content embedded separately.
type Entry struct {
	ID         string
	NodeID     string
	ChunkIndex int
	Vector     []float32
	Metadata   map[string]string
}

// Hit is one ranked query result, highest cosine similarity first.
type Hit struct {
	ID         string
	NodeID     string
	ChunkIndex int
	Score      float64
	Metadata   map[string]string
}

// Index is the vector index interface.
//
// Implementations must be safe for concurrent use. Indexing the same ID
// twice replaces the previous entry.
type Index interface {
	Index(ctx context.Context, e Entry) error
	// Query returns up to topK hits ranked by cosine similarity.
	Query(ctx context.Context, vec []float32, topK int) ([]Hit, error)
	Delete(ctx context.Context, id string) error
}

// Cosine computes cosine similarity between two vectors, 0 when either is
// empty or lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func itoa(i int) string { return strconv.Itoa(i) }
