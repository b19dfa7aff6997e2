package vector

import (
	"context"
	"sort"
	"sync"
)

// BruteIndex is the fallback backend: a materialized in-memory snapshot
// searched by brute-force cosine similarity. It behaves identically to the
// native backend from the caller's point of view and is the default in
// tests and small deployments.
type BruteIndex struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewBruteIndex creates an empty index.
func NewBruteIndex() *BruteIndex {
	return &BruteIndex{entries: make(map[string]Entry)}
}

// Index adds or replaces an entry.
func (b *BruteIndex) Index(ctx context.Context, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[e.ID] = e
	return nil
}

// Query scores every entry and returns the topK by cosine similarity,
// ties broken by id for deterministic ordering.
func (b *BruteIndex) Query(ctx context.Context, vec []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}
	b.mu.RLock()
	hits := make([]Hit, 0, len(b.entries))
	for _, e := range b.entries {
		hits = append(hits, Hit{
			ID:         e.ID,
			NodeID:     e.NodeID,
			ChunkIndex: e.ChunkIndex,
			Score:      Cosine(vec, e.Vector),
			Metadata:   e.Metadata,
		})
	}
	b.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Delete removes an entry; deleting a missing id is a no-op.
func (b *BruteIndex) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
	return nil
}

// Len reports the number of indexed entries.
func (b *BruteIndex) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

var _ Index = (*BruteIndex)(nil)
