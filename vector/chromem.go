package vector

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

const chromemCollection = "memories"

// ChromemIndex is the native backend: an embedded chromem-go database that
// performs server-side similarity search.
type ChromemIndex struct {
	db     *chromem.DB
	logger *zap.Logger

	mu  sync.Mutex
	col *chromem.Collection
}

// NewChromemIndex creates the index. Pass a persistence directory to keep
// the index across restarts, or "" for in-memory.
func NewChromemIndex(dir string, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var db *chromem.DB
	var err error
	if dir == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("vector: open chromem: %w", err)
		}
	}
	return &ChromemIndex{db: db, logger: logger}, nil
}

func (c *ChromemIndex) collection() (*chromem.Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.col != nil {
		return c.col, nil
	}
	// Embeddings are provided by the caller, so no embedding func and the
	// default cosine distance.
	col, err := c.db.GetOrCreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector: create collection: %w", err)
	}
	c.col = col
	return col, nil
}

// Index adds or replaces an entry.
func (c *ChromemIndex) Index(ctx context.Context, e Entry) error {
	col, err := c.collection()
	if err != nil {
		return err
	}
	meta := map[string]string{
		"node_id":     e.NodeID,
		"chunk_index": itoa(e.ChunkIndex),
	}
	for k, v := range e.Metadata {
		meta[k] = v
	}
	doc := chromem.Document{
		ID:        e.ID,
		Content:   e.Metadata["content"],
		Embedding: e.Vector,
		Metadata:  meta,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("vector: add document: %w", err)
	}
	return nil
}

// Query ranks entries by cosine similarity. chromem rejects nResults larger
// than the collection, so the limit is clamped first.
func (c *ChromemIndex) Query(ctx context.Context, vec []float32, topK int) ([]Hit, error) {
	col, err := c.collection()
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}
	if n := col.Count(); n < topK {
		if n == 0 {
			return nil, nil
		}
		topK = n
	}
	results, err := col.QueryEmbedding(ctx, vec, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector: chromem query: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		chunk, _ := strconv.Atoi(r.Metadata["chunk_index"])
		meta := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			if k == "node_id" || k == "chunk_index" {
				continue
			}
			meta[k] = v
		}
		hits = append(hits, Hit{
			ID:         r.ID,
			NodeID:     r.Metadata["node_id"],
			ChunkIndex: chunk,
			Score:      float64(r.Similarity),
			Metadata:   meta,
		})
	}
	return hits, nil
}

// Delete removes an entry. Missing entries are not an error.
func (c *ChromemIndex) Delete(ctx context.Context, id string) error {
	col, err := c.collection()
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		// chromem reports unknown ids; deletion is idempotent here.
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("vector: delete: %w", err)
	}
	return nil
}

var _ Index = (*ChromemIndex)(nil)
