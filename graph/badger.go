package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Key prefixes for BadgerDB storage organization. Single-byte prefixes keep
// index scans cheap.
const (
	prefixNode       = byte(0x01) // node:id -> JSON(record)
	prefixEdge       = byte(0x02) // edge:id -> JSON(Edge)
	prefixHashIndex  = byte(0x03) // hash:contentHash -> node id
	prefixAppIndex   = byte(0x04) // app:appID -> node id
	prefixCatIndex   = byte(0x05) // cat:category:invTS:id -> {}
	prefixSessHead   = byte(0x06) // sess:sessionID -> last node id
	prefixEntity     = byte(0x07) // ent:name -> JSON(Entity)
	prefixOutIndex   = byte(0x08) // out:nodeID:edgeID -> edge type
	prefixInIndex    = byte(0x09) // in:nodeID:edgeID -> edge type
	prefixRunIndex   = byte(0x0A) // run:runID:edgeID -> {}
	prefixUnembedded = byte(0x0B) // unembedded:id -> {}
	prefixTimeIndex  = byte(0x0C) // time:invTS:id -> {}
)

const keySep = byte(0x00)

// maxTxnRetries bounds retries of serializable transactions that lost a
// conflict to a concurrent writer.
const maxTxnRetries = 8

// BadgerStore is the persistent Store implementation.
//
// All multi-key operations run inside a single Badger transaction, so
// concurrent writers racing on the same content hash or the same summary
// converge instead of duplicating nodes or edges.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the store.
type BadgerOptions struct {
	// DataDir is the directory for data files. Ignored when InMemory.
	DataDir string
	// InMemory keeps everything in RAM. Used by tests and small deployments.
	InMemory bool
	// SyncWrites forces fsync after each write.
	SyncWrites bool
	Logger     *zap.Logger
}

// NewBadgerStore opens (or creates) the store.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bopts := badger.DefaultOptions(opts.DataDir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("graph: open badger: %w", err)
	}
	logger.Info("graph store opened",
		zap.String("dir", opts.DataDir),
		zap.Bool("in_memory", opts.InMemory))
	return &BadgerStore{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *BadgerStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on conflicts so
// idempotent upserts stay safe under concurrent invocations.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) && attempt < maxTxnRetries {
			continue
		}
		return err
	}
}

// --- key construction ---

func key(prefix byte, parts ...string) []byte {
	k := []byte{prefix}
	for i, p := range parts {
		if i > 0 {
			k = append(k, keySep)
		}
		k = append(k, p...)
	}
	return k
}

// invTS renders a timestamp so lexicographic key order is newest-first.
func invTS(t time.Time) string {
	return fmt.Sprintf("%020d", uint64(math.MaxInt64)-uint64(t.UnixNano()))
}

// --- record encoding ---

// storedRecord keeps metadata raw so legacy string-encoded metadata can be
// normalized on read instead of leaking downstream.
type storedRecord struct {
	Record
	RawMetadata json.RawMessage `json:"metadata,omitempty"`
}

func encodeRecord(rec *Record) ([]byte, error) {
	sr := storedRecord{Record: *rec}
	if rec.Metadata != nil {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("graph: marshal metadata: %w", err)
		}
		sr.RawMetadata = raw
	}
	return json.Marshal(&sr)
}

func decodeRecord(data []byte) (*Record, error) {
	var sr storedRecord
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("graph: decode record: %w", err)
	}
	rec := sr.Record
	rec.Metadata = NormalizeMetadata(sr.RawMetadata)
	return &rec, nil
}

// NormalizeMetadata decodes metadata into a single in-memory shape. Some
// ingestion paths persisted metadata as a native map, others as a
// JSON-encoded string; both forms come back as a plain map.
func NormalizeMetadata(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			return m
		}
	}
	return nil
}

// --- writes ---

// Add persists a record, deduplicating on content hash. The durable write
// is synchronous; embedding and vector indexing happen elsewhere.
func (s *BadgerStore) Add(ctx context.Context, rec *Record, entities []EntityRef) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	if rec.Content == "" {
		return "", fmt.Errorf("%w: empty content", ErrInvalidRecord)
	}
	if rec.Importance == 0 {
		rec.Importance = 5
	}
	if rec.Importance < 1 || rec.Importance > 10 {
		return "", fmt.Errorf("%w: importance %d out of range [1,10]", ErrInvalidRecord, rec.Importance)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.AppID == "" {
		rec.AppID = DeriveAppID(rec.Content, rec.Metadata)
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	rec.Metadata["app_id"] = rec.AppID

	resultID := rec.ID
	err := s.update(ctx, func(txn *badger.Txn) error {
		// Dedup: identical content across independent import paths
		// converges to one node.
		if rec.ContentHash != "" {
			item, err := txn.Get(key(prefixHashIndex, rec.ContentHash))
			if err == nil {
				existing, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				resultID = string(existing)
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		resultID = rec.ID

		data, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(key(prefixNode, rec.ID), data); err != nil {
			return err
		}
		if rec.ContentHash != "" {
			if err := txn.Set(key(prefixHashIndex, rec.ContentHash), []byte(rec.ID)); err != nil {
				return err
			}
		}
		if err := txn.Set(key(prefixAppIndex, rec.AppID), []byte(rec.ID)); err != nil {
			return err
		}
		if err := txn.Set(key(prefixCatIndex, rec.Category, invTS(rec.CreatedAt), rec.ID), nil); err != nil {
			return err
		}
		if err := txn.Set(key(prefixTimeIndex, invTS(rec.CreatedAt), rec.ID), nil); err != nil {
			return err
		}
		if err := txn.Set(key(prefixUnembedded, rec.ID), nil); err != nil {
			return err
		}
		if rec.SessionID != "" {
			if err := s.linkSessionNext(txn, rec); err != nil {
				return err
			}
		}
		return s.mergeEntities(txn, rec, entities)
	})
	if err != nil {
		return "", err
	}
	if resultID != rec.ID {
		s.logger.Debug("dedup hit, returning existing record",
			zap.String("content_hash", rec.ContentHash),
			zap.String("id", resultID))
	}
	return resultID, nil
}

// linkSessionNext appends the record to its session's turn order via a NEXT
// edge from the previous head.
func (s *BadgerStore) linkSessionNext(txn *badger.Txn, rec *Record) error {
	headKey := key(prefixSessHead, rec.SessionID)
	item, err := txn.Get(headKey)
	if err == nil {
		prev, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		edge := &Edge{
			ID:        "next-" + string(prev) + "-" + rec.ID,
			Type:      EdgeNext,
			From:      string(prev),
			To:        rec.ID,
			CreatedAt: rec.CreatedAt,
		}
		if err := s.putEdge(txn, edge); err != nil {
			return err
		}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return txn.Set(headKey, []byte(rec.ID))
}

// mergeEntities upserts entities by name, bumping mention counts, and links
// the record to each via a MENTIONS edge.
func (s *BadgerStore) mergeEntities(txn *badger.Txn, rec *Record, entities []EntityRef) error {
	for _, ref := range entities {
		if ref.Name == "" {
			continue
		}
		ent := &Entity{Name: ref.Name, Type: ref.Type}
		item, err := txn.Get(key(prefixEntity, ref.Name))
		if err == nil {
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(data, ent); err != nil {
				return fmt.Errorf("graph: decode entity %q: %w", ref.Name, err)
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		ent.Mentions++
		data, err := json.Marshal(ent)
		if err != nil {
			return err
		}
		if err := txn.Set(key(prefixEntity, ref.Name), data); err != nil {
			return err
		}
		edge := &Edge{
			ID:        "men-" + rec.ID + "-" + ref.Name,
			Type:      EdgeMentions,
			From:      rec.ID,
			To:        "ent:" + ref.Name,
			CreatedAt: rec.CreatedAt,
		}
		if err := s.putEdge(txn, edge); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) putEdge(txn *badger.Txn, edge *Edge) error {
	data, err := json.Marshal(edge)
	if err != nil {
		return err
	}
	if err := txn.Set(key(prefixEdge, edge.ID), data); err != nil {
		return err
	}
	if err := txn.Set(key(prefixOutIndex, edge.From, edge.ID), []byte(edge.Type)); err != nil {
		return err
	}
	if err := txn.Set(key(prefixInIndex, edge.To, edge.ID), []byte(edge.Type)); err != nil {
		return err
	}
	if edge.RunID != "" {
		if err := txn.Set(key(prefixRunIndex, edge.RunID, edge.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

// LinkDistilledFrom creates the provenance edge via an idempotent upsert.
// A summary carries at most one DISTILLED_FROM edge; concurrent weaver runs
// racing on the same summary produce exactly one.
func (s *BadgerStore) LinkDistilledFrom(ctx context.Context, summaryID, originID string, p Provenance) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	created := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		if _, err := txn.Get(key(prefixNode, summaryID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: summary %s", ErrNotFound, summaryID)
			}
			return err
		}
		if _, err := txn.Get(key(prefixNode, originID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: origin %s", ErrNotFound, originID)
			}
			return err
		}
		existing, err := s.edgeOfType(txn, prefixOutIndex, summaryID, EdgeDistilledFrom)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil // already linked: no-op
		}
		edge := &Edge{
			ID:        "df-" + summaryID,
			Type:      EdgeDistilledFrom,
			From:      summaryID,
			To:        originID,
			CreatedAt: time.Now().UTC(),
			RunID:     p.RunID,
			Strategy:  p.Strategy,
			Score:     p.Score,
		}
		if err := s.putEdge(txn, edge); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// DistilledFrom returns the summary's provenance edge, or ErrNotFound.
func (s *BadgerStore) DistilledFrom(ctx context.Context, summaryID string) (*Edge, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var edge *Edge
	err := s.db.View(func(txn *badger.Txn) error {
		e, err := s.edgeOfType(txn, prefixOutIndex, summaryID, EdgeDistilledFrom)
		if err != nil {
			return err
		}
		edge = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if edge == nil {
		return nil, ErrNotFound
	}
	return edge, nil
}

// edgeOfType scans a node's edge index for the first edge of the given type.
func (s *BadgerStore) edgeOfType(txn *badger.Txn, indexPrefix byte, nodeID, edgeType string) (*Edge, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = key(indexPrefix, nodeID, "")
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		if string(val) != edgeType {
			continue
		}
		k := it.Item().Key()
		edgeID := string(k[bytes.LastIndexByte(k, keySep)+1:])
		return s.getEdge(txn, edgeID)
	}
	return nil, nil
}

func (s *BadgerStore) hasEdgeOfType(txn *badger.Txn, indexPrefix byte, nodeID, edgeType string) (bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = key(indexPrefix, nodeID, "")
	opts.PrefetchValues = true
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return false, err
		}
		if string(val) == edgeType {
			return true, nil
		}
	}
	return false, nil
}

func (s *BadgerStore) getEdge(txn *badger.Txn, id string) (*Edge, error) {
	item, err := txn.Get(key(prefixEdge, id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: edge %s", ErrNotFound, id)
		}
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var edge Edge
	if err := json.Unmarshal(data, &edge); err != nil {
		return nil, fmt.Errorf("graph: decode edge: %w", err)
	}
	return &edge, nil
}

// EdgesByRunID returns every edge stamped with the weaver run id.
func (s *BadgerStore) EdgesByRunID(ctx context.Context, runID string) ([]*Edge, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var edges []*Edge
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = key(prefixRunIndex, runID, "")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			edgeID := string(k[bytes.LastIndexByte(k, keySep)+1:])
			edge, err := s.getEdge(txn, edgeID)
			if err != nil {
				return err
			}
			edges = append(edges, edge)
		}
		return nil
	})
	return edges, err
}

// DeleteEdges removes the named edges and their index entries, returning
// how many existed.
func (s *BadgerStore) DeleteEdges(ctx context.Context, ids []string) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	deleted := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		deleted = 0
		for _, id := range ids {
			edge, err := s.getEdge(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := txn.Delete(key(prefixEdge, id)); err != nil {
				return err
			}
			if err := txn.Delete(key(prefixOutIndex, edge.From, id)); err != nil {
				return err
			}
			if err := txn.Delete(key(prefixInIndex, edge.To, id)); err != nil {
				return err
			}
			if edge.RunID != "" {
				if err := txn.Delete(key(prefixRunIndex, edge.RunID, id)); err != nil {
					return err
				}
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// MarkEmbedded records that the node has been indexed in the vector store.
func (s *BadgerStore) MarkEmbedded(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		rec, err := s.getRecord(txn, id)
		if err != nil {
			return err
		}
		rec.Embedded = true
		data, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(key(prefixNode, id), data); err != nil {
			return err
		}
		return txn.Delete(key(prefixUnembedded, id))
	})
}

// --- reads ---

func (s *BadgerStore) getRecord(txn *badger.Txn, id string) (*Record, error) {
	item, err := txn.Get(key(prefixNode, id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
		}
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// Get returns the record by store-assigned id.
func (s *BadgerStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		r, err := s.getRecord(txn, id)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	return rec, err
}

// GetByAppID resolves a record through the stable cross-run id.
func (s *BadgerStore) GetByAppID(ctx context.Context, appID string) (*Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(prefixAppIndex, appID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: app_id %s", ErrNotFound, appID)
			}
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		r, err := s.getRecord(txn, string(id))
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	return rec, err
}

// GetEntity returns the entity by unique name.
func (s *BadgerStore) GetEntity(ctx context.Context, name string) (*Entity, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var ent *Entity
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(prefixEntity, name))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: entity %s", ErrNotFound, name)
			}
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		ent = &Entity{}
		return json.Unmarshal(data, ent)
	})
	return ent, err
}

// scanByTime walks records newest-first, stopping when fn returns false.
func (s *BadgerStore) scanByTime(txn *badger.Txn, fn func(rec *Record) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{prefixTimeIndex}
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		k := it.Item().Key()
		id := string(k[bytes.LastIndexByte(k, keySep)+1:])
		rec, err := s.getRecord(txn, id)
		if err != nil {
			return err
		}
		cont, err := fn(rec)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

// Search ranks records by a monotonic blend of lexical overlap, importance
// and recency. When query text is present, records with zero lexical
// overlap are excluded; tie-breaks are by id so ordering is deterministic.
func (s *BadgerStore) Search(ctx context.Context, q Query) ([]Hit, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	queryTokens := tokenize(q.Text)
	now := time.Now().UTC()

	var hits []Hit
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scanByTime(txn, func(rec *Record) (bool, error) {
			if q.Category != "" && rec.Category != q.Category {
				return true, nil
			}
			for _, tag := range q.Tags {
				if !hasTag(rec.Tags, tag) {
					return true, nil
				}
			}
			lexical := 0.0
			if len(queryTokens) > 0 {
				lexical = overlap(queryTokens, tokenize(rec.MatchText()))
				if lexical == 0 {
					return true, nil
				}
			}
			hits = append(hits, Hit{Record: rec, Score: blendScore(lexical, rec, now)})
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.ID < hits[j].Record.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// blendScore combines lexical match, importance and recency. The exact
// weights are not contractual; the blend is monotonic in each input and
// always positive, so tag-only searches still rank results.
func blendScore(lexical float64, rec *Record, now time.Time) float64 {
	ageHours := now.Sub(rec.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	recency := 1.0 / (1.0 + ageHours/24.0)
	importance := float64(rec.Importance) / 10.0
	return 0.55*lexical + 0.25*importance + 0.20*recency
}

// tokenize lowercases, strips punctuation and drops tokens of length <= 2.
func tokenize(text string) map[string]struct{} {
	if text == "" {
		return nil
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r > 127 {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(b.String()) {
		if len(tok) > 2 {
			tokens[tok] = struct{}{}
		}
	}
	return tokens
}

// overlap is |query ∩ doc| / |query|.
func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}
	n := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			n++
		}
	}
	return float64(n) / float64(len(query))
}

// RecentByCategory returns the newest records in the category.
func (s *BadgerStore) RecentByCategory(ctx context.Context, category string, limit int) ([]*Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	var recs []*Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = key(prefixCatIndex, category, "")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(recs) < limit; it.Next() {
			k := it.Item().Key()
			id := string(k[bytes.LastIndexByte(k, keySep)+1:])
			rec, err := s.getRecord(txn, id)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

// Summaries returns the newest summaries for a session.
func (s *BadgerStore) Summaries(ctx context.Context, sessionID string, limit int) ([]*Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	var recs []*Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = key(prefixCatIndex, CategorySummary, "")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(recs) < limit; it.Next() {
			k := it.Item().Key()
			id := string(k[bytes.LastIndexByte(k, keySep)+1:])
			rec, err := s.getRecord(txn, id)
			if err != nil {
				return err
			}
			if rec.SessionID != sessionID {
				continue
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

// OrphanSummaries streams summaries with no provenance edge, newest first.
// Already-linked summaries are excluded, so repeated repair runs converge.
func (s *BadgerStore) OrphanSummaries(ctx context.Context, limit int) ([]*Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var recs []*Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = key(prefixCatIndex, CategorySummary, "")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(recs) < limit; it.Next() {
			k := it.Item().Key()
			id := string(k[bytes.LastIndexByte(k, keySep)+1:])
			linked, err := s.hasEdgeOfType(txn, prefixOutIndex, id, EdgeDistilledFrom)
			if err != nil {
				return err
			}
			if linked {
				continue
			}
			rec, err := s.getRecord(txn, id)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

// Candidates streams provenance-eligible origin records, newest first:
// non-summary nodes not already the target of a DISTILLED_FROM edge,
// narrowed by time window, length band and tags.
func (s *BadgerStore) Candidates(ctx context.Context, f CandidateFilter) ([]*Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	var recs []*Record
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scanByTime(txn, func(rec *Record) (bool, error) {
			if rec.IsSummary() {
				return true, nil
			}
			if !f.Before.IsZero() && rec.CreatedAt.After(f.Before) {
				return true, nil
			}
			if !f.After.IsZero() && rec.CreatedAt.Before(f.After) {
				// Time index is newest-first: everything past this
				// point is older still.
				return false, nil
			}
			n := len(rec.MatchText())
			if f.MinChars > 0 && n < f.MinChars {
				return true, nil
			}
			if f.MaxChars > 0 && n > f.MaxChars {
				return true, nil
			}
			if f.ExcludeTag != "" && hasTag(rec.Tags, f.ExcludeTag) {
				return true, nil
			}
			if f.RequireTag != "" && !hasTag(rec.Tags, f.RequireTag) {
				return true, nil
			}
			isOrigin, err := s.hasEdgeOfType(txn, prefixInIndex, rec.ID, EdgeDistilledFrom)
			if err != nil {
				return false, err
			}
			if isOrigin {
				return true, nil
			}
			recs = append(recs, rec)
			return len(recs) < limit, nil
		})
	})
	return recs, err
}

// UnembeddedRecords returns records that still lack a vector index entry.
func (s *BadgerStore) UnembeddedRecords(ctx context.Context, limit int) ([]*Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var recs []*Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixUnembedded}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(recs) < limit; it.Next() {
			id := string(it.Item().Key()[1:])
			rec, err := s.getRecord(txn, id)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

var _ Store = (*BadgerStore)(nil)
