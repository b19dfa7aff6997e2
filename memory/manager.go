package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomkit/loom/breaker"
	"github.com/loomkit/loom/cache"
	"github.com/loomkit/loom/embed"
	"github.com/loomkit/loom/graph"
	"github.com/loomkit/loom/vector"
)

// ErrContentSkipped is returned by Add when hygiene checks reject the
// content (JSON/HTML noise without technical signal, or content too short
// after cleaning). The caller gets an explicit outcome, never a silent drop.
var ErrContentSkipped = errors.New("memory: content skipped by hygiene checks")

// Config tunes the facade.
type Config struct {
	// AutoEmbed triggers an asynchronous embed+index after every durable
	// Add. Embedding failures are logged and never fail the write.
	AutoEmbed bool
	// CallTimeout bounds every external call (store, cache, embedding).
	CallTimeout time.Duration
	// MinCleanLength rejects content shorter than this after cleaning,
	// unless it carries technical signal.
	MinCleanLength int
	// StoreBreaker and EmbedBreaker configure the circuit breakers
	// guarding the respective backends.
	StoreBreaker breaker.Config
	EmbedBreaker breaker.Config
	Logger       *zap.Logger
}

// DefaultConfig returns the defaults used by the quickstart example.
func DefaultConfig() Config {
	return Config{
		AutoEmbed:      false,
		CallTimeout:    10 * time.Second,
		MinCleanLength: 20,
		StoreBreaker:   breaker.DefaultConfig("graph-store"),
		EmbedBreaker: breaker.Config{
			Name:             "embedder",
			FailureThreshold: 10,
			Timeout:          2 * time.Minute,
		},
	}
}

// AddInput carries one ingestion request.
type AddInput struct {
	SessionID  string
	Content    string
	Category   string
	Tags       []string
	Importance int
	Metadata   map[string]any
	Entities   []graph.EntityRef
	// CreatedAt overrides the store's ingestion timestamp. Bulk importers
	// replaying historical content pass the original time here; zero
	// stamps the record with the current time.
	CreatedAt time.Time
	// Token bookkeeping for summaries; zero for ordinary records.
	OriginalTokens   int
	CompressedTokens int
	// ContentHash overrides the hash computed from cleaned content.
	// Bulk importers that pre-hash upstream pass it here so re-runs
	// converge with interactive ingestion.
	ContentHash string
}

// Manager is the facade composing the active-context cache, the long-term
// store, the vector index and the embedding client.
//
// The durable write in Add is synchronous: the caller always receives a
// durable id or an explicit error. Vector work rides behind it and never
// blocks or fails the caller.
type Manager struct {
	store    graph.Store
	cache    *cache.ContextCache
	index    vector.Index
	embedder embed.Embedder
	cfg      Config
	logger   *zap.Logger
	tokens   *tokenCounter

	storeBreaker *breaker.Breaker
	embedBreaker *breaker.Breaker

	wg sync.WaitGroup
}

// New creates the facade. cache, index and embedder may be nil; the
// corresponding features degrade (cold-start contexts, no auto-embedding).
func New(store graph.Store, ctxCache *cache.ContextCache, index vector.Index, embedder embed.Embedder, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MinCleanLength <= 0 {
		cfg.MinCleanLength = def.MinCleanLength
	}
	if cfg.StoreBreaker.Name == "" {
		cfg.StoreBreaker = def.StoreBreaker
	}
	if cfg.EmbedBreaker.Name == "" {
		cfg.EmbedBreaker = def.EmbedBreaker
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.StoreBreaker.Logger = logger
	cfg.EmbedBreaker.Logger = logger
	return &Manager{
		store:        store,
		cache:        ctxCache,
		index:        index,
		embedder:     embedder,
		cfg:          cfg,
		logger:       logger,
		tokens:       newTokenCounter(),
		storeBreaker: breaker.New(cfg.StoreBreaker),
		embedBreaker: breaker.New(cfg.EmbedBreaker),
	}
}

func (m *Manager) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.CallTimeout)
}

// Add ingests content into the long-term store. Identical content (by
// hash) converges to one node regardless of how many import paths submit
// it; the existing id comes back without error.
func (m *Manager) Add(ctx context.Context, in AddInput) (string, error) {
	raw := in.Content
	techSignal := HasTechnicalSignal(raw)
	if IsJSONLike(raw) && !techSignal {
		m.logger.Warn("skipping add: json-like content without technical signal")
		return "", ErrContentSkipped
	}
	if IsHTMLLike(raw) && !techSignal {
		m.logger.Warn("skipping add: html-like content without technical signal")
		return "", ErrContentSkipped
	}
	cleaned := CleanContent(raw, techSignal)
	if !techSignal && len(cleaned) < m.cfg.MinCleanLength {
		m.logger.Warn("skipping add: content too short after cleaning",
			zap.Int("cleaned_length", len(cleaned)))
		return "", ErrContentSkipped
	}

	hash := in.ContentHash
	if hash == "" {
		hash = HashContent(cleaned)
	}
	tags := in.Tags
	if techSignal && !containsString(tags, "#technical") {
		// Copy: appending in place could write into the caller's
		// backing array.
		tags = append(append(make([]string, 0, len(tags)+1), tags...), "#technical")
	}

	rec := &graph.Record{
		SessionID:      in.SessionID,
		Content:        raw,
		ContentCleaned: cleaned,
		ContentHash:    hash,
		Category:       in.Category,
		Tags:           tags,
		Importance:     in.Importance,
		Metadata:       in.Metadata,
		CreatedAt:      in.CreatedAt,

		OriginalTokenCount:   in.OriginalTokens,
		CompressedTokenCount: in.CompressedTokens,
	}

	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	res, err := m.storeBreaker.Execute(func() (any, error) {
		return m.store.Add(cctx, rec, in.Entities)
	})
	if err != nil {
		// Writes are fail-closed. A lost write would poison dedup and
		// provenance downstream.
		return "", err
	}
	id := res.(string)

	if m.cfg.AutoEmbed && m.embedder != nil && m.index != nil {
		m.wg.Add(1)
		go m.embedAndIndex(id, cleaned, in)
	}
	return id, nil
}

// embedAndIndex is the fire-and-forget half of ingestion. It runs on its
// own timeout budget, not the caller's.
func (m *Manager) embedAndIndex(id, cleaned string, in AddInput) {
	defer m.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
	defer cancel()

	res, err := m.embedBreaker.Execute(func() (any, error) {
		return m.embedder.Embed(ctx, cleaned)
	})
	if err != nil {
		m.logger.Warn("auto-embed failed", zap.String("id", id), zap.Error(err))
		return
	}
	vec := res.([]float32)
	entry := vector.Entry{
		ID:         "mem:" + id,
		NodeID:     id,
		ChunkIndex: 0,
		Vector:     vec,
		Metadata: map[string]string{
			"content":    cleaned,
			"category":   in.Category,
			"session_id": in.SessionID,
		},
	}
	if err := m.index.Index(ctx, entry); err != nil {
		m.logger.Warn("vector indexing failed", zap.String("id", id), zap.Error(err))
		return
	}
	if err := m.store.MarkEmbedded(ctx, id); err != nil {
		m.logger.Warn("mark-embedded failed", zap.String("id", id), zap.Error(err))
	}
}

// Search ranks stored records. Reads are fail-open: on backend failure the
// caller sees empty results and proceeds.
func (m *Manager) Search(ctx context.Context, q graph.Query) []graph.Hit {
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	res, err := m.storeBreaker.Execute(func() (any, error) {
		return m.store.Search(cctx, q)
	})
	if err != nil {
		m.logger.Warn("search degraded to empty results", zap.Error(err))
		return nil
	}
	return res.([]graph.Hit)
}

// SearchSimilar performs semantic recall through the vector index.
// Fail-open like all reads.
func (m *Manager) SearchSimilar(ctx context.Context, text string, topK int) []vector.Hit {
	if m.embedder == nil || m.index == nil {
		return nil
	}
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	res, err := m.embedBreaker.Execute(func() (any, error) {
		return m.embedder.Embed(cctx, text)
	})
	if err != nil {
		m.logger.Warn("semantic search degraded: embed failed", zap.Error(err))
		return nil
	}
	hits, err := m.index.Query(cctx, res.([]float32), topK)
	if err != nil {
		m.logger.Warn("semantic search degraded: query failed", zap.Error(err))
		return nil
	}
	return hits
}

// RecentByCategory returns the newest records in a category, fail-open.
func (m *Manager) RecentByCategory(ctx context.Context, category string, limit int) []*graph.Record {
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	res, err := m.storeBreaker.Execute(func() (any, error) {
		return m.store.RecentByCategory(cctx, category, limit)
	})
	if err != nil {
		m.logger.Warn("recent-by-category degraded to empty results", zap.Error(err))
		return nil
	}
	return res.([]*graph.Record)
}

// Summaries returns the newest summaries for a session, fail-open.
func (m *Manager) Summaries(ctx context.Context, sessionID string, limit int) []*graph.Record {
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	res, err := m.storeBreaker.Execute(func() (any, error) {
		return m.store.Summaries(cctx, sessionID, limit)
	})
	if err != nil {
		m.logger.Warn("summaries degraded to empty results", zap.Error(err))
		return nil
	}
	return res.([]*graph.Record)
}

// SaveSummary persists a conversation summary for a session.
func (m *Manager) SaveSummary(ctx context.Context, sessionID, summary string) (string, error) {
	return m.Add(ctx, AddInput{
		SessionID:  sessionID,
		Content:    summary,
		Category:   graph.CategorySummary,
		Tags:       []string{"summary"},
		Importance: 3,
	})
}

// FlushSummary persists an auto-flush summary together with its token
// bookkeeping so the repair engine can band origin candidates by size.
func (m *Manager) FlushSummary(ctx context.Context, sessionID, summary string, originalTokens int) (string, error) {
	compressed := m.tokens.Count(summary)
	return m.Add(ctx, AddInput{
		SessionID:        sessionID,
		Content:          summary,
		Category:         graph.CategorySummary,
		Tags:             []string{"summary", "auto-flush"},
		Importance:       3,
		OriginalTokens:   originalTokens,
		CompressedTokens: compressed,
		Metadata: map[string]any{
			"original_token_count":   originalTokens,
			"compressed_token_count": compressed,
		},
	})
}

// ActiveContext returns the session's working context, "" on a cold start
// or unavailable cache.
func (m *Manager) ActiveContext(ctx context.Context, sessionID string) string {
	if m.cache == nil {
		return ""
	}
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	return m.cache.Get(cctx, sessionID)
}

// SaveActiveContext stores the working context, best-effort.
func (m *Manager) SaveActiveContext(ctx context.Context, sessionID, text string) {
	if m.cache == nil {
		return
	}
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	m.cache.Save(cctx, sessionID, text)
}

// TouchSession refreshes the session's activity marker without touching
// its context.
func (m *Manager) TouchSession(ctx context.Context, sessionID string) {
	if m.cache == nil {
		return
	}
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	m.cache.Touch(cctx, sessionID)
}

// ClearSession drops the session's context and activity marker.
func (m *Manager) ClearSession(ctx context.Context, sessionID string) {
	if m.cache == nil {
		return
	}
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	m.cache.Clear(cctx, sessionID)
}

// CountTokens counts tokens with the cl100k_base encoding.
func (m *Manager) CountTokens(text string) int { return m.tokens.Count(text) }

// Close waits for in-flight background embedding work.
func (m *Manager) Close() {
	m.wg.Wait()
}

func containsString(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
