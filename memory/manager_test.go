package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomkit/loom/cache"
	"github.com/loomkit/loom/embed"
	"github.com/loomkit/loom/graph"
	"github.com/loomkit/loom/vector"
)

type testEnv struct {
	store *graph.BadgerStore
	cache *cache.ContextCache
	index *vector.BruteIndex
	mgr   *Manager
}

func newTestEnv(t *testing.T, autoEmbed bool) *testEnv {
	t.Helper()
	store, err := graph.NewBadgerStore(graph.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sessions, err := cache.New(cache.Config{TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(sessions.Close)

	index := vector.NewBruteIndex()
	cfg := DefaultConfig()
	cfg.AutoEmbed = autoEmbed
	mgr := New(store, sessions, index, embed.NewMock(64), cfg)
	t.Cleanup(mgr.Close)
	return &testEnv{store: store, cache: sessions, index: index, mgr: mgr}
}

func TestAddStoresAndDedups(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	in := AddInput{
		SessionID:  "s1",
		Content:    "Alice works at TechCorp as a staff engineer.",
		Category:   "fact",
		Importance: 7,
	}
	id1, err := env.mgr.Add(ctx, in)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	// Same payload with different envelope noise converges.
	in.Content = "Alice   works at TechCorp as a staff engineer."
	id2, err := env.mgr.Add(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	rec, err := env.store.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "Alice works at TechCorp as a staff engineer.", rec.ContentCleaned)
	assert.NotEmpty(t, rec.ContentHash)
}

func TestAddSkipsNoise(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	// JSON without technical signal.
	_, err := env.mgr.Add(ctx, AddInput{Content: `{"timestamp": 123, "user": "bob"}`})
	assert.ErrorIs(t, err, ErrContentSkipped)

	// HTML without technical signal.
	_, err = env.mgr.Add(ctx, AddInput{Content: `<div><p>click here</p></div>`})
	assert.ErrorIs(t, err, ErrContentSkipped)

	// Too short after cleaning.
	_, err = env.mgr.Add(ctx, AddInput{Content: "hi there"})
	assert.ErrorIs(t, err, ErrContentSkipped)
}

func TestAddKeepsTechnicalNoise(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	id, err := env.mgr.Add(ctx, AddInput{
		Content: `{"response_content": "error: disk full on /dev/sda1"}`,
	})
	require.NoError(t, err)

	rec, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, rec.Tags, "#technical")
	assert.Contains(t, rec.ContentCleaned, "disk full")
}

func TestAddDoesNotMutateCallerTags(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	// Caller slice with spare capacity: appending the technical tag in
	// place would land in caller[1].
	caller := make([]string, 1, 2)
	caller[0] = "ops"

	id, err := env.mgr.Add(ctx, AddInput{
		Content: `{"response_content": "error: disk full on /dev/sda1"}`,
		Tags:    caller[:1],
	})
	require.NoError(t, err)

	assert.NotEqual(t, "#technical", caller[:2][1])

	rec, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, rec.Tags, "ops")
	assert.Contains(t, rec.Tags, "#technical")
}

func TestAddCarriesImportTimestamp(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	lastMonth := time.Now().UTC().Add(-30 * 24 * time.Hour).Truncate(time.Second)
	id, err := env.mgr.Add(ctx, AddInput{
		SessionID: "s1",
		Content:   "Alice works at TechCorp as a staff engineer.",
		CreatedAt: lastMonth,
	})
	require.NoError(t, err)

	rec, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.CreatedAt.Equal(lastMonth),
		"importer-supplied timestamp survives, got %v", rec.CreatedAt)

	// Without an override the store stamps ingestion time.
	id2, err := env.mgr.Add(ctx, AddInput{
		SessionID: "s1",
		Content:   "Bob works at DataCorp as a product manager.",
	})
	require.NoError(t, err)
	rec2, err := env.store.Get(ctx, id2)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), rec2.CreatedAt, time.Minute)
}

func TestAutoEmbedIndexes(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	id, err := env.mgr.Add(ctx, AddInput{
		Content: "Alice works at TechCorp as a staff engineer.",
	})
	require.NoError(t, err)

	env.mgr.Close() // waits for the fire-and-forget embed

	assert.Equal(t, 1, env.index.Len())
	rec, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Embedded)
}

func TestSearchSimilar(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	id, err := env.mgr.Add(ctx, AddInput{
		Content: "Alice works at TechCorp as a staff engineer.",
	})
	require.NoError(t, err)
	env.mgr.Close()

	hits := env.mgr.SearchSimilar(ctx, "Alice works at TechCorp as a staff engineer.", 1)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].NodeID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestFailOpenReads(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	_, err := env.mgr.Add(ctx, AddInput{
		Content: "Alice works at TechCorp as a staff engineer.",
	})
	require.NoError(t, err)

	require.NoError(t, env.store.Close())

	// Reads degrade to empty results.
	assert.Empty(t, env.mgr.Search(ctx, graph.Query{Text: "alice"}))
	assert.Empty(t, env.mgr.RecentByCategory(ctx, "fact", 5))
	assert.Empty(t, env.mgr.Summaries(ctx, "s1", 5))

	// Writes stay fail-closed.
	_, err = env.mgr.Add(ctx, AddInput{
		Content: "this write has nowhere durable to go at all",
	})
	assert.Error(t, err)
}

func TestSaveSummaryAndFlushSummary(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	_, err := env.mgr.SaveSummary(ctx, "s1", "Alice leads the storage migration workstream.")
	require.NoError(t, err)

	id, err := env.mgr.FlushSummary(ctx, "s1",
		"The conversation covered storage migration planning in detail.", 1200)
	require.NoError(t, err)

	recs := env.mgr.Summaries(ctx, "s1", 10)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, graph.CategorySummary, r.Category)
		assert.Contains(t, r.Tags, "summary")
	}

	rec, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, rec.Tags, "auto-flush")
	assert.EqualValues(t, 1200, rec.Metadata["original_token_count"])
}

func TestSessionContextDelegates(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	assert.Equal(t, "", env.mgr.ActiveContext(ctx, "s1"))

	env.mgr.SaveActiveContext(ctx, "s1", "working on the migration")
	assert.Equal(t, "working on the migration", env.mgr.ActiveContext(ctx, "s1"))

	env.mgr.TouchSession(ctx, "s2")
	_, ok := env.cache.LastActive(ctx, "s2")
	assert.True(t, ok)

	env.mgr.ClearSession(ctx, "s1")
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, "", env.mgr.ActiveContext(ctx, "s1"))
}

func TestCountTokens(t *testing.T) {
	env := newTestEnv(t, false)
	assert.Equal(t, 0, env.mgr.CountTokens(""))
	assert.Greater(t, env.mgr.CountTokens("Alice works at TechCorp."), 0)
}

func TestBackfillWorker(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	for _, content := range []string{
		"Alice works at TechCorp as a staff engineer.",
		"Bob moved to the infrastructure team last month.",
	} {
		_, err := env.mgr.Add(ctx, AddInput{Content: content})
		require.NoError(t, err)
	}

	w := NewBackfillWorker(env.mgr, BackfillConfig{
		ScanInterval: time.Hour, // rely on Trigger, not the ticker
		BatchSize:    10,
	})
	w.Start(ctx)
	defer w.Stop()
	w.Trigger()

	require.Eventually(t, func() bool {
		return w.Stats().Embedded == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, env.index.Len())
	recs, err := env.store.UnembeddedRecords(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Zero(t, w.Stats().Failed)
}
