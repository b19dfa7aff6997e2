package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomkit/loom/graph"
	"github.com/loomkit/loom/vector"
)

// BackfillConfig tunes the background embedding worker.
type BackfillConfig struct {
	// ScanInterval is how often the worker looks for unembedded records.
	ScanInterval time.Duration
	// BatchSize caps how many records one scan processes.
	BatchSize int
	// CallTimeout bounds each embedding call.
	CallTimeout time.Duration
	Logger      *zap.Logger
}

// DefaultBackfillConfig returns the default worker settings.
func DefaultBackfillConfig() BackfillConfig {
	return BackfillConfig{
		ScanInterval: 30 * time.Second,
		BatchSize:    32,
		CallTimeout:  30 * time.Second,
	}
}

// BackfillStats is a point-in-time snapshot of worker progress.
type BackfillStats struct {
	Scans    int64
	Embedded int64
	Failed   int64
	LastScan time.Time
}

// BackfillWorker embeds records that entered the store before an embedder
// was available, or whose fire-and-forget embedding failed. It runs until
// Stop or context cancellation and checks for cancellation between
// records, so shutdown never waits on a full batch.
type BackfillWorker struct {
	mgr *Manager
	cfg BackfillConfig

	cancel  context.CancelFunc
	trigger chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	stats BackfillStats
}

// NewBackfillWorker creates a worker bound to the manager's store, index
// and embedder.
func NewBackfillWorker(mgr *Manager, cfg BackfillConfig) *BackfillWorker {
	def := DefaultBackfillConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = mgr.logger
	}
	return &BackfillWorker{
		mgr:     mgr,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
}

// Start launches the worker loop. It is a no-op when the manager has no
// embedder or index to backfill into.
func (w *BackfillWorker) Start(ctx context.Context) {
	if w.mgr.embedder == nil || w.mgr.index == nil {
		w.cfg.Logger.Info("backfill worker disabled: no embedder or index")
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
}

// Trigger requests an immediate scan without waiting for the next tick.
func (w *BackfillWorker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels the worker and waits for the current record to finish.
func (w *BackfillWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Stats returns a snapshot of worker progress.
func (w *BackfillWorker) Stats() BackfillStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *BackfillWorker) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		case <-w.trigger:
			w.scan(ctx)
		}
	}
}

func (w *BackfillWorker) scan(ctx context.Context) {
	w.mu.Lock()
	w.stats.Scans++
	w.stats.LastScan = time.Now()
	w.mu.Unlock()

	recs, err := w.mgr.store.UnembeddedRecords(ctx, w.cfg.BatchSize)
	if err != nil {
		w.cfg.Logger.Warn("backfill scan failed", zap.Error(err))
		return
	}
	if len(recs) == 0 {
		return
	}
	w.cfg.Logger.Info("backfill scan", zap.Int("pending", len(recs)))

	for _, rec := range recs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := w.embedOne(ctx, rec); err != nil {
			w.mu.Lock()
			w.stats.Failed++
			w.mu.Unlock()
			w.cfg.Logger.Warn("backfill embed failed",
				zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		w.mu.Lock()
		w.stats.Embedded++
		w.mu.Unlock()
	}
}

func (w *BackfillWorker) embedOne(ctx context.Context, rec *graph.Record) error {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	text := rec.ContentCleaned
	if text == "" {
		text = rec.Content
	}
	res, err := w.mgr.embedBreaker.Execute(func() (any, error) {
		return w.mgr.embedder.Embed(cctx, text)
	})
	if err != nil {
		return err
	}
	entry := vector.Entry{
		ID:         "mem:" + rec.ID,
		NodeID:     rec.ID,
		ChunkIndex: 0,
		Vector:     res.([]float32),
		Metadata: map[string]string{
			"content":    text,
			"category":   rec.Category,
			"session_id": rec.SessionID,
		},
	}
	if err := w.mgr.index.Index(cctx, entry); err != nil {
		return err
	}
	return w.mgr.store.MarkEmbedded(cctx, rec.ID)
}
