// Package weaver repairs missing provenance. Summaries distilled from
// earlier content sometimes land in the store without the DISTILLED_FROM
// edge pointing at their origin (crashed distillers, bulk imports from
// systems that never tracked lineage). The weaver walks orphan summaries
// and re-links each to its most plausible origin through a cascade of
// matching strategies, cheapest and most certain first:
//
//	exact -> temporal -> lexical -> embedding
//
// Every created edge is stamped with the run id, the strategy name and
// the match score, so an entire run can be audited from its CSV output
// and rolled back as a unit.
package weaver

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomkit/loom/cache"
	"github.com/loomkit/loom/embed"
	"github.com/loomkit/loom/graph"
)

// Options configures one repair run.
type Options struct {
	// Hours bounds the temporal look-back window from each summary.
	Hours float64
	// Threshold is the minimum cosine similarity the embedding strategy
	// accepts. Zero uses DefaultEmbedThreshold.
	Threshold float64
	// Delta is the embedding ambiguity guard. Zero uses DefaultDelta;
	// negative disables it.
	Delta float64
	// Jaccard is the lexical threshold. Zero uses JaccardStrict.
	Jaccard float64
	// MaxCommit caps edges created per run; the run stops at the cap so
	// the audit CSV never mixes committed and uncommitted matches. Zero
	// means no cap.
	MaxCommit int
	// CandidateLimit caps the origin pool fetched per summary.
	CandidateLimit int
	// Limit caps orphan summaries examined. Zero means all.
	Limit int
	// BatchSize is summaries processed between cancellation checks and
	// inter-batch sleeps.
	BatchSize int
	// SleepBetween rests between batches to keep the store responsive
	// for interactive traffic.
	SleepBetween time.Duration
	// DryRun proposes and audits but never writes edges.
	DryRun bool
	// CSVOut receives one audit row per proposed link. Nil disables.
	CSVOut io.Writer
	// RunID stamps created edges. Empty generates one.
	RunID string
	// ExcludeTag drops candidates carrying the tag.
	ExcludeTag string
	// MinOriginChars is the floor of the candidate length band.
	MinOriginChars int
	// ActiveWindow pauses repair for sessions with recent user activity.
	// Zero uses 5 minutes; negative disables the check.
	ActiveWindow time.Duration

	Logger *zap.Logger
}

// DefaultOptions returns the settings for an unattended nightly run.
func DefaultOptions() Options {
	return Options{
		Hours:          24,
		Threshold:      DefaultEmbedThreshold,
		Delta:          DefaultDelta,
		Jaccard:        JaccardStrict,
		CandidateLimit: 200,
		BatchSize:      2,
		SleepBetween:   time.Second,
		MinOriginChars: 200,
		ActiveWindow:   5 * time.Minute,
	}
}

// Row is one audit entry: a proposed or committed link.
type Row struct {
	SummaryID    string
	SummaryAppID string
	OriginID     string
	OriginAppID  string
	Score        float64
	Method       string
	Timestamp    time.Time
}

// Report summarizes a repair run.
type Report struct {
	RunID    string
	Examined int
	Matched  int
	Created  int
	Skipped  int
	Rows     []Row
}

// RollbackReport summarizes a rollback.
type RollbackReport struct {
	RunID   string
	Found   int
	Deleted int
	Edges   []*graph.Edge
}

// Weaver runs provenance repair over a store. The cache, when present,
// lets the weaver yield to sessions with a live user.
type Weaver struct {
	store      graph.Store
	sessions   *cache.ContextCache
	strategies []Strategy
	logger     *zap.Logger
}

// New assembles the default cascade. The embedder may be nil, in which
// case the embedding strategy is omitted and repair stops at lexical.
func New(store graph.Store, sessions *cache.ContextCache, embedder embed.Embedder, opts Options) *Weaver {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	window := time.Duration(opts.Hours * float64(time.Hour))
	strategies := []Strategy{
		NewExactStrategy(store),
		NewTemporalStrategy(window),
		NewLexicalStrategy(opts.Jaccard),
	}
	if embedder != nil {
		delta := opts.Delta
		if delta == 0 {
			delta = DefaultDelta
		}
		if delta < 0 {
			delta = 0
		}
		strategies = append(strategies, NewEmbeddingStrategy(embedder, opts.Threshold, delta))
	}
	return &Weaver{
		store:      store,
		sessions:   sessions,
		strategies: strategies,
		logger:     logger,
	}
}

// NewWithStrategies assembles a weaver with a caller-supplied cascade.
func NewWithStrategies(store graph.Store, sessions *cache.ContextCache, logger *zap.Logger, strategies ...Strategy) *Weaver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Weaver{store: store, sessions: sessions, strategies: strategies, logger: logger}
}

// Run examines orphan summaries and links each to its best origin. It is
// idempotent: already linked summaries are never orphans, and LinkDistilledFrom
// refuses a second edge, so re-running a completed run creates nothing.
func (w *Weaver) Run(ctx context.Context, opts Options) (*Report, error) {
	def := DefaultOptions()
	if opts.Hours <= 0 {
		opts.Hours = def.Hours
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = def.CandidateLimit
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MinOriginChars <= 0 {
		opts.MinOriginChars = def.MinOriginChars
	}
	if opts.ActiveWindow == 0 {
		opts.ActiveWindow = def.ActiveWindow
	}
	if opts.RunID == "" {
		opts.RunID = newRunID()
	}

	report := &Report{RunID: opts.RunID}
	var audit *csv.Writer
	if opts.CSVOut != nil {
		audit = csv.NewWriter(opts.CSVOut)
		if err := audit.Write([]string{
			"summary_id", "summary_app_id", "origin_id", "origin_app_id",
			"score", "method", "timestamp",
		}); err != nil {
			return nil, fmt.Errorf("weaver: writing audit header: %w", err)
		}
		defer audit.Flush()
	}

	orphans, err := w.store.OrphanSummaries(ctx, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("weaver: listing orphan summaries: %w", err)
	}
	w.logger.Info("repair run starting",
		zap.String("run_id", opts.RunID),
		zap.Int("orphans", len(orphans)),
		zap.Bool("dry_run", opts.DryRun))

	for i, summary := range orphans {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if i > 0 && i%opts.BatchSize == 0 && opts.SleepBetween > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(opts.SleepBetween):
			}
		}
		if opts.ActiveWindow > 0 && w.sessionActive(ctx, summary.SessionID, opts.ActiveWindow) {
			report.Skipped++
			w.logger.Debug("skipping summary: session active",
				zap.String("summary_id", summary.ID),
				zap.String("session_id", summary.SessionID))
			continue
		}
		report.Examined++

		match, method, err := w.matchSummary(ctx, summary, opts)
		if err != nil {
			return report, err
		}
		if match == nil {
			continue
		}
		report.Matched++

		row := Row{
			SummaryID:    summary.ID,
			SummaryAppID: summary.AppID,
			OriginID:     match.Origin.ID,
			OriginAppID:  match.Origin.AppID,
			Score:        match.Score,
			Method:       method,
			Timestamp:    time.Now().UTC(),
		}
		report.Rows = append(report.Rows, row)
		if audit != nil {
			if err := audit.Write(row.csv()); err != nil {
				return report, fmt.Errorf("weaver: writing audit row: %w", err)
			}
		}
		if opts.DryRun {
			continue
		}
		created, err := w.store.LinkDistilledFrom(ctx, summary.ID, match.Origin.ID, graph.Provenance{
			RunID:    opts.RunID,
			Strategy: method,
			Score:    match.Score,
		})
		if err != nil {
			return report, fmt.Errorf("weaver: linking %s -> %s: %w", summary.ID, match.Origin.ID, err)
		}
		if created {
			report.Created++
			w.logger.Info("provenance edge created",
				zap.String("summary_id", summary.ID),
				zap.String("origin_id", match.Origin.ID),
				zap.String("method", method),
				zap.Float64("score", match.Score))
		}
		if opts.MaxCommit > 0 && report.Created >= opts.MaxCommit {
			// Stop rather than keep auditing uncommitted matches: every
			// row in a commit-mode CSV corresponds to a write attempt.
			w.logger.Info("commit cap reached, stopping run",
				zap.String("run_id", opts.RunID),
				zap.Int("max_commit", opts.MaxCommit))
			break
		}
	}

	w.logger.Info("repair run finished",
		zap.String("run_id", opts.RunID),
		zap.Int("examined", report.Examined),
		zap.Int("matched", report.Matched),
		zap.Int("created", report.Created),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

// matchSummary runs the cascade. The first strategy to return a match
// wins; later (more expensive) strategies never see the summary.
func (w *Weaver) matchSummary(ctx context.Context, summary *graph.Record, opts Options) (*Match, string, error) {
	candidates, err := w.candidatesFor(ctx, summary, opts)
	if err != nil {
		return nil, "", err
	}
	for _, strat := range w.strategies {
		match, err := strat.Match(ctx, summary, candidates)
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			// A failing backend (embedding service down, store hiccup)
			// costs this summary one strategy, not the whole run.
			w.logger.Warn("strategy failed, moving on",
				zap.String("strategy", strat.Name()),
				zap.String("summary_id", summary.ID),
				zap.Error(err))
			continue
		}
		if match != nil {
			return match, strat.Name(), nil
		}
	}
	return nil, "", nil
}

// candidatesFor bands the origin pool by time and by expected length. The
// length band follows the summary's original token count when the
// distiller recorded one (roughly four characters per token), otherwise
// only the configured floor applies.
//
// The time band uses effective timestamps (recordTime), not the store's
// CreatedAt: bulk imports stamp CreatedAt with the import moment while the
// real time lives in metadata, so a CreatedAt pre-filter at the store would
// empty the pool for exactly the records the weaver exists to repair. The
// store fetch is unbanded in time; the window is applied here.
func (w *Weaver) candidatesFor(ctx context.Context, summary *graph.Record, opts Options) ([]*graph.Record, error) {
	f := graph.CandidateFilter{
		ExcludeTag: opts.ExcludeTag,
		Limit:      opts.CandidateLimit,
		MinChars:   opts.MinOriginChars,
	}
	if summary.OriginalTokenCount > 0 {
		est := summary.OriginalTokenCount * 4
		lo := est / 2
		if lo < opts.MinOriginChars {
			lo = opts.MinOriginChars
		}
		hi := est + est*3/5
		if hi < lo {
			// Tiny summaries can invert the band; keep the floor and
			// drop the ceiling rather than matching nothing.
			hi = 0
		}
		f.MinChars = lo
		f.MaxChars = hi
	}
	pool, err := w.store.Candidates(ctx, f)
	if err != nil {
		return nil, err
	}
	sumTime := recordTime(summary)
	if sumTime.IsZero() {
		return pool, nil
	}
	after := sumTime.Add(-time.Duration(opts.Hours * float64(time.Hour)))
	in := pool[:0]
	for _, c := range pool {
		t := recordTime(c)
		if t.After(sumTime) || t.Before(after) {
			continue
		}
		in = append(in, c)
	}
	return in, nil
}

func (w *Weaver) sessionActive(ctx context.Context, sessionID string, window time.Duration) bool {
	if w.sessions == nil || sessionID == "" {
		return false
	}
	last, ok := w.sessions.LastActive(ctx, sessionID)
	return ok && time.Since(last) < window
}

// Rollback removes every edge stamped with runID. Without confirm it only
// reports what would be deleted.
func (w *Weaver) Rollback(ctx context.Context, runID string, confirm bool) (*RollbackReport, error) {
	edges, err := w.store.EdgesByRunID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("weaver: listing edges for run %s: %w", runID, err)
	}
	report := &RollbackReport{RunID: runID, Found: len(edges), Edges: edges}
	if !confirm || len(edges) == 0 {
		return report, nil
	}
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.ID)
	}
	deleted, err := w.store.DeleteEdges(ctx, ids)
	if err != nil {
		return report, fmt.Errorf("weaver: deleting edges for run %s: %w", runID, err)
	}
	report.Deleted = deleted
	w.logger.Info("rollback finished",
		zap.String("run_id", runID),
		zap.Int("found", report.Found),
		zap.Int("deleted", report.Deleted))
	return report, nil
}

func (r Row) csv() []string {
	return []string{
		r.SummaryID,
		r.SummaryAppID,
		r.OriginID,
		r.OriginAppID,
		strconv.FormatFloat(r.Score, 'f', 4, 64),
		r.Method,
		r.Timestamp.Format(time.RFC3339),
	}
}

func newRunID() string {
	return "run-" + time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}
