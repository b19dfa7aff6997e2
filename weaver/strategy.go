package weaver

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loomkit/loom/embed"
	"github.com/loomkit/loom/graph"
	"github.com/loomkit/loom/vector"
)

// Jaccard presets for the lexical strategy. Strict is the default for
// unattended runs; Relaxed recovers more links at the cost of manual
// review of the audit file.
const (
	JaccardStrict  = 0.18
	JaccardRelaxed = 0.06
)

// DefaultEmbedThreshold is the minimum cosine similarity the embedding
// strategy accepts.
const DefaultEmbedThreshold = 0.55

// DefaultDelta is the ambiguity guard: the best embedding candidate must
// beat the runner-up by at least this margin.
const DefaultDelta = 0.05

// Match is a proposed summary->origin link with the confidence that
// produced it.
type Match struct {
	Origin *graph.Record
	Score  float64
}

// Strategy proposes an origin for one orphan summary out of a candidate
// pool. Returning a nil match means the strategy abstains and the cascade
// moves on to the next one.
type Strategy interface {
	Name() string
	Match(ctx context.Context, summary *graph.Record, candidates []*graph.Record) (*Match, error)
}

// ExactStrategy resolves explicit provenance hints left in summary
// metadata by the distiller (distilled_from record id or
// distilled_from_app_id). A hit is authoritative: score 1.0, cascade ends.
type ExactStrategy struct {
	store graph.Store
}

// NewExactStrategy creates the metadata-hint resolver.
func NewExactStrategy(store graph.Store) *ExactStrategy {
	return &ExactStrategy{store: store}
}

func (s *ExactStrategy) Name() string { return "exact" }

func (s *ExactStrategy) Match(ctx context.Context, summary *graph.Record, _ []*graph.Record) (*Match, error) {
	if summary.Metadata == nil {
		return nil, nil
	}
	if v, ok := summary.Metadata["distilled_from"].(string); ok && v != "" {
		rec, err := s.store.Get(ctx, v)
		if err == nil {
			return &Match{Origin: rec, Score: 1.0}, nil
		}
		if !errors.Is(err, graph.ErrNotFound) {
			return nil, err
		}
	}
	if v, ok := summary.Metadata["distilled_from_app_id"].(string); ok && v != "" {
		rec, err := s.store.GetByAppID(ctx, v)
		if err == nil {
			return &Match{Origin: rec, Score: 1.0}, nil
		}
		if !errors.Is(err, graph.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// TemporalStrategy picks the most recent same-session candidate created
// at or before the summary, within a bounded look-back window. The
// session constraint keeps it from vacuuming up unrelated contemporaneous
// content; cross-session matching is left to the lexical and embedding
// strategies. Scores decay linearly with the gap so audit rows reveal how
// tight the match was.
type TemporalStrategy struct {
	Window time.Duration
}

// NewTemporalStrategy creates the time-proximity matcher.
func NewTemporalStrategy(window time.Duration) *TemporalStrategy {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &TemporalStrategy{Window: window}
}

func (s *TemporalStrategy) Name() string { return "temporal" }

func (s *TemporalStrategy) Match(_ context.Context, summary *graph.Record, candidates []*graph.Record) (*Match, error) {
	sumTime := recordTime(summary)
	if sumTime.IsZero() || summary.SessionID == "" {
		return nil, nil
	}
	var best *graph.Record
	var bestTime time.Time
	for _, c := range candidates {
		if c.SessionID != summary.SessionID {
			continue
		}
		ct := recordTime(c)
		if ct.IsZero() || ct.After(sumTime) {
			continue
		}
		gap := sumTime.Sub(ct)
		if gap > s.Window {
			continue
		}
		if best == nil || ct.After(bestTime) {
			best, bestTime = c, ct
		}
	}
	if best == nil {
		return nil, nil
	}
	score := 1.0 - float64(sumTime.Sub(bestTime))/float64(s.Window)
	return &Match{Origin: best, Score: score}, nil
}

// recordTime returns the record's effective timestamp. A metadata
// timestamp from the original system wins over the store's CreatedAt,
// since bulk imports stamp CreatedAt with the import time.
func recordTime(r *graph.Record) time.Time {
	if r.Metadata != nil {
		for _, key := range []string{"timestamp", "created_at"} {
			if v, ok := r.Metadata[key]; ok {
				if t, err := ParseTimestamp(v); err == nil {
					return t
				}
			}
		}
	}
	return r.CreatedAt
}

// ParseTimestamp decodes the timestamp formats seen in imported metadata:
// epoch seconds, epoch milliseconds, and ISO-8601 with or without a zone.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case float64:
		return epochToTime(t), nil
	case int64:
		return epochToTime(float64(t)), nil
	case int:
		return epochToTime(float64(t)), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, errors.New("weaver: empty timestamp")
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochToTime(f), nil
		}
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05.999999",
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"2006-01-02",
		} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, errors.New("weaver: unrecognized timestamp " + strconv.Quote(s))
	default:
		return time.Time{}, errors.New("weaver: unsupported timestamp type")
	}
}

// epochToTime disambiguates seconds from milliseconds by magnitude.
// Anything past the year 33658 in seconds is treated as milliseconds.
func epochToTime(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// LexicalStrategy scores candidates by Jaccard similarity over normalized
// token sets. Cheap enough to run over the full candidate pool.
type LexicalStrategy struct {
	Threshold float64
}

// NewLexicalStrategy creates the token-overlap matcher. A non-positive
// threshold falls back to the strict preset.
func NewLexicalStrategy(threshold float64) *LexicalStrategy {
	if threshold <= 0 {
		threshold = JaccardStrict
	}
	return &LexicalStrategy{Threshold: threshold}
}

func (s *LexicalStrategy) Name() string { return "lexical" }

func (s *LexicalStrategy) Match(_ context.Context, summary *graph.Record, candidates []*graph.Record) (*Match, error) {
	sumTokens := tokenSet(summary.MatchText())
	if len(sumTokens) == 0 {
		return nil, nil
	}
	var best *graph.Record
	bestScore := 0.0
	for _, c := range candidates {
		score := jaccard(sumTokens, tokenSet(c.MatchText()))
		if score > bestScore || (score == bestScore && best != nil && c.ID < best.ID) {
			best, bestScore = c, score
		}
	}
	if best == nil || bestScore < s.Threshold {
		return nil, nil
	}
	return &Match{Origin: best, Score: bestScore}, nil
}

var tokenRe = regexp.MustCompile(`[a-z0-9_]+`)

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		if len(tok) <= 2 {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// EmbeddingStrategy ranks candidates by cosine similarity of embeddings.
// The most expensive strategy, so it runs last and only over pools the
// earlier strategies could not resolve.
type EmbeddingStrategy struct {
	embedder  embed.Embedder
	Threshold float64
	// Delta rejects ambiguous pools: the winner must beat the runner-up
	// by at least this margin. Zero disables the guard.
	Delta float64
	// BatchSize caps candidates per embedding request.
	BatchSize int
}

// NewEmbeddingStrategy creates the semantic matcher.
func NewEmbeddingStrategy(embedder embed.Embedder, threshold, delta float64) *EmbeddingStrategy {
	if threshold <= 0 {
		threshold = DefaultEmbedThreshold
	}
	return &EmbeddingStrategy{
		embedder:  embedder,
		Threshold: threshold,
		Delta:     delta,
		BatchSize: 2,
	}
}

func (s *EmbeddingStrategy) Name() string { return "embedding" }

func (s *EmbeddingStrategy) Match(ctx context.Context, summary *graph.Record, candidates []*graph.Record) (*Match, error) {
	if s.embedder == nil || len(candidates) == 0 {
		return nil, nil
	}
	sumVecs, err := s.embedder.EmbedBatch(ctx, []string{summary.MatchText()})
	if err != nil || len(sumVecs) == 0 {
		return nil, err
	}
	sumVec := sumVecs[0]

	type scored struct {
		rec   *graph.Record
		score float64
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = 2
	}
	results := make([]scored, 0, len(candidates))
	for start := 0; start < len(candidates); start += batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + batch
		if end > len(candidates) {
			end = len(candidates)
		}
		texts := make([]string, 0, end-start)
		for _, c := range candidates[start:end] {
			texts = append(texts, c.MatchText())
		}
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		for i, vec := range vecs {
			results = append(results, scored{
				rec:   candidates[start+i],
				score: vector.Cosine(sumVec, vec),
			})
		}
	}
	if len(results) == 0 {
		return nil, nil
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].rec.ID < results[j].rec.ID
	})
	best := results[0]
	if best.score < s.Threshold {
		return nil, nil
	}
	if s.Delta > 0 && len(results) > 1 && best.score-results[1].score < s.Delta {
		return nil, nil
	}
	return &Match{Origin: best.rec, Score: best.score}, nil
}
