// Package graph provides the durable long-term store: a property graph of
// memory records, summaries and entities persisted in BadgerDB.
//
// The store is the single source of truth for ingested content. Writes are
// fail-closed (a lost write would silently break deduplication and
// provenance downstream), while read paths are cheap enough for callers to
// degrade to empty results when the store is unavailable.
//
// Architecture:
//   - Store: the storage interface consumed by the memory facade and the
//     weaver repair engine
//   - BadgerStore: persistent implementation with key-prefix secondary
//     indexes (content hash, app id, category, session, provenance runs)
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors returned by Store implementations.
var (
	ErrNotFound      = errors.New("graph: not found")
	ErrClosed        = errors.New("graph: store closed")
	ErrInvalidRecord = errors.New("graph: invalid record")
)

// Edge type names. DistilledFrom is the provenance link repaired by the
// weaver; Mentions links records to entities; Next orders turns within a
// session.
const (
	EdgeDistilledFrom = "DISTILLED_FROM"
	EdgeMentions      = "MENTIONS"
	EdgeNext          = "NEXT"
)

// CategorySummary marks a record as a distilled summary of earlier content.
const CategorySummary = "summary"

// appIDNamespace is the fixed uuid5 namespace for deriving stable app ids.
// It must never change: app ids correlate records across independent
// ingestion runs and bulk imports.
var appIDNamespace = uuid.MustParse("f8bd0f6e-0c4c-4654-9201-12c4f2b4b5ef")

// Record is a memory node. Records are created by ingestion and never
// mutated afterwards except for repair annotation and embedding bookkeeping.
type Record struct {
	ID        string         `json:"id"`
	AppID     string         `json:"app_id"`
	SessionID string         `json:"session_id"`
	Content   string         `json:"content"`
	// ContentCleaned holds the hygiene-normalized text used for hashing,
	// embedding and similarity matching. Empty when cleaning was skipped.
	ContentCleaned string         `json:"content_cleaned,omitempty"`
	ContentHash    string         `json:"content_hash"`
	Category       string         `json:"category"`
	Tags           []string       `json:"tags"`
	Importance     int            `json:"importance"`
	CreatedAt      time.Time      `json:"created_at"`
	Metadata       map[string]any `json:"-"`

	// Summary bookkeeping. Zero for non-summary records.
	OriginalTokenCount   int `json:"original_token_count,omitempty"`
	CompressedTokenCount int `json:"compressed_token_count,omitempty"`

	// Embedded is set once the record has been indexed in the vector
	// store. Used by the backfill worker to find leftovers.
	Embedded bool `json:"embedded"`
}

// IsSummary reports whether the record is a distilled summary.
func (r *Record) IsSummary() bool { return r.Category == CategorySummary }

// MatchText returns the text used for similarity matching: the cleaned
// content when available, otherwise the raw content.
func (r *Record) MatchText() string {
	if r.ContentCleaned != "" {
		return r.ContentCleaned
	}
	return r.Content
}

// DeriveAppID computes the stable cross-run id for a record. A caller
// supplied metadata app_id wins; otherwise source+chunk_index identity is
// preferred, falling back to a content prefix.
func DeriveAppID(content string, metadata map[string]any) string {
	if metadata != nil {
		if v, ok := metadata["app_id"].(string); ok && v != "" {
			return v
		}
		src, hasSrc := metadata["source"].(string)
		chunk, hasChunk := metadata["chunk_index"]
		if hasSrc && src != "" && hasChunk {
			return uuid.NewSHA1(appIDNamespace, []byte(src+":"+jsonScalar(chunk))).String()
		}
	}
	prefix := content
	if len(prefix) > 4096 {
		prefix = prefix[:4096]
	}
	return uuid.NewSHA1(appIDNamespace, []byte(prefix)).String()
}

func jsonScalar(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Entity is a named thing mentioned by records. Entities are unique by name
// and carry a mention count maintained by the store.
type Entity struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Mentions int    `json:"mentions"`
}

// EntityRef names an entity to link from a record at ingestion time.
type EntityRef struct {
	Name string
	Type string
}

// Edge is a typed, directed link between two nodes. Provenance edges carry
// the audit fields of the weaver run that created them.
type Edge struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	CreatedAt time.Time `json:"created_at"`

	// Audit stamp for weaver-created edges.
	RunID    string  `json:"run_id,omitempty"`
	Strategy string  `json:"strategy,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

// Provenance stamps a repair-created DISTILLED_FROM edge for later audit
// and rollback.
type Provenance struct {
	RunID    string
	Strategy string
	Score    float64
}

// Query filters and ranks a search over records.
type Query struct {
	Text     string
	Category string
	Tags     []string
	Limit    int
}

// Hit is one ranked search result.
type Hit struct {
	Record *Record
	Score  float64
}

// CandidateFilter narrows the origin candidate pool streamed to the weaver.
type CandidateFilter struct {
	// Candidates must be created within (After, Before]. Zero values
	// disable the respective bound.
	Before time.Time
	After  time.Time

	// Character-length band over the match text. Zero disables.
	MinChars int
	MaxChars int

	// ExcludeTag drops candidates carrying the tag (e.g. "#corrupted").
	ExcludeTag string
	// RequireTag keeps only candidates carrying the tag.
	RequireTag string

	Limit int
}

// Store is the long-term memory store.
//
// Implementations must be safe for concurrent use. Write operations are
// fail-closed; callers that want fail-open reads wrap the store themselves.
type Store interface {
	// Add persists a record. When the record's ContentHash matches an
	// existing node the existing id is returned and nothing is created:
	// repeated ingestion of identical content across independent import
	// paths converges to one node.
	Add(ctx context.Context, rec *Record, entities []EntityRef) (string, error)

	Get(ctx context.Context, id string) (*Record, error)
	GetByAppID(ctx context.Context, appID string) (*Record, error)
	GetEntity(ctx context.Context, name string) (*Entity, error)

	// Search ranks records by a blend of lexical match, importance and
	// recency. Ties break deterministically by id.
	Search(ctx context.Context, q Query) ([]Hit, error)
	RecentByCategory(ctx context.Context, category string, limit int) ([]*Record, error)
	Summaries(ctx context.Context, sessionID string, limit int) ([]*Record, error)

	// OrphanSummaries streams summaries with no outgoing DISTILLED_FROM
	// edge, most recent first.
	OrphanSummaries(ctx context.Context, limit int) ([]*Record, error)
	// Candidates streams provenance-eligible origin records: non-summary
	// nodes that are not already the target of a DISTILLED_FROM edge.
	Candidates(ctx context.Context, f CandidateFilter) ([]*Record, error)

	// LinkDistilledFrom creates the provenance edge summary->origin.
	// At most one such edge exists per summary; re-linking an already
	// linked summary is a no-op and returns created=false.
	LinkDistilledFrom(ctx context.Context, summaryID, originID string, p Provenance) (bool, error)
	DistilledFrom(ctx context.Context, summaryID string) (*Edge, error)

	// EdgesByRunID returns every edge stamped with the run id.
	EdgesByRunID(ctx context.Context, runID string) ([]*Edge, error)
	DeleteEdges(ctx context.Context, ids []string) (int, error)

	// UnembeddedRecords and MarkEmbedded support the background vector
	// backfill job.
	UnembeddedRecords(ctx context.Context, limit int) ([]*Record, error)
	MarkEmbedded(ctx context.Context, id string) error

	Close() error
}
