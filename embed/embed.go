// Package embed provides clients for the external embedding service.
//
// The service is a collaborator, not part of this core: HTTPEmbedder talks
// to an OpenAI-style /v1/embeddings endpoint (llama.cpp server, Ollama's
// OpenAI-compatible API, or OpenAI itself), and MockEmbedder produces
// deterministic vectors for tests. Callers degrade gracefully when
// embedding fails: auto-indexing is skipped and repair falls through to
// cheaper strategies.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Embedder converts text to vector embeddings.
//
// Implementations must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds several texts in one round trip where the
	// backend allows it. The result has one vector per input, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Config holds HTTP embedder configuration.
type Config struct {
	// BaseURL of the embeddings API, e.g. http://localhost:8080/v1.
	BaseURL string
	APIKey  string
	Model   string
	// Dimensions of the returned vectors, used for validation.
	Dimensions int
	// Timeout per HTTP request. Counts as a failure when exceeded.
	Timeout time.Duration

	// BatchSize is the number of texts per request. Oversized batches
	// are split; failing batches are halved down to per-item calls.
	BatchSize int
	// MaxRetries per batch before halving.
	MaxRetries int
	// MaxChars truncates each text before embedding. Long inputs are a
	// common cause of 500s from resource-constrained embedding servers.
	MaxChars int

	Logger *zap.Logger
}

// DefaultConfig targets a local llama.cpp-style embedding server.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "http://localhost:8080/v1",
		Dimensions: 768,
		Timeout:    30 * time.Second,
		BatchSize:  8,
		MaxRetries: 3,
		MaxChars:   2048,
	}
}

// HTTPEmbedder implements Embedder over an OpenAI-style embeddings API.
type HTTPEmbedder struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewHTTP creates an HTTP embedder. Zero config fields fall back to
// DefaultConfig values.
func NewHTTP(cfg Config) *HTTPEmbedder {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = def.MaxChars
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = def.Dimensions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Dimensions returns the configured vector size.
func (e *HTTPEmbedder) Dimensions() int { return e.cfg.Dimensions }

// Embed embeds a single text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in bounded batches. A failing batch is retried
// with exponential backoff and jitter, then split in half; the fallback
// bottoms out at per-item calls so one poisoned input cannot sink the rest.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *HTTPEmbedder) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		vecs, err := e.request(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		e.logger.Warn("embedding batch failed",
			zap.Int("batch_size", len(texts)),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	if len(texts) == 1 {
		return nil, fmt.Errorf("embed: batch of 1 exhausted retries: %w", lastErr)
	}
	// Size-reduction fallback: halve the batch and recurse.
	mid := len(texts) / 2
	left, err := e.embedChunk(ctx, texts[:mid])
	if err != nil {
		return nil, err
	}
	right, err := e.embedChunk(ctx, texts[mid:])
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

type embeddingsRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *HTTPEmbedder) request(ctx context.Context, texts []string) ([][]float32, error) {
	input := make([]string, len(texts))
	for i, t := range texts {
		if len(t) > e.cfg.MaxChars {
			t = t[:e.cfg.MaxChars]
		}
		input[i] = t
	}
	body, err := json.Marshal(embeddingsRequest{Model: e.cfg.Model, Input: input})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embed: status %d: %s", resp.StatusCode, snippet)
	}
	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed: got %d embeddings for %d inputs", len(parsed.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embed: response index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// sleepBackoff waits 2^attempt * 100ms plus jitter, honoring cancellation.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(base + jitter):
		return nil
	}
}

var _ Embedder = (*HTTPEmbedder)(nil)
