// Package cache provides the ephemeral active-context cache: per-session
// working context with a TTL and a last-active timestamp.
//
// The cache is fail-open by contract. A missing or unavailable backend never
// raises: reads return an empty context and the caller proceeds as a cold
// start, writes and clears become no-ops. Session state lives only here;
// there is no persisted session node.
package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

// Config tunes the context cache.
type Config struct {
	// TTL is how long a session's context and activity marker live
	// without a save or touch.
	TTL time.Duration
	// MaxBytes caps the total cached context size.
	MaxBytes int64
	Logger   *zap.Logger
}

// DefaultConfig mirrors the session TTL the rest of the system assumes.
func DefaultConfig() Config {
	return Config{
		TTL:      time.Hour,
		MaxBytes: 64 << 20,
	}
}

// ContextCache stores per-session active context in ristretto with
// per-entry TTLs. All operations are best-effort: no error is ever
// returned to callers.
type ContextCache struct {
	cache  *ristretto.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a ContextCache. On backend construction failure a disabled
// cache is returned together with the error; the disabled cache still
// honors the fail-open contract, so callers may keep it.
func New(cfg Config) (*ContextCache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig().MaxBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     cfg.MaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		logger.Warn("context cache unavailable, proceeding fail-open", zap.Error(err))
		return &ContextCache{ttl: cfg.TTL, logger: logger}, err
	}
	return &ContextCache{cache: rc, ttl: cfg.TTL, logger: logger}, nil
}

func contextKey(sessionID string) string { return "session:" + sessionID + ":context" }
func activeKey(sessionID string) string  { return "session:" + sessionID + ":last_active_at" }

// Get returns the session's active context, or "" when the session is cold
// or the backend is unavailable.
func (c *ContextCache) Get(ctx context.Context, sessionID string) string {
	if c == nil || c.cache == nil {
		return ""
	}
	if v, ok := c.cache.Get(contextKey(sessionID)); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Save stores the active context with the configured TTL and refreshes the
// session's last-active timestamp. Last write wins; there is no cross-call
// transactional guarantee.
func (c *ContextCache) Save(ctx context.Context, sessionID, text string) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.SetWithTTL(contextKey(sessionID), text, int64(len(text)), c.ttl)
	c.cache.SetWithTTL(activeKey(sessionID), time.Now().UTC(), 1, c.ttl)
	// Ristretto applies writes asynchronously; wait so a read-after-write
	// within the same request sees the saved context.
	c.cache.Wait()
}

// Touch marks the session as active without changing its context. Used by
// background jobs to detect interactive sessions they should stay out of.
func (c *ContextCache) Touch(ctx context.Context, sessionID string) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.SetWithTTL(activeKey(sessionID), time.Now().UTC(), 1, c.ttl)
	c.cache.Wait()
}

// LastActive returns the session's last activity time. ok is false when the
// session is cold or the backend is unavailable.
func (c *ContextCache) LastActive(ctx context.Context, sessionID string) (time.Time, bool) {
	if c == nil || c.cache == nil {
		return time.Time{}, false
	}
	if v, ok := c.cache.Get(activeKey(sessionID)); ok {
		if t, ok := v.(time.Time); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// Clear removes both the context text and the activity timestamp.
func (c *ContextCache) Clear(ctx context.Context, sessionID string) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.Del(contextKey(sessionID))
	c.cache.Del(activeKey(sessionID))
	c.logger.Debug("cleared session context", zap.String("session_id", sessionID))
}

// Close releases the backend.
func (c *ContextCache) Close() {
	if c != nil && c.cache != nil {
		c.cache.Close()
	}
}
