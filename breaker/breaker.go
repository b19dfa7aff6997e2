// Package breaker provides the resilience wrapper guarding calls into the
// store, the vector index and the embedding backend.
//
// A slow or down dependency must not block callers indefinitely or trigger
// a retry storm: after a run of consecutive failures the breaker opens and
// fast-rejects without attempting the call, then allows a single trial once
// the timeout elapses.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrOpen is returned when the breaker rejects a call without attempting it.
var ErrOpen = errors.New("breaker: circuit open")

// Config tunes one breaker instance.
type Config struct {
	// Name identifies the guarded dependency in logs.
	Name string
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold uint32
	// Timeout is how long the breaker stays open before allowing a
	// single half-open trial call.
	Timeout time.Duration
	Logger  *zap.Logger
}

// DefaultConfig matches the thresholds used for the graph store backend.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
	}
}

// Breaker wraps sony/gobreaker with consecutive-failure tripping and a
// single-trial half-open state.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger

	mu       sync.Mutex
	lastErr  error
	lastName string
}

// New creates a breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{logger: logger, lastName: cfg.Name}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // exactly one trial call in half-open
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				// The underlying cause is logged distinctly here;
				// subsequent rejections carry no new information.
				b.mu.Lock()
				cause := b.lastErr
				b.mu.Unlock()
				logger.Error("circuit breaker opened",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.Error(cause))
				return
			}
			logger.Info("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return b
}

// Execute runs fn under the breaker. When the breaker is open, fn is not
// invoked and ErrOpen is returned immediately.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	res, err := b.cb.Execute(func() (any, error) {
		v, err := fn()
		if err != nil {
			b.mu.Lock()
			b.lastErr = err
			b.mu.Unlock()
		}
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return res, err
}

// Run is Execute for calls without a result value.
func (b *Breaker) Run(fn func() error) error {
	_, err := b.Execute(func() (any, error) { return nil, fn() })
	return err
}

// State reports the current breaker state as a string for diagnostics.
func (b *Breaker) State() string { return b.cb.State().String() }
