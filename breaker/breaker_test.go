package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func TestPassThroughWhenClosed(t *testing.T) {
	b := New(DefaultConfig("test"))

	v, err := b.Execute(func() (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, "closed", b.State())

	// Errors pass through unchanged while closed.
	_, err = b.Execute(func() (any, error) { return nil, errBackend })
	assert.ErrorIs(t, err, errBackend)
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 3, Timeout: time.Minute})

	for i := 0; i < 3; i++ {
		err := b.Run(func() error { return errBackend })
		assert.ErrorIs(t, err, errBackend)
	}
	assert.Equal(t, "open", b.State())

	// Open breaker fast-rejects without invoking fn.
	invoked := false
	err := b.Run(func() error { invoked = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 3, Timeout: time.Minute})

	for i := 0; i < 2; i++ {
		_ = b.Run(func() error { return errBackend })
	}
	require.NoError(t, b.Run(func() error { return nil }))
	for i := 0; i < 2; i++ {
		_ = b.Run(func() error { return errBackend })
	}
	assert.Equal(t, "closed", b.State(), "streak was broken by the success")
}

func TestHalfOpenTrial(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 1, Timeout: 20 * time.Millisecond})

	_ = b.Run(func() error { return errBackend })
	require.Equal(t, "open", b.State())

	time.Sleep(30 * time.Millisecond)

	// A failing trial re-opens the breaker.
	err := b.Run(func() error { return errBackend })
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, "open", b.State())

	time.Sleep(30 * time.Millisecond)

	// A successful trial closes it.
	require.NoError(t, b.Run(func() error { return nil }))
	assert.Equal(t, "closed", b.State())
}
