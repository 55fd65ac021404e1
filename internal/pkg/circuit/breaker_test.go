package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	b := New("test", 2, time.Minute)
	b.now = func() time.Time { return now }
	boom := errors.New("boom")

	require.ErrorIs(t, b.Do(func() error { return boom }), boom)
	assert.Equal(t, StateClosed, b.State())
	require.ErrorIs(t, b.Do(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	b := New("test", 1, time.Minute)
	b.now = func() time.Time { return now }

	_ = b.Do(func() error { return errors.New("down") })
	require.Equal(t, StateOpen, b.State())

	now = now.Add(2 * time.Minute)
	_ = b.Do(func() error { return errors.New("still down") })
	assert.Equal(t, StateOpen, b.State(), "failed probe reopens")

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestNilBreakerPassesThrough(t *testing.T) {
	var b *Breaker
	called := false
	require.NoError(t, b.Do(func() error { called = true; return nil }))
	assert.True(t, called)
}
