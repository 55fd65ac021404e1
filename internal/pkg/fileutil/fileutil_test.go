package fileutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "doc.json")
	require.NoError(t, WriteAtomic(path, []byte("one"), 0o644))
	require.NoError(t, WriteAtomic(path, []byte("two"), 0o644))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(raw))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.lock")
	ctx := context.Background()

	l, err := AcquireLock(ctx, path, time.Second)
	require.NoError(t, err)

	_, err = AcquireLock(ctx, path, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l.Release())
	l2, err := AcquireLock(ctx, path, time.Second)
	require.NoError(t, err)
	assert.NoError(t, l2.Release())
}

func TestStaleLockIsCleared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.lock")
	require.NoError(t, os.WriteFile(path, []byte("1"), 0o644))
	old := time.Now().Add(-2 * StaleAfter)
	require.NoError(t, os.Chtimes(path, old, old))

	l, err := AcquireLock(context.Background(), path, 50*time.Millisecond)
	require.NoError(t, err)
	assert.NoError(t, l.Release())
}
