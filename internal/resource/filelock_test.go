package resource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock_LockUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "accelerator.lock")
	lock := NewFileLock(path)

	require.NoError(t, lock.Lock(context.Background()))
	_, err := os.Stat(lock.Path())
	assert.NoError(t, err)

	require.NoError(t, lock.Unlock())
	// Second unlock is a no-op
	require.NoError(t, lock.Unlock())
}

func TestFileLock_ExcludesSecondHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accelerator.lock")
	a := NewFileLock(path)
	b := NewFileLock(path)

	require.NoError(t, a.Lock(context.Background()))
	defer func() { _ = a.Unlock() }()

	ok, err := b.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGate_LockFileExcludesOtherGate(t *testing.T) {
	// Given: two gates standing in for two worker processes
	path := filepath.Join(t.TempDir(), "accelerator.lock")
	g1 := NewGate(WithLockFile(path))
	g2 := NewGate(WithLockFile(path))

	release1, err := g1.Acquire(context.Background())
	require.NoError(t, err)

	// When: the second tries while the first holds
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = g2.Acquire(ctx)

	// Then: it times out and leaves its own gate free
	require.Error(t, err)
	assert.False(t, g2.Held())

	release1()
	release2, err := g2.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}
