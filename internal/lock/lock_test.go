package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	release, err := l.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "reconcile", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	other, err := l.Acquire(ctx, "other", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))

	again, err := l.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	l, err := NewRedisLocker(addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	key := "test:" + uuid.NewString()
	release, err := l.Acquire(ctx, key, 2*time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, key, 2*time.Second)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release(ctx))

	next, err := l.Acquire(ctx, key, 2*time.Second)
	require.NoError(t, err)

	// A stale release must not drop a lock that now belongs to someone else.
	require.NoError(t, release(ctx))
	_, err = l.Acquire(ctx, key, 2*time.Second)
	assert.ErrorIs(t, err, ErrLocked)
	require.NoError(t, next(ctx))
}
