package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stocktake/internal/testutil"
)

func TestLocalExclusive(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	first, err := l.Obtain(ctx, Key("receive:T1"), time.Minute)
	require.NoError(t, err)

	_, err = l.Obtain(ctx, Key("receive:T1"), time.Minute)
	assert.ErrorIs(t, err, ErrNotObtained)

	other, err := l.Obtain(ctx, Key("receive:T2"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	again, err := l.Obtain(ctx, Key("receive:T1"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocalExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.now = func() time.Time { return now }

	stale, err := l.Obtain(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.Obtain(ctx, "k", time.Second)
	require.NoError(t, err)

	// Releasing the expired lease must not free the new holder.
	require.NoError(t, stale.Release(ctx))
	_, err = l.Obtain(ctx, "k", time.Second)
	assert.ErrorIs(t, err, ErrNotObtained)
	require.NoError(t, fresh.Release(ctx))
}

func TestLocalRefresh(t *testing.T) {
	ctx := context.Background()
	fc := testutil.NewFakeClock(time.Time{})
	l := NewLocal()
	l.now = fc.Now

	lease, err := l.Obtain(ctx, "k", time.Second)
	require.NoError(t, err)

	fc.Advance(900 * time.Millisecond)
	require.NoError(t, lease.Refresh(ctx, time.Second))
	fc.Advance(900 * time.Millisecond)
	_, err = l.Obtain(ctx, "k", time.Second)
	assert.ErrorIs(t, err, ErrNotObtained)

	fc.Advance(200 * time.Millisecond)
	assert.ErrorIs(t, lease.Refresh(ctx, time.Second), ErrNotObtained)
}

func TestKeepAlive(t *testing.T) {
	ctx := context.Background()
	fc := testutil.NewFakeClock(time.Time{})
	l := NewLocal()
	l.now = fc.Now

	lease, err := l.Obtain(ctx, "k", 3*time.Second)
	require.NoError(t, err)

	var lost error
	stop := KeepAlive(lease, 3*time.Second, fc, func(err error) { lost = err })

	fc.Advance(10 * time.Second)
	_, err = l.Obtain(ctx, "k", time.Second)
	assert.ErrorIs(t, err, ErrNotObtained, "kept lease outlives its ttl")
	assert.NoError(t, lost)

	stop()
	assert.Zero(t, fc.Pending())
	fc.Advance(4 * time.Second)
	other, err := l.Obtain(ctx, "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))
}

func TestKeepAlive_ReportsLostLease(t *testing.T) {
	ctx := context.Background()
	fc := testutil.NewFakeClock(time.Time{})
	l := NewLocal()
	l.now = fc.Now

	lease, err := l.Obtain(ctx, "k", 3*time.Second)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
	thief, err := l.Obtain(ctx, "k", time.Minute)
	require.NoError(t, err)

	var lost []error
	stop := KeepAlive(lease, 3*time.Second, fc, func(err error) { lost = append(lost, err) })
	defer stop()

	fc.Advance(10 * time.Second)
	require.Len(t, lost, 1)
	assert.ErrorIs(t, lost[0], ErrNotObtained)
	assert.Zero(t, fc.Pending())
	require.NoError(t, thief.Release(ctx))
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("STOCKTAKE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STOCKTAKE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	r := NewRedis(client)
	key := Key("test:" + time.Now().Format(time.RFC3339Nano))
	lease, err := r.Obtain(ctx, key, 5*time.Second)
	require.NoError(t, err)

	_, err = r.Obtain(ctx, key, 5*time.Second)
	assert.ErrorIs(t, err, ErrNotObtained)
	require.NoError(t, lease.Refresh(ctx, 5*time.Second))
	require.NoError(t, lease.Release(ctx))
	assert.ErrorIs(t, lease.Refresh(ctx, 5*time.Second), ErrNotObtained)
}
