package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgeshao/inference-gate/internal/storage"
	"github.com/georgeshao/inference-gate/internal/storage/storagetest"
)

func TestLockManager(t *testing.T) {
	clock := storagetest.NewFakeClock(start)
	store := storage.NewMemory(storage.WithClock(clock.Now))
	locks := NewLockManager(store, 90*time.Second, clock.Now)
	ctx := context.Background()

	lease, ok, err := locks.Acquire(ctx, "alice", 42)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locks.Acquire(ctx, "alice", 43)
	require.NoError(t, err)
	assert.False(t, ok, "second claim loses while the lease is live")

	got, found, err := locks.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, lease.Token, got.Token)
	assert.Equal(t, int64(42), got.EventAt)

	// A stale holder must not drop someone else's lease.
	require.NoError(t, locks.ReleaseIfOwner(ctx, &Lease{Subject: "alice", Token: "stale"}))
	held, err := locks.Held(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, locks.ReleaseIfOwner(ctx, lease))
	held, err = locks.Held(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, locks.Release(ctx, "alice"), "releasing a free subject is a no-op")
}

func TestLockExpires(t *testing.T) {
	clock := storagetest.NewFakeClock(start)
	store := storage.NewMemory(storage.WithClock(clock.Now))
	locks := NewLockManager(store, 90*time.Second, clock.Now)
	ctx := context.Background()

	_, ok, err := locks.Acquire(ctx, "alice", 1)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(91 * time.Second)

	_, ok, err = locks.Acquire(ctx, "alice", 2)
	require.NoError(t, err)
	assert.True(t, ok, "a crashed holder's lease times out")
}

func TestQuotaHeadroom(t *testing.T) {
	q := NewQuotaTracker(nil, QuotaLimits{PerMinute: 5, Total: 10}, 2*time.Minute, nil)

	assert.Equal(t, int64(5), q.Headroom(QuotaState{}))
	assert.Equal(t, int64(2), q.Headroom(QuotaState{MinuteCount: 3, Total: 3}))
	assert.Equal(t, int64(1), q.Headroom(QuotaState{MinuteCount: 0, Total: 9}))
	assert.Equal(t, int64(0), q.Headroom(QuotaState{MinuteCount: 7}))

	unlimited := NewQuotaTracker(nil, QuotaLimits{}, 2*time.Minute, nil)
	assert.Equal(t, int64(-1), unlimited.Headroom(QuotaState{MinuteCount: 100}))
	assert.Equal(t, time.Duration(-1), unlimited.TrialRemaining(QuotaState{}))
}
