// Package storagetest holds a conformance suite that every storage.Store
// backend runs from its own tests.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgeshao/inference-gate/internal/storage"
)

// Clock drives expiry in the suite.
type Clock interface {
	Now() time.Time
	Advance(d time.Duration)
}

// FakeClock is a manually advanced Clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// RealClock advances by sleeping. It is for backends that keep their own time.
type RealClock struct{}

func (RealClock) Now() time.Time          { return time.Now() }
func (RealClock) Advance(d time.Duration) { time.Sleep(d) }

// Factory opens a fresh, empty store whose expiry follows clock. It registers
// its own cleanup on t.
type Factory func(t *testing.T, clock Clock) storage.Store

// Run exercises factory's stores with a fake clock.
func Run(t *testing.T, factory Factory) {
	run(t, factory, func() Clock { return NewFakeClock(time.Unix(1_700_000_000, 0)) })
}

// RunRealTime exercises factory's stores against wall-clock time.
func RunRealTime(t *testing.T, factory Factory) {
	run(t, factory, func() Clock { return RealClock{} })
}

const ttl = time.Second

func run(t *testing.T, factory Factory, newClock func() Clock) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s storage.Store, clock Clock)
	}{
		{"GetSet", testGetSet},
		{"Expiry", testExpiry},
		{"SetNX", testSetNX},
		{"Del", testDel},
		{"IncrBy", testIncrBy},
		{"IncrByTTLOnCreate", testIncrByTTLOnCreate},
		{"SortedSet", testSortedSet},
		{"SortedSetUpdate", testSortedSetUpdate},
		{"ConcurrentSetNX", testConcurrentSetNX},
		{"ConcurrentIncrBy", testConcurrentIncrBy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := newClock()
			tc.fn(t, factory(t, clock), clock)
		})
	}
}

func testGetSet(t *testing.T, s storage.Store, _ Clock) {
	ctx := context.Background()

	_, found, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "k", "v1", 0))
	v, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", v)

	require.NoError(t, s.Set(ctx, "k", "v2", 0))
	v, _, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func testExpiry(t *testing.T, s storage.Store, clock Clock) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", "v", ttl))
	require.NoError(t, s.Set(ctx, "forever", "v", 0))

	ok, err := s.Exists(ctx, "short")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(ttl + 200*time.Millisecond)

	ok, err = s.Exists(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok, "key should expire after its ttl")

	ok, err = s.Exists(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok)
}

func testSetNX(t *testing.T, s storage.Store, clock Clock) {
	ctx := context.Background()

	won, err := s.SetNX(ctx, "lock", "a", ttl)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.SetNX(ctx, "lock", "b", ttl)
	require.NoError(t, err)
	assert.False(t, won)

	v, _, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "a", v, "losing SetNX must not overwrite")

	clock.Advance(ttl + 200*time.Millisecond)

	won, err = s.SetNX(ctx, "lock", "c", ttl)
	require.NoError(t, err)
	assert.True(t, won, "expired key can be claimed again")

	v, _, err = s.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "c", v)
}

func testDel(t *testing.T, s storage.Store, _ Clock) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "1", 0))
	require.NoError(t, s.Set(ctx, "b", "2", 0))
	require.NoError(t, s.ZAdd(ctx, "z", "m", 1))

	n, err := s.Del(ctx, "a", "b", "z", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, key := range []string{"a", "b"} {
		ok, err := s.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	card, err := s.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Zero(t, card)

	n, err = s.Del(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testIncrBy(t *testing.T, s storage.Store, _ Clock) {
	ctx := context.Background()

	n, err := s.IncrBy(ctx, "counter", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.IncrBy(ctx, "counter", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	v, _, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, "5", v)

	require.NoError(t, s.Set(ctx, "text", "hello", 0))
	_, err = s.IncrBy(ctx, "text", 1, 0)
	assert.ErrorIs(t, err, storage.ErrNotInteger)
}

func testIncrByTTLOnCreate(t *testing.T, s storage.Store, clock Clock) {
	ctx := context.Background()

	n, err := s.IncrBy(ctx, "window", 1, ttl)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	clock.Advance(ttl / 2)

	// A later increment keeps the original expiry.
	n, err = s.IncrBy(ctx, "window", 1, ttl)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	clock.Advance(ttl/2 + 200*time.Millisecond)

	n, err = s.IncrBy(ctx, "window", 1, ttl)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "counter restarts once its window expired")
}

func testSortedSet(t *testing.T, s storage.Store, _ Clock) {
	ctx := context.Background()

	members, err := s.ZRangeByScore(ctx, "empty", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, s.ZAdd(ctx, "pending", "c", 30))
	require.NoError(t, s.ZAdd(ctx, "pending", "b", 10))
	require.NoError(t, s.ZAdd(ctx, "pending", "a", 10))
	require.NoError(t, s.ZAdd(ctx, "pending", "d", -5))

	members, err = s.ZRangeByScore(ctx, "pending", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []storage.ZMember{
		{Member: "d", Score: -5},
		{Member: "a", Score: 10},
		{Member: "b", Score: 10},
		{Member: "c", Score: 30},
	}, members)

	members, err = s.ZRangeByScore(ctx, "pending", 0, 2)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "d", members[0].Member)
	assert.Equal(t, "a", members[1].Member)

	members, err = s.ZRangeByScore(ctx, "pending", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []storage.ZMember{{Member: "b", Score: 10}}, members)

	members, err = s.ZRangeByScore(ctx, "pending", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []storage.ZMember{{Member: "c", Score: 30}}, members)

	members, err = s.ZRangeByScore(ctx, "pending", 10, 5)
	require.NoError(t, err)
	assert.Empty(t, members)

	score, found, err := s.ZScore(ctx, "pending", "c")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, float64(30), score)

	_, found, err = s.ZScore(ctx, "pending", "zz")
	require.NoError(t, err)
	assert.False(t, found)

	n, err := s.ZRem(ctx, "pending", "a", "zz")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	card, err := s.ZCard(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, int64(3), card)
}

func testSortedSetUpdate(t *testing.T, s storage.Store, _ Clock) {
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "pending", "a", 1))
	require.NoError(t, s.ZAdd(ctx, "pending", "b", 2))
	require.NoError(t, s.ZAdd(ctx, "pending", "a", 3))

	members, err := s.ZRangeByScore(ctx, "pending", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []storage.ZMember{
		{Member: "b", Score: 2},
		{Member: "a", Score: 3},
	}, members)

	card, err := s.ZCard(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, int64(2), card, "re-adding a member must not duplicate it")
}

func testConcurrentSetNX(t *testing.T, s storage.Store, _ Clock) {
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := s.SetNX(ctx, "contended", fmt.Sprintf("owner-%d", i), time.Minute)
			assert.NoError(t, err)
			if won {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one claimant wins")
}

func testConcurrentIncrBy(t *testing.T, s storage.Store, _ Clock) {
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, err := s.IncrBy(ctx, "hits", 1, time.Minute)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	v, _, err := s.Get(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, "100", v)
}
