package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgeshao/inference-gate/internal/metrics"
	"github.com/georgeshao/inference-gate/internal/storage"
	"github.com/georgeshao/inference-gate/internal/storage/storagetest"
)

var start = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func setupController(t *testing.T, config Config) (*Controller, storage.Store, *storagetest.FakeClock) {
	t.Helper()
	clock := storagetest.NewFakeClock(start)
	store := storage.NewMemory(storage.WithClock(clock.Now))
	t.Cleanup(func() { store.Close() })
	return New(store, config, WithClock(clock.Now)), store, clock
}

func enqueue(t *testing.T, c *Controller, subject string, arrivedAt time.Time) {
	t.Helper()
	_, err := c.Enqueue(context.Background(), PendingEntry{
		Subject:   subject,
		ArrivedAt: arrivedAt,
		Context:   "latest message from " + subject,
	})
	require.NoError(t, err)
}

func subjectsOf(d *Decision) []string {
	var out []string
	for _, w := range d.Work {
		out = append(out, w.Subject)
	}
	return out
}

func TestTickAdmitsOldestFirst(t *testing.T) {
	c, _, _ := setupController(t, DefaultConfig())
	ctx := context.Background()

	enqueue(t, c, "carol", start.Add(-1*time.Minute))
	enqueue(t, c, "alice", start.Add(-3*time.Minute))
	enqueue(t, c, "bob", start.Add(-2*time.Minute))

	d, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, VerdictSpawn, d.Verdict)
	require.Len(t, d.Work, 1)

	w := d.Work[0]
	assert.Equal(t, "alice", w.Subject)
	assert.Equal(t, "latest message from alice", w.Context)
	assert.Equal(t, start.Add(-3*time.Minute).UnixMilli(), w.EventAt)
	assert.NotEmpty(t, w.Token)
	assert.Equal(t, start.Add(90*time.Second), w.LeaseExpiresAt)
}

func TestTickSkipsWhenEmpty(t *testing.T) {
	c, _, _ := setupController(t, DefaultConfig())

	d, err := c.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictSkip, d.Verdict)
	assert.Equal(t, ReasonNoPending, d.Code)
}

func TestDoubleTickAdmitsOnce(t *testing.T) {
	c, _, _ := setupController(t, DefaultConfig())
	ctx := context.Background()

	enqueue(t, c, "alice", start.Add(-time.Minute))

	first, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, subjectsOf(first))

	second, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, VerdictSkip, second.Verdict)
	assert.Equal(t, ReasonNoneEligible, second.Code)
}

func TestDoubleTickPicksDifferentSubject(t *testing.T) {
	c, _, _ := setupController(t, DefaultConfig())
	ctx := context.Background()

	enqueue(t, c, "alice", start.Add(-2*time.Minute))
	enqueue(t, c, "bob", start.Add(-time.Minute))

	first, err := c.Tick(ctx)
	require.NoError(t, err)
	second, err := c.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"alice"}, subjectsOf(first))
	assert.Equal(t, []string{"bob"}, subjectsOf(second))
}

func TestSixtySubjectsTwoPerMinute(t *testing.T) {
	config := DefaultConfig()
	config.MaxPerTick = 2
	config.MaxPerMinute = 2
	c, _, clock := setupController(t, config)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		enqueue(t, c, fmt.Sprintf("subject-%02d", i), start.Add(-time.Hour+time.Duration(i)*time.Second))
	}

	admitted := make(map[string]int)
	for tick := 0; tick < 30; tick++ {
		d, err := c.Tick(ctx)
		require.NoError(t, err)
		require.Equal(t, VerdictSpawn, d.Verdict, "tick %d", tick)
		require.Len(t, d.Work, 2, "tick %d", tick)

		for _, w := range d.Work {
			admitted[w.Subject]++
		}
		// Workers finish before the next minute.
		require.NoError(t, c.Complete(ctx, subjectsOf(d)...))

		// A second tick inside the same minute hits the per-minute ceiling.
		again, err := c.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, ReasonMinuteQuota, again.Code)

		clock.Advance(time.Minute)
	}

	assert.Len(t, admitted, 60)
	for subject, n := range admitted {
		assert.Equal(t, 1, n, "subject %s admitted more than once", subject)
	}

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(60), status.Total)
	assert.Zero(t, status.Pending)
}

func TestMinuteQuotaRollsOver(t *testing.T) {
	config := DefaultConfig()
	config.MaxPerMinute = 1
	c, _, clock := setupController(t, config)
	ctx := context.Background()

	enqueue(t, c, "alice", start.Add(-2*time.Minute))
	enqueue(t, c, "bob", start.Add(-time.Minute))

	d, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, subjectsOf(d))

	d, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonMinuteQuota, d.Code)
	assert.Contains(t, d.Reason, "1/1")

	clock.Advance(time.Minute)

	d, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, subjectsOf(d))
}

func TestCompleteAllowsNewOccurrence(t *testing.T) {
	c, _, clock := setupController(t, DefaultConfig())
	ctx := context.Background()

	enqueue(t, c, "alice", start.Add(-time.Minute))
	d, err := c.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, subjectsOf(d))

	require.NoError(t, c.Complete(ctx, "alice"))
	// Idempotent.
	require.NoError(t, c.Complete(ctx, "alice"))

	pending, err := c.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	clock.Advance(time.Minute)
	enqueue(t, c, "alice", clock.Now())

	d, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, subjectsOf(d))
	assert.Equal(t, clock.Now().UnixMilli(), d.Work[0].EventAt)
}

func TestDedupBlocksReinsertedEvent(t *testing.T) {
	c, _, _ := setupController(t, DefaultConfig())
	ctx := context.Background()

	arrived := start.Add(-time.Minute)
	enqueue(t, c, "alice", arrived)
	d, err := c.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, VerdictSpawn, d.Verdict)

	// The worker finished but the same event is delivered again.
	require.NoError(t, c.Complete(ctx, "alice"))
	enqueue(t, c, "alice", arrived)

	d, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, VerdictSkip, d.Verdict)
	assert.Equal(t, ReasonNoneEligible, d.Code)
}

func TestAbortAllowsSameEventAgain(t *testing.T) {
	c, _, _ := setupController(t, DefaultConfig())
	ctx := context.Background()

	arrived := start.Add(-time.Minute)
	enqueue(t, c, "alice", arrived)
	d, err := c.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, VerdictSpawn, d.Verdict)

	tripped, err := c.Abort(ctx, "worker crashed", "alice")
	require.NoError(t, err)
	assert.False(t, tripped)

	d, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, subjectsOf(d))
	assert.Equal(t, arrived.UnixMilli(), d.Work[0].EventAt)
}

func TestAbortAfterLeaseExpiry(t *testing.T) {
	c, _, clock := setupController(t, DefaultConfig())
	ctx := context.Background()

	enqueue(t, c, "alice", start.Add(-time.Minute))
	_, err := c.Tick(ctx)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = c.Abort(ctx, "timeout", "alice")
	require.NoError(t, err)

	d, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, subjectsOf(d), "dedup record found through the pending score")
}

func TestTickScansPastHandledHead(t *testing.T) {
	for _, pageSize := range []int{0, 7} {
		t.Run(fmt.Sprintf("page=%d", pageSize), func(t *testing.T) {
			clock := storagetest.NewFakeClock(start)
			store := storage.NewMemory(storage.WithClock(clock.Now))
			t.Cleanup(func() { store.Close() })

			m := metrics.New()
			reg := prometheus.NewPedanticRegistry()
			m.MustRegister(reg)

			config := DefaultConfig()
			config.MaxPerTick = 100
			config.MaxPerMinute = 0
			config.ScanPageSize = pageSize
			c := New(store, config, WithClock(clock.Now), WithMetrics(m))
			ctx := context.Background()

			for i := 0; i < 100; i++ {
				enqueue(t, c, fmt.Sprintf("s%03d", i), start.Add(-time.Hour+time.Duration(i)*time.Second))
			}
			d, err := c.Tick(ctx)
			require.NoError(t, err)
			require.Len(t, d.Work, 100)

			// The workers never report back: leases lapse, dedup marks stay.
			clock.Advance(2 * time.Minute)
			enqueue(t, c, "fresh", clock.Now())

			d, err = c.Tick(ctx)
			require.NoError(t, err)
			assert.Equal(t, VerdictSpawn, d.Verdict)
			assert.Equal(t, []string{"fresh"}, subjectsOf(d))

			expected := `
# HELP gate_admission_pending Subjects in the pending set at the last tick.
# TYPE gate_admission_pending gauge
gate_admission_pending 101
`
			assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "gate_admission_pending"))
		})
	}
}

// readmit admits alice, lets the first lease lapse, and admits her again for
// a newer event. It returns both work orders.
func readmit(t *testing.T, c *Controller, clock *storagetest.FakeClock) (WorkOrder, WorkOrder) {
	t.Helper()
	ctx := context.Background()

	enqueue(t, c, "alice", start.Add(-time.Minute))
	d, err := c.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, d.Work, 1)
	first := d.Work[0]

	clock.Advance(2 * time.Minute)
	enqueue(t, c, "alice", clock.Now())
	d, err = c.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, d.Work, 1)
	second := d.Work[0]
	require.NotEqual(t, first.Token, second.Token)
	return first, second
}

func TestStaleAbortKeepsNewerLease(t *testing.T) {
	c, _, clock := setupController(t, DefaultConfig())
	ctx := context.Background()
	first, second := readmit(t, c, clock)

	tripped, aborted, err := c.AbortClaims(ctx, "timeout", first.Claim())
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.Equal(t, 0, aborted)

	d, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, VerdictSkip, d.Verdict)
	assert.Equal(t, ReasonNoneEligible, d.Code, "no third admission while the second worker runs")

	lease, found, err := c.locks.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, second.Token, lease.Token)

	// The live worker can still roll back its own claim.
	_, aborted, err = c.AbortClaims(ctx, "timeout", second.Claim())
	require.NoError(t, err)
	assert.Equal(t, 1, aborted)

	d, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, subjectsOf(d))
}

func TestStaleCompleteKeepsNewerLease(t *testing.T) {
	c, _, clock := setupController(t, DefaultConfig())
	ctx := context.Background()
	first, second := readmit(t, c, clock)

	closed, err := c.CompleteClaims(ctx, first.Claim())
	require.NoError(t, err)
	assert.Equal(t, 0, closed)

	held, err := c.locks.Held(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, held)
	n, err := c.pending.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	closed, err = c.CompleteClaims(ctx, second.Claim())
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	held, err = c.locks.Held(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, held)
	n, err = c.pending.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRateLimitAbortDisablesUntilReset(t *testing.T) {
	c, _, clock := setupController(t, DefaultConfig())
	ctx := context.Background()

	enqueue(t, c, "alice", start.Add(-2*time.Minute))
	enqueue(t, c, "bob", start.Add(-time.Minute))

	_, err := c.Tick(ctx)
	require.NoError(t, err)

	tripped, err := c.Abort(ctx, "rate_limit", "alice")
	require.NoError(t, err)
	assert.True(t, tripped)

	for i := 0; i < 3; i++ {
		d, err := c.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, VerdictSkip, d.Verdict)
		assert.Equal(t, ReasonDisabled, d.Code)
		assert.Equal(t, "controller disabled: rate_limit", d.Reason)
		clock.Advance(time.Minute)
	}

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Enabled)
	assert.Equal(t, "rate_limit", status.DisabledReason)

	require.NoError(t, c.Reset(ctx))

	d, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, subjectsOf(d))

	status, err = c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.Equal(t, int64(1), status.Total)
}

func TestIsRateLimitReason(t *testing.T) {
	tests := []struct {
		reason string
		want   bool
	}{
		{"rate_limit", true},
		{"RATE_LIMIT", true},
		{"upstream returned 429", true},
		{"Rate limit exceeded", true},
		{"upstream_rate_limit_error", true},
		{"overloaded", false},
		{"timeout", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRateLimitReason(tt.reason))
		})
	}
}

func TestLifetimeQuota(t *testing.T) {
	config := DefaultConfig()
	config.MaxPerTick = 5
	config.MaxPerMinute = 0
	config.MaxTotal = 3
	c, _, clock := setupController(t, config)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		enqueue(t, c, fmt.Sprintf("s%d", i), start.Add(time.Duration(i-10)*time.Second))
	}

	d, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, d.Work, 3, "admission is capped by lifetime headroom")

	clock.Advance(time.Hour)

	d, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonLifetimeQuota, d.Code)

	require.NoError(t, c.Reset(ctx))
	d, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, d.Work, 2)
}

func TestTrialWindow(t *testing.T) {
	config := DefaultConfig()
	config.MaxPerMinute = 0
	config.MaxTrialDuration = 90 * time.Minute
	c, _, clock := setupController(t, config)
	ctx := context.Background()

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, status.TrialStart)
	assert.Equal(t, 90*time.Minute, status.TrialRemaining)

	enqueue(t, c, "alice", start.Add(-time.Minute))
	enqueue(t, c, "bob", start.Add(-time.Second))

	_, err = c.Tick(ctx)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	status, err = c.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.TrialStart)
	assert.Equal(t, start.UnixMilli(), status.TrialStart.UnixMilli())
	assert.Equal(t, 60*time.Minute, status.TrialRemaining)

	clock.Advance(60 * time.Minute)
	d, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonTrialElapsed, d.Code)

	require.NoError(t, c.Reset(ctx))
	d, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, subjectsOf(d))
}

// flakyStore fails the named operation while armed.
type flakyStore struct {
	storage.Store
	failIncr atomic.Bool
	failGet  atomic.Bool
}

var errStoreDown = errors.New("store unavailable")

func (s *flakyStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if s.failIncr.Load() {
		return 0, errStoreDown
	}
	return s.Store.IncrBy(ctx, key, delta, ttl)
}

func (s *flakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s.failGet.Load() {
		return "", false, errStoreDown
	}
	return s.Store.Get(ctx, key)
}

func TestStoreFailureRollsBackClaims(t *testing.T) {
	clock := storagetest.NewFakeClock(start)
	store := &flakyStore{Store: storage.NewMemory(storage.WithClock(clock.Now))}
	c := New(store, DefaultConfig(), WithClock(clock.Now))
	ctx := context.Background()

	arrived := start.Add(-time.Minute)
	enqueue(t, c, "alice", arrived)

	store.failIncr.Store(true)
	d, err := c.Tick(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Nil(t, d)

	held, err := c.locks.Held(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, held, "lease released on rollback")

	seen, err := c.ledger.Seen(ctx, "alice", arrived.UnixMilli())
	require.NoError(t, err)
	assert.False(t, seen, "dedup record erased on rollback")

	store.failIncr.Store(false)
	d, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, subjectsOf(d))
}

func TestStoreFailureFailsClosed(t *testing.T) {
	clock := storagetest.NewFakeClock(start)
	store := &flakyStore{Store: storage.NewMemory(storage.WithClock(clock.Now))}
	c := New(store, DefaultConfig(), WithClock(clock.Now))
	ctx := context.Background()

	enqueue(t, c, "alice", start.Add(-time.Minute))

	store.failGet.Store(true)
	d, err := c.Tick(ctx)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Nil(t, d)

	store.failGet.Store(false)
	state, err := c.quota.Snapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, state.Total)
}

func TestEnqueueRejectsEmptySubject(t *testing.T) {
	c, _, _ := setupController(t, DefaultConfig())
	_, err := c.Enqueue(context.Background(), PendingEntry{})
	assert.ErrorIs(t, err, ErrEmptySubject)
}

func TestEnqueueDefaultsArrival(t *testing.T) {
	c, _, _ := setupController(t, DefaultConfig())
	ctx := context.Background()

	stored, err := c.Enqueue(ctx, PendingEntry{Subject: "alice", Context: "hi"})
	require.NoError(t, err)
	assert.Equal(t, start.UnixMilli(), stored.EventAt())

	pending, err := c.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, start.UnixMilli(), pending[0].ArrivedAt.UnixMilli())
	assert.Equal(t, "hi", pending[0].Context)
}
