package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/georgeshao/inference-gate/internal/storage"
)

// QuotaLimits are the admission ceilings. Zero disables a ceiling.
type QuotaLimits struct {
	PerMinute     int64
	Total         int64
	TrialDuration time.Duration
}

// QuotaState is a snapshot of the counters.
type QuotaState struct {
	MinuteCount int64
	Total       int64
	TrialStart  time.Time // zero until the first admission
}

// QuotaTracker keeps a per-minute counter (keyed by the unix minute, so it
// rolls over on its own) and a lifetime counter with a trial-start marker.
type QuotaTracker struct {
	store     storage.Store
	limits    QuotaLimits
	minuteTTL time.Duration
	now       func() time.Time
}

func NewQuotaTracker(store storage.Store, limits QuotaLimits, minuteTTL time.Duration, now func() time.Time) *QuotaTracker {
	if now == nil {
		now = time.Now
	}
	return &QuotaTracker{store: store, limits: limits, minuteTTL: minuteTTL, now: now}
}

func (q *QuotaTracker) Limits() QuotaLimits {
	return q.limits
}

func (q *QuotaTracker) readInt(ctx context.Context, key string) (int64, error) {
	value, found, err := q.store.Get(ctx, key)
	if err != nil || !found {
		return 0, err
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %q is not an integer: %w", key, err)
	}
	return n, nil
}

func (q *QuotaTracker) Snapshot(ctx context.Context) (QuotaState, error) {
	var state QuotaState

	minute, err := q.readInt(ctx, minuteKey(q.now()))
	if err != nil {
		return state, fmt.Errorf("failed to read minute counter: %w", err)
	}
	total, err := q.readInt(ctx, keyQuotaTotal)
	if err != nil {
		return state, fmt.Errorf("failed to read lifetime counter: %w", err)
	}
	trialStart, err := q.readInt(ctx, keyTrialStart)
	if err != nil {
		return state, fmt.Errorf("failed to read trial start: %w", err)
	}

	state.MinuteCount = minute
	state.Total = total
	if trialStart > 0 {
		state.TrialStart = time.UnixMilli(trialStart)
	}
	return state, nil
}

// TrialRemaining is the time left in the trial window, or -1 when there is
// no trial limit. Before the first admission the whole window remains.
func (q *QuotaTracker) TrialRemaining(state QuotaState) time.Duration {
	if q.limits.TrialDuration <= 0 {
		return -1
	}
	if state.TrialStart.IsZero() {
		return q.limits.TrialDuration
	}
	remaining := q.limits.TrialDuration - q.now().Sub(state.TrialStart)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Headroom is how many admissions state still allows. A negative value
// means unlimited.
func (q *QuotaTracker) Headroom(state QuotaState) int64 {
	headroom := int64(-1)
	if q.limits.PerMinute > 0 {
		headroom = max(q.limits.PerMinute-state.MinuteCount, 0)
	}
	if q.limits.Total > 0 {
		left := max(q.limits.Total-state.Total, 0)
		if headroom < 0 || left < headroom {
			headroom = left
		}
	}
	return headroom
}

// Record counts n admissions and stamps the trial start on the first one.
func (q *QuotaTracker) Record(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	now := q.now()

	if _, err := q.store.IncrBy(ctx, minuteKey(now), int64(n), q.minuteTTL); err != nil {
		return fmt.Errorf("failed to increment minute counter: %w", err)
	}
	if _, err := q.store.IncrBy(ctx, keyQuotaTotal, int64(n), 0); err != nil {
		return fmt.Errorf("failed to increment lifetime counter: %w", err)
	}
	if _, err := q.store.SetNX(ctx, keyTrialStart, strconv.FormatInt(now.UnixMilli(), 10), 0); err != nil {
		return fmt.Errorf("failed to record trial start: %w", err)
	}
	return nil
}

// Reset zeroes every live counter and clears the trial start.
func (q *QuotaTracker) Reset(ctx context.Context) error {
	now := q.now()
	keys := []string{keyQuotaTotal, keyTrialStart}
	// Minute counters live for minuteTTL; clear every window that may still exist.
	for back := time.Duration(0); back <= q.minuteTTL; back += time.Minute {
		keys = append(keys, minuteKey(now.Add(-back)))
	}

	if _, err := q.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to reset counters: %w", err)
	}
	return nil
}
