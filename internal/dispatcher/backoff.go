package dispatcher

import (
	"sync/atomic"
	"time"
)

// BackoffClock holds the process-wide "no dispatch before" instant.
type BackoffClock struct {
	until atomic.Int64 // unix nanos, 0 = open
	now   func() time.Time
}

func NewBackoffClock(now func() time.Time) *BackoffClock {
	if now == nil {
		now = time.Now
	}
	return &BackoffClock{now: now}
}

// Extend moves the window end to t if that is later than the current end.
// It reports whether the window moved.
func (b *BackoffClock) Extend(t time.Time) bool {
	next := t.UnixNano()
	for {
		cur := b.until.Load()
		if next <= cur {
			return false
		}
		if b.until.CompareAndSwap(cur, next) {
			return true
		}
	}
}

func (b *BackoffClock) Until() time.Time {
	n := b.until.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Remaining is how long until dispatch may resume; zero when open.
func (b *BackoffClock) Remaining() time.Duration {
	n := b.until.Load()
	if n == 0 {
		return 0
	}
	if d := time.Unix(0, n).Sub(b.now()); d > 0 {
		return d
	}
	return 0
}

// Ready reports whether now is at or after the window end.
func (b *BackoffClock) Ready() bool {
	return b.Remaining() == 0
}
