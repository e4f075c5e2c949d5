package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/georgeshao/inference-gate/internal/storage"
)

// PendingEntry is work waiting for a subject.
type PendingEntry struct {
	Subject   string    `json:"subject"`
	ArrivedAt time.Time `json:"arrived_at"`
	Context   string    `json:"context,omitempty"`
}

// EventAt is the entry's arrival time as the unix-ms event id.
func (e PendingEntry) EventAt() int64 {
	return e.ArrivedAt.UnixMilli()
}

// PendingSet is the shared arrival-ordered set of subjects with work.
type PendingSet struct {
	store storage.Store
}

func NewPendingSet(store storage.Store) *PendingSet {
	return &PendingSet{store: store}
}

// Add inserts or refreshes entry. A subject appears once; re-adding moves it
// to the newer arrival time and replaces its context.
func (p *PendingSet) Add(ctx context.Context, entry PendingEntry) error {
	if err := p.store.Set(ctx, pendingContextKey(entry.Subject), entry.Context, 0); err != nil {
		return fmt.Errorf("failed to store pending context: %w", err)
	}
	if err := p.store.ZAdd(ctx, keyPending, entry.Subject, float64(entry.EventAt())); err != nil {
		return fmt.Errorf("failed to add pending entry: %w", err)
	}
	return nil
}

// Oldest returns up to limit entries in ascending arrival order.
func (p *PendingSet) Oldest(ctx context.Context, limit int) ([]PendingEntry, error) {
	return p.Page(ctx, 0, limit)
}

// Page returns up to limit entries in ascending arrival order, skipping the
// first offset.
func (p *PendingSet) Page(ctx context.Context, offset, limit int) ([]PendingEntry, error) {
	members, err := p.store.ZRangeByScore(ctx, keyPending, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending set: %w", err)
	}

	entries := make([]PendingEntry, 0, len(members))
	for _, m := range members {
		text, _, err := p.store.Get(ctx, pendingContextKey(m.Member))
		if err != nil {
			return nil, fmt.Errorf("failed to read pending context: %w", err)
		}
		entries = append(entries, PendingEntry{
			Subject:   m.Member,
			ArrivedAt: time.UnixMilli(int64(m.Score)),
			Context:   text,
		})
	}
	return entries, nil
}

// EventAt returns the current arrival time of subject in unix ms.
func (p *PendingSet) EventAt(ctx context.Context, subject string) (int64, bool, error) {
	score, found, err := p.store.ZScore(ctx, keyPending, subject)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read pending entry: %w", err)
	}
	return int64(score), found, nil
}

// Remove drops subject and its context. Removing an absent subject is a no-op.
func (p *PendingSet) Remove(ctx context.Context, subject string) error {
	if _, err := p.store.ZRem(ctx, keyPending, subject); err != nil {
		return fmt.Errorf("failed to remove pending entry: %w", err)
	}
	if _, err := p.store.Del(ctx, pendingContextKey(subject)); err != nil {
		return fmt.Errorf("failed to remove pending context: %w", err)
	}
	return nil
}

func (p *PendingSet) Len(ctx context.Context) (int64, error) {
	n, err := p.store.ZCard(ctx, keyPending)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending set: %w", err)
	}
	return n, nil
}
