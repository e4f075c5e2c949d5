package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/georgeshao/inference-gate/internal/storage"
)

// Ledger remembers (subject, event) pairs that were already admitted.
type Ledger struct {
	store storage.Store
	ttl   time.Duration
}

func NewLedger(store storage.Store, ttl time.Duration) *Ledger {
	return &Ledger{store: store, ttl: ttl}
}

func (l *Ledger) Seen(ctx context.Context, subject string, eventAt int64) (bool, error) {
	ok, err := l.store.Exists(ctx, dedupKey(subject, eventAt))
	if err != nil {
		return false, fmt.Errorf("failed to check dedup record: %w", err)
	}
	return ok, nil
}

// Mark records the pair. It reports false when the pair was already marked.
func (l *Ledger) Mark(ctx context.Context, subject string, eventAt int64) (bool, error) {
	ok, err := l.store.SetNX(ctx, dedupKey(subject, eventAt), "1", l.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to write dedup record: %w", err)
	}
	return ok, nil
}

// Erase forgets the pair so the same event can be admitted again.
func (l *Ledger) Erase(ctx context.Context, subject string, eventAt int64) error {
	if _, err := l.store.Del(ctx, dedupKey(subject, eventAt)); err != nil {
		return fmt.Errorf("failed to erase dedup record: %w", err)
	}
	return nil
}
