package admission

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/georgeshao/inference-gate/internal/storage"
)

// Lease is a time-bounded exclusive claim on a subject.
type Lease struct {
	Subject   string    `json:"subject"`
	Token     string    `json:"token"`
	EventAt   int64     `json:"event_at"` // unix ms of the claimed event
	ExpiresAt time.Time `json:"expires_at"`
}

// LockManager hands out per-subject leases through set-if-absent with a TTL.
// Expiry is the only liveness mechanism: a holder that dies releases the
// subject once its lease times out.
type LockManager struct {
	store storage.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewLockManager(store storage.Store, ttl time.Duration, now func() time.Time) *LockManager {
	if now == nil {
		now = time.Now
	}
	return &LockManager{store: store, ttl: ttl, now: now}
}

func encodeLease(token string, eventAt int64) string {
	return token + "|" + strconv.FormatInt(eventAt, 10)
}

func decodeLease(subject, value string) (*Lease, error) {
	token, at, ok := strings.Cut(value, "|")
	if !ok {
		return nil, fmt.Errorf("malformed lease for %q", subject)
	}
	eventAt, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed lease for %q: %w", subject, err)
	}
	return &Lease{Subject: subject, Token: token, EventAt: eventAt}, nil
}

// Acquire claims subject for the event at eventAt. It reports false, without
// error, when a live lease already exists.
func (m *LockManager) Acquire(ctx context.Context, subject string, eventAt int64) (*Lease, bool, error) {
	token := uuid.NewString()
	now := m.now()

	ok, err := m.store.SetNX(ctx, lockKey(subject), encodeLease(token, eventAt), m.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{
		Subject:   subject,
		Token:     token,
		EventAt:   eventAt,
		ExpiresAt: now.Add(m.ttl),
	}, true, nil
}

func (m *LockManager) Held(ctx context.Context, subject string) (bool, error) {
	ok, err := m.store.Exists(ctx, lockKey(subject))
	if err != nil {
		return false, fmt.Errorf("failed to check lock: %w", err)
	}
	return ok, nil
}

// Get returns the live lease on subject, if any. ExpiresAt is not known from
// the store and is left zero.
func (m *LockManager) Get(ctx context.Context, subject string) (*Lease, bool, error) {
	value, found, err := m.store.Get(ctx, lockKey(subject))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read lock: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	lease, err := decodeLease(subject, value)
	if err != nil {
		return nil, false, err
	}
	return lease, true, nil
}

// Release drops the lease on subject whoever holds it. Releasing a free
// subject is a no-op.
func (m *LockManager) Release(ctx context.Context, subject string) error {
	if _, err := m.store.Del(ctx, lockKey(subject)); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// ReleaseIfOwner drops the lease only while it still carries lease's token.
func (m *LockManager) ReleaseIfOwner(ctx context.Context, lease *Lease) error {
	current, found, err := m.Get(ctx, lease.Subject)
	if err != nil {
		return err
	}
	if !found || current.Token != lease.Token {
		return nil
	}
	return m.Release(ctx, lease.Subject)
}
