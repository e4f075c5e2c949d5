package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotInteger is returned by IncrBy when the existing value is not an integer.
var ErrNotInteger = errors.New("storage: value is not an integer")

// Store is the shared key-value substrate used for cross-process coordination.
//
// Every method is a single atomic operation against the backend. A zero ttl
// means the key never expires. Expired keys behave exactly like missing keys.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent (or expired) and reports
	// whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	// IncrBy adds delta to the integer at key. ttl is applied only when the
	// increment creates the key, so a window counter keeps its original expiry.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Sorted sets. Members are unique per key; ZAdd replaces the score of an
	// existing member.
	ZAdd(ctx context.Context, key, member string, score float64) error
	// ZRangeByScore returns up to limit members in ascending score order,
	// ties broken by member, skipping the first offset. limit <= 0 returns
	// every remaining member.
	ZRangeByScore(ctx context.Context, key string, offset, limit int) ([]ZMember, error)
	ZScore(ctx context.Context, key, member string) (score float64, found bool, err error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)

	Close() error
}
