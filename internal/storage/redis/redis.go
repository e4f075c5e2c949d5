// Package redis provides a Redis-backed storage.Store. It is the backend for
// deployments where several gateway replicas share admission state.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/georgeshao/inference-gate/internal/storage"
)

// Store is a Redis-backed storage.Store.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ storage.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "gate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a Store over a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "gate:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(k string) string {
	return s.keyPrefix + k
}

// incrScript increments a counter and sets its expiry only when it creates it.
// KEYS[1] = counter key
// ARGV[1] = delta
// ARGV[2] = ttl in milliseconds (0 = none)
var incrScript = goredis.NewScript(`
local existed = redis.call("EXISTS", KEYS[1])
local n = redis.call("INCRBY", KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if existed == 0 and ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
end
return n
`)

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage/redis: get: %w", err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("storage/redis: set: %w", err)
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("storage/redis: setnx: %w", err)
	}
	return ok, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	n, err := s.client.Del(ctx, prefixed...).Result()
	if err != nil {
		return 0, fmt.Errorf("storage/redis: del: %w", err)
	}
	return n, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("storage/redis: exists: %w", err)
	}
	return n > 0, nil
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, s.client, []string{s.key(key)}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		if strings.Contains(err.Error(), "not an integer") {
			return 0, storage.ErrNotInteger
		}
		return 0, fmt.Errorf("storage/redis: incrby: %w", err)
	}
	return n, nil
}

func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	err := s.client.ZAdd(ctx, s.key(key), goredis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return fmt.Errorf("storage/redis: zadd: %w", err)
	}
	return nil
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, offset, limit int) ([]storage.ZMember, error) {
	args := goredis.ZRangeArgs{
		Key:     s.key(key),
		Start:   "-inf",
		Stop:    "+inf",
		ByScore: true,
	}
	// LIMIT needs a count; -1 means all remaining members.
	if limit > 0 || offset > 0 {
		args.Offset = int64(max(offset, 0))
		args.Count = -1
		if limit > 0 {
			args.Count = int64(limit)
		}
	}

	zs, err := s.client.ZRangeArgsWithScores(ctx, args).Result()
	if err != nil {
		return nil, fmt.Errorf("storage/redis: zrange: %w", err)
	}

	members := make([]storage.ZMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		members = append(members, storage.ZMember{Member: member, Score: z.Score})
	}
	return members, nil
}

func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := s.client.ZScore(ctx, s.key(key), member).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage/redis: zscore: %w", err)
	}
	return score, true, nil
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.client.ZRem(ctx, s.key(key), args...).Result()
	if err != nil {
		return 0, fmt.Errorf("storage/redis: zrem: %w", err)
	}
	return n, nil
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("storage/redis: zcard: %w", err)
	}
	return n, nil
}

// Close is a no-op; the caller owns the client.
func (s *Store) Close() error { return nil }
