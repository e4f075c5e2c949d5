package pebbledb

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/georgeshao/inference-gate/internal/storage"
)

// Key prefixes
const (
	prefixKV      = "kv:" // kv:{key} → expiry(8) + value
	prefixZMember = "zm:" // zm:{key}\x00{member} → score(8)
	prefixZIndex  = "zi:" // zi:{key}\x00{score(8)}{member} → empty
)

// PebbleStore is an embedded storage.Store. Pebble holds an exclusive lock on
// its directory, so this backend coordinates the goroutines of one process
// only; use redis or sqlite when several processes share state.
type PebbleStore struct {
	db        *pebble.DB
	mu        sync.Mutex
	now       func() time.Time
	logger    *zap.Logger
	reclaimer *Reclaimer
}

var _ storage.Store = (*PebbleStore)(nil)

// Option configures a PebbleStore.
type Option func(*PebbleStore)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *PebbleStore) { s.now = now }
}

// WithLogger sets the logger used for background reclaim failures.
func WithLogger(logger *zap.Logger) Option {
	return func(s *PebbleStore) { s.logger = logger }
}

func New(dbPath string, opts ...Option) (*PebbleStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	store := &PebbleStore{
		db:     db,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(store)
	}
	store.reclaimer = NewReclaimer(db, &store.mu, DefaultReclaimerConfig(), store.logger)

	return store, nil
}

func (s *PebbleStore) Close() error {
	// Close reclaimer first to flush queued deletes
	if err := s.reclaimer.Close(); err != nil {
		return fmt.Errorf("failed to close reclaimer: %w", err)
	}
	return s.db.Close()
}

func kvKey(key string) []byte {
	return []byte(prefixKV + key)
}

func zMemberKey(key, member string) []byte {
	return []byte(prefixZMember + key + "\x00" + member)
}

func zIndexPrefix(key string) []byte {
	return []byte(prefixZIndex + key + "\x00")
}

func zIndexKey(key string, score float64, member string) []byte {
	k := zIndexPrefix(key)
	k = append(k, encodeScore(score)...)
	return append(k, member...)
}

func encodeInt64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8]))
}

// encodeScore maps a float64 onto 8 bytes whose byte order matches numeric order.
func encodeScore(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, bits)
	return b
}

func decodeScore(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

func upperBound(prefix []byte) []byte {
	ub := make([]byte, len(prefix))
	copy(ub, prefix)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] < 0xff {
			ub[i]++
			return ub[:i+1]
		}
	}
	return nil // prefix is all 0xff: no upper bound
}

func (s *PebbleStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixNano()
}

// read returns the live value stored under key. Callers hold mu.
func (s *PebbleStore) read(key string) (string, bool, error) {
	raw, closer, err := s.db.Get(kvKey(key))
	if err == pebble.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key: %w", err)
	}
	defer closer.Close()

	expiresAt := decodeInt64(raw)
	if expiresAt != 0 && expiresAt <= s.now().UnixNano() {
		return "", false, nil
	}
	return string(raw[8:]), true, nil
}

func (s *PebbleStore) write(key, value string, expiresAt int64) error {
	buf := make([]byte, 0, 8+len(value))
	buf = append(buf, encodeInt64(expiresAt)...)
	buf = append(buf, value...)
	return s.db.Set(kvKey(key), buf, pebble.Sync)
}

func (s *PebbleStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read(key)
}

func (s *PebbleStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(key, value, s.expiry(ttl)); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

func (s *PebbleStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, found, err := s.read(key)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	if err := s.write(key, value, s.expiry(ttl)); err != nil {
		return false, fmt.Errorf("failed to set key if absent: %w", err)
	}
	return true, nil
}

func (s *PebbleStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	var deleted int64
	for _, key := range keys {
		_, found, err := s.read(key)
		if err != nil {
			return 0, err
		}
		if found {
			deleted++
		}
		batch.Delete(kvKey(key), nil)

		members, err := s.scanIndex(key, 0, 0)
		if err != nil {
			return 0, err
		}
		for _, m := range members {
			batch.Delete(zMemberKey(key, m.Member), nil)
			batch.Delete(zIndexKey(key, m.Score, m.Member), nil)
		}
		if len(members) > 0 {
			deleted++
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return deleted, nil
}

func (s *PebbleStore) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := s.Get(ctx, key)
	return found, err
}

func (s *PebbleStore) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, closer, err := s.db.Get(kvKey(key))
	if err != nil && err != pebble.ErrNotFound {
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}

	next := delta
	expiresAt := s.expiry(ttl)
	if err == nil {
		storedExpiry := decodeInt64(raw)
		value := string(raw[8:])
		closer.Close()

		if storedExpiry == 0 || storedExpiry > s.now().UnixNano() {
			current, perr := strconv.ParseInt(value, 10, 64)
			if perr != nil {
				return 0, storage.ErrNotInteger
			}
			next = current + delta
			expiresAt = storedExpiry
		}
	}

	if err := s.write(key, strconv.FormatInt(next, 10), expiresAt); err != nil {
		return 0, fmt.Errorf("failed to write counter: %w", err)
	}
	return next, nil
}

func (s *PebbleStore) ZAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	old, found, err := s.score(key, member)
	if err != nil {
		return err
	}
	if found {
		batch.Delete(zIndexKey(key, old, member), nil)
	}
	batch.Set(zMemberKey(key, member), encodeScore(score), nil)
	batch.Set(zIndexKey(key, score, member), nil, nil)

	return batch.Commit(pebble.Sync)
}

// score reads a member's score. Callers hold mu.
func (s *PebbleStore) score(key, member string) (float64, bool, error) {
	value, closer, err := s.db.Get(zMemberKey(key, member))
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get score: %w", err)
	}
	defer closer.Close()
	return decodeScore(value), true, nil
}

// scanIndex walks the score index of key in ascending order. Callers hold mu.
func (s *PebbleStore) scanIndex(key string, offset, limit int) ([]storage.ZMember, error) {
	prefix := zIndexPrefix(key)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var members []storage.ZMember
	skipped := 0
	for iter.First(); iter.Valid(); iter.Next() {
		rest := bytes.TrimPrefix(iter.Key(), prefix)
		if len(rest) < 8 {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		members = append(members, storage.ZMember{
			Member: string(rest[8:]),
			Score:  decodeScore(rest[:8]),
		})
		if limit > 0 && len(members) >= limit {
			break
		}
	}
	return members, nil
}

func (s *PebbleStore) ZRangeByScore(_ context.Context, key string, offset, limit int) ([]storage.ZMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.scanIndex(key, offset, limit)
}

func (s *PebbleStore) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.score(key, member)
}

func (s *PebbleStore) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	var removed int64
	for _, member := range members {
		score, found, err := s.score(key, member)
		if err != nil {
			return 0, err
		}
		if !found {
			continue
		}
		batch.Delete(zMemberKey(key, member), nil)
		batch.Delete(zIndexKey(key, score, member), nil)
		removed++
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return removed, nil
}

func (s *PebbleStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, err := s.scanIndex(key, 0, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(members)), nil
}

// Purge queues deletes for every expired key on the reclaimer and returns how
// many were queued. Expired keys are already invisible to readers.
func (s *PebbleStore) Purge(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := []byte(prefixKV)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	now := s.now().UnixNano()
	var queued int64
	for iter.First(); iter.Valid(); iter.Next() {
		expiresAt := decodeInt64(iter.Value())
		if expiresAt == 0 || expiresAt > now {
			continue
		}
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		if s.reclaimer.Delete(key, expiresAt) {
			queued++
		}
	}
	return queued, nil
}
