package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is a process-local Store. It is safe for concurrent use and is the
// backend used by tests and single-process deployments.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	kv    map[string]memoryValue
	zsets map[string]map[string]float64
}

type memoryValue struct {
	value     string
	expiresAt time.Time
}

var _ Store = (*Memory)(nil)

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:   time.Now,
		kv:    make(map[string]memoryValue),
		zsets: make(map[string]map[string]float64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Close() error { return nil }

// lookup returns the live value for key, dropping it if expired. Callers hold mu.
func (m *Memory) lookup(key string) (memoryValue, bool) {
	v, ok := m.kv[key]
	if !ok {
		return memoryValue{}, false
	}
	if !v.expiresAt.IsZero() && !m.now().Before(v.expiresAt) {
		delete(m.kv, key)
		return memoryValue{}, false
	}
	return v, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.lookup(key)
	return v.value, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kv[key] = memoryValue{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.kv[key] = memoryValue{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, key := range keys {
		if _, ok := m.lookup(key); ok {
			delete(m.kv, key)
			n++
		}
		if _, ok := m.zsets[key]; ok {
			delete(m.zsets, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.lookup(key)
	return ok, nil
}

func (m *Memory) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.lookup(key)
	if !ok {
		m.kv[key] = memoryValue{value: strconv.FormatInt(delta, 10), expiresAt: m.expiry(ttl)}
		return delta, nil
	}

	n, err := strconv.ParseInt(v.value, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	n += delta
	v.value = strconv.FormatInt(n, 10)
	m.kv[key] = v
	return n, nil
}

func (m *Memory) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.zsets[key]
	if !ok {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, offset, limit int) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.zsets[key]
	members := make([]ZMember, 0, len(set))
	for member, score := range set {
		members = append(members, ZMember{Member: member, Score: score})
	}
	SortMembers(members)

	if offset > 0 {
		if offset >= len(members) {
			return []ZMember{}, nil
		}
		members = members[offset:]
	}
	if limit > 0 && len(members) > limit {
		members = members[:limit]
	}
	return members, nil
}

func (m *Memory) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	score, ok := m.zsets[key][member]
	return score, ok, nil
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.zsets[key]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, member := range members {
		if _, ok := set[member]; ok {
			delete(set, member)
			n++
		}
	}
	if len(set) == 0 {
		delete(m.zsets, key)
	}
	return n, nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(len(m.zsets[key])), nil
}

// SortMembers orders members by ascending score, then by member name.
func SortMembers(members []ZMember) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
}
