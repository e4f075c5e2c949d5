package pebbledb

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

type ReclaimerConfig struct {
	MaxBatchSize      int           // Flush after this many deletes (default: 500)
	ChannelBufferSize int           // Deletes beyond this are dropped until the next Purge
	FlushInterval     time.Duration // Time-based flush (default: 1s)
}

func DefaultReclaimerConfig() ReclaimerConfig {
	return ReclaimerConfig{
		MaxBatchSize:      500,
		ChannelBufferSize: 10000,
		FlushInterval:     time.Second,
	}
}

type reclaimOp struct {
	key       []byte
	expiresAt int64
}

// Reclaimer deletes expired kv entries in background batches. A queued delete
// only applies if the entry still carries the expiry it was queued with, so a
// key rewritten after Purge saw it survives.
type Reclaimer struct {
	db      *pebble.DB
	mu      sync.Locker
	config  ReclaimerConfig
	logger  *zap.Logger
	opCh    chan reclaimOp
	flushCh chan chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped atomic.Bool

	reclaimed atomic.Int64
}

// NewReclaimer starts the flusher goroutine. mu must be the lock that guards
// writes to db, so the expiry check and the delete are atomic with them.
func NewReclaimer(db *pebble.DB, mu sync.Locker, config ReclaimerConfig, logger *zap.Logger) *Reclaimer {
	if config.MaxBatchSize == 0 {
		config.MaxBatchSize = 500
	}
	if config.ChannelBufferSize == 0 {
		config.ChannelBufferSize = 10000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Reclaimer{
		db:      db,
		mu:      mu,
		config:  config,
		logger:  logger,
		opCh:    make(chan reclaimOp, config.ChannelBufferSize),
		flushCh: make(chan chan struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go r.flusher()

	return r
}

// Delete queues key for deletion without blocking. It reports false when the
// queue is full or the reclaimer is closed.
func (r *Reclaimer) Delete(key []byte, expiresAt int64) bool {
	if r.stopped.Load() {
		return false
	}
	select {
	case r.opCh <- reclaimOp{key: key, expiresAt: expiresAt}:
		return true
	default:
		return false
	}
}

// Flush applies every queued delete before returning.
func (r *Reclaimer) Flush() {
	if r.stopped.Load() {
		return
	}
	done := make(chan struct{})
	select {
	case r.flushCh <- done:
		<-done
	case <-r.doneCh:
	}
}

// Reclaimed returns the number of entries deleted so far.
func (r *Reclaimer) Reclaimed() int64 {
	return r.reclaimed.Load()
}

func (r *Reclaimer) Close() error {
	if r.stopped.Swap(true) {
		return nil // Already stopped
	}
	close(r.stopCh)
	<-r.doneCh // Wait for flusher to finish
	return nil
}

func (r *Reclaimer) flusher() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	var pending []reclaimOp

	flush := func() {
		if len(pending) == 0 {
			return
		}
		r.apply(pending)
		pending = pending[:0]
	}

	drain := func() {
		for {
			select {
			case op := <-r.opCh:
				pending = append(pending, op)
			default:
				return
			}
		}
	}

	for {
		select {
		case op := <-r.opCh:
			pending = append(pending, op)
			if len(pending) >= r.config.MaxBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case done := <-r.flushCh:
			drain()
			flush()
			close(done)

		case <-r.stopCh:
			drain()
			flush()
			return
		}
	}
}

func (r *Reclaimer) apply(ops []reclaimOp) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := r.db.NewBatch()
	defer batch.Close()

	var count int64
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if _, ok := seen[string(op.key)]; ok {
			continue
		}
		seen[string(op.key)] = struct{}{}

		value, closer, err := r.db.Get(op.key)
		if err != nil {
			continue // already gone, or unreadable; the next Purge retries
		}
		current := decodeInt64(value)
		closer.Close()
		if current != op.expiresAt {
			continue
		}
		batch.Delete(op.key, nil)
		count++
	}

	if count == 0 {
		return
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		r.logger.Warn("failed to commit reclaim batch", zap.Error(err), zap.Int64("keys", count))
		return
	}
	r.reclaimed.Add(count)
}
