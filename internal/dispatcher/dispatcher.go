package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/georgeshao/inference-gate/internal/metrics"
	"github.com/georgeshao/inference-gate/internal/upstream"
)

type Config struct {
	MaxConcurrent     int64
	MaxQueueSize      int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	MaxRetries        int
	RequestsPerSecond float64 // 0 = unpaced

	// ReleaseSlotDuringBackoff frees the concurrency slot while a request
	// waits to retry, then returns it to the head of its band.
	ReleaseSlotDuringBackoff bool
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
		MaxQueueSize:  50,
		BaseBackoff:   1 * time.Second,
		MaxBackoff:    30 * time.Second,
		MaxRetries:    3,
	}
}

// Completer performs a single upstream attempt.
type Completer interface {
	Complete(ctx context.Context, req upstream.Request) (upstream.Result, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req upstream.Request) (upstream.Result, error)

func (f CompleterFunc) Complete(ctx context.Context, req upstream.Request) (upstream.Result, error) {
	return f(ctx, req)
}

// Completion is the result of a successful request.
type Completion struct {
	ID       string
	Priority Priority
	Text     string
	Reply    upstream.Reply
	Usage    upstream.Usage
	Cached   bool
	Latency  time.Duration
	Attempts int
}

// Pending is a queued request's handle.
type Pending struct {
	ID   string
	done <-chan outcome
}

// Wait blocks until the request finishes or ctx is done. Giving up on the
// wait does not withdraw the request.
func (p *Pending) Wait(ctx context.Context) (*Completion, error) {
	select {
	case out := <-p.done:
		return out.completion, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type Dispatcher struct {
	completer Completer
	config    Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	backoff *BackoffClock
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu      sync.Mutex
	queue   *queue
	running bool
	closed  bool

	notify chan struct{}
	active atomic.Int64
	stats  counters
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the time source for the backoff window and latency.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(completer Completer, config Config, opts ...Option) *Dispatcher {
	defaults := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = defaults.MaxQueueSize
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = defaults.BaseBackoff
	}
	if config.MaxBackoff < config.BaseBackoff {
		config.MaxBackoff = config.BaseBackoff
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	d := &Dispatcher{
		completer: completer,
		config:    config,
		logger:    zap.NewNop(),
		now:       time.Now,
		sem:       semaphore.NewWeighted(config.MaxConcurrent),
		queue:     newQueue(config.MaxQueueSize),
		notify:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.backoff = NewBackoffClock(d.now)
	if config.RequestsPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}
	return d
}

// Backoff exposes the shared backoff window.
func (d *Dispatcher) Backoff() *BackoffClock {
	return d.backoff
}

// Enqueue admits req to the queue without blocking.
func (d *Dispatcher) Enqueue(req upstream.Request, priority Priority) (*Pending, error) {
	if priority < PriorityHigh || priority > PriorityLow {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(priority))
	}

	done := make(chan outcome, 1)
	it := &item{
		id:         uuid.NewString(),
		req:        req,
		priority:   priority,
		enqueuedAt: d.now(),
		done:       done,
	}

	d.stats.add(func(c *counters) { c.requests++ })

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if err := d.queue.push(it); err != nil {
		d.mu.Unlock()
		d.stats.add(func(c *counters) { c.errors++ })
		d.metrics.RecordRequest(priority.String(), "rejected")
		d.logger.Warn("queue full, request dropped",
			zap.Stringer("priority", priority),
			zap.Int("capacity", d.config.MaxQueueSize))
		return nil, err
	}
	depth := d.queue.depth(priority)
	d.mu.Unlock()

	d.metrics.SetQueueDepth(priority.String(), depth)
	d.signal()

	return &Pending{ID: it.id, done: done}, nil
}

// Submit enqueues req and waits for its result. Run must be active.
func (d *Dispatcher) Submit(ctx context.Context, req upstream.Request, priority Priority) (*Completion, error) {
	p, err := d.Enqueue(req, priority)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Run drains the queue until ctx is done. Requests still queued at that point
// fail with ErrClosed; Run returns once in-flight requests have finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("dispatcher: already running")
	}
	d.running = true
	d.mu.Unlock()

	d.logger.Info("dispatcher started",
		zap.Int64("max_concurrent", d.config.MaxConcurrent),
		zap.Int("max_queue_size", d.config.MaxQueueSize))

	for {
		d.drain(ctx)

		var (
			timer *time.Timer
			wake  <-chan time.Time
		)
		if wait := d.wakeAfter(); wait > 0 {
			timer = time.NewTimer(wait)
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			d.shutdown()
			d.wg.Wait()
			d.logger.Info("dispatcher stopped")
			return nil
		case <-d.notify:
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		it := d.dequeueIfEligible()
		if it == nil {
			return
		}
		d.wg.Add(1)
		go d.process(ctx, it)
	}
}

// dequeueIfEligible pops the head of the queue only when the backoff window
// is open and a concurrency slot is free. The slot is held by the caller.
func (d *Dispatcher) dequeueIfEligible() *item {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.queue.len() == 0 || !d.backoff.Ready() {
		return nil
	}
	if !d.sem.TryAcquire(1) {
		return nil
	}

	it := d.queue.pop()
	d.metrics.SetQueueDepth(it.priority.String(), d.queue.depth(it.priority))
	d.metrics.SetInFlight(d.active.Add(1))
	return it
}

// wakeAfter is how long the drain loop may sleep before the backoff window
// opens. Zero means wait for a signal.
func (d *Dispatcher) wakeAfter() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.queue.len() == 0 {
		return 0
	}
	return d.backoff.Remaining()
}

func (d *Dispatcher) signal() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	d.closed = true
	items := d.queue.drain()
	d.mu.Unlock()

	for _, it := range items {
		d.deliver(it, nil, ErrClosed, "closed")
	}
	for p := PriorityHigh; p <= PriorityLow; p++ {
		d.metrics.SetQueueDepth(p.String(), 0)
	}
}

func (d *Dispatcher) releaseSlot() {
	d.sem.Release(1)
	d.metrics.SetInFlight(d.active.Add(-1))
	d.signal()
}

func (d *Dispatcher) process(ctx context.Context, it *item) {
	defer d.wg.Done()

	logger := d.logger.With(
		zap.String("request_id", it.id),
		zap.Stringer("priority", it.priority))

	for {
		start := d.now()
		res, err := d.attempt(ctx, it)
		if err != nil {
			logger.Error("upstream call failed", zap.Error(err), zap.Int("retries", it.retries))
			d.finish(it, nil, fmt.Errorf("dispatcher: upstream call failed: %w", err), "transport")
			return
		}

		switch res.Kind {
		case upstream.KindSuccess:
			latency := d.now().Sub(start)
			completion := &Completion{
				ID:       it.id,
				Priority: it.priority,
				Text:     res.Text,
				Reply:    upstream.ParseReply(res.Text),
				Usage:    res.Usage,
				Cached:   res.CacheHit(),
				Latency:  latency,
				Attempts: it.retries + 1,
			}
			d.stats.add(func(c *counters) {
				c.successes++
				c.latencySum += latency
				if completion.Cached {
					c.cacheHits++
				}
			})
			d.metrics.RecordSuccess(latency, completion.Cached)
			if completion.Reply.Degraded {
				logger.Debug("reply was not structured, using plain-text fallback")
			}
			d.finish(it, completion, nil, "")
			return

		case upstream.KindRateLimited, upstream.KindOverloaded:
			delay := d.retryDelay(res, it.retries)
			terminal := ErrOverloaded
			if res.Kind == upstream.KindRateLimited {
				terminal = ErrRateLimited
				d.stats.add(func(c *counters) { c.rateLimits++ })
				// Rate limits are upstream-wide: hold back every queued request.
				if d.backoff.Extend(d.now().Add(delay)) {
					d.metrics.SetBackoffRemaining(delay)
				}
			} else {
				d.stats.add(func(c *counters) { c.overloads++ })
			}

			if it.retries >= d.config.MaxRetries {
				logger.Warn("giving up after retries",
					zap.Stringer("signal", res.Kind),
					zap.Int("retries", it.retries))
				d.finish(it, nil, &RetryError{Err: terminal, Attempts: it.retries + 1}, res.Kind.String())
				return
			}

			it.retries++
			d.stats.add(func(c *counters) { c.retries++ })
			d.metrics.RecordRetry(res.Kind.String())
			logger.Warn("backing off",
				zap.Stringer("signal", res.Kind),
				zap.Duration("delay", delay),
				zap.Int("retry", it.retries),
				zap.Int("max_retries", d.config.MaxRetries))

			if d.config.ReleaseSlotDuringBackoff {
				d.releaseSlot()
				if err := sleepCtx(ctx, delay); err != nil {
					d.deliver(it, nil, ErrClosed, "closed")
					return
				}
				d.requeue(it)
				return
			}
			if err := sleepCtx(ctx, delay); err != nil {
				d.finish(it, nil, ErrClosed, "closed")
				return
			}
			if err := d.awaitBackoff(ctx); err != nil {
				d.finish(it, nil, ErrClosed, "closed")
				return
			}

		default:
			logger.Warn("upstream rejected request", zap.Int("status", res.StatusCode))
			d.finish(it, nil, &UpstreamError{StatusCode: res.StatusCode, Body: res.Body}, "upstream")
			return
		}
	}
}

// awaitBackoff blocks a slot-holding retry until the shared rate-limit
// window has closed. The window may grow while we wait.
func (d *Dispatcher) awaitBackoff(ctx context.Context) error {
	for {
		wait := d.backoff.Remaining()
		if wait <= 0 {
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, it *item) (upstream.Result, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return upstream.Result{}, err
		}
	}
	return d.completer.Complete(ctx, it.req)
}

// retryDelay prefers the upstream's retry-after, else base·2^retries capped.
func (d *Dispatcher) retryDelay(res upstream.Result, retries int) time.Duration {
	if res.Kind == upstream.KindRateLimited && res.RetryAfter > 0 {
		return res.RetryAfter
	}
	delay := d.config.BaseBackoff
	for i := 0; i < retries && delay < d.config.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > d.config.MaxBackoff {
		delay = d.config.MaxBackoff
	}
	return delay
}

func (d *Dispatcher) requeue(it *item) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.deliver(it, nil, ErrClosed, "closed")
		return
	}
	d.queue.pushFront(it)
	depth := d.queue.depth(it.priority)
	d.mu.Unlock()

	d.metrics.SetQueueDepth(it.priority.String(), depth)
	d.signal()
}

// finish releases the slot held by it and reports the outcome.
func (d *Dispatcher) finish(it *item, c *Completion, err error, reason string) {
	d.releaseSlot()
	d.deliver(it, c, err, reason)
}

func (d *Dispatcher) deliver(it *item, c *Completion, err error, reason string) {
	d.stats.add(func(s *counters) {
		s.completed++
		if err != nil {
			s.errors++
		}
	})
	if err != nil {
		d.metrics.RecordTerminalError(reason)
		d.metrics.RecordRequest(it.priority.String(), "failed")
	} else {
		d.metrics.RecordRequest(it.priority.String(), "success")
	}
	it.done <- outcome{completion: c, err: err}
}

// Stats returns counters together with the live queue and backoff state.
func (d *Dispatcher) Stats() Stats {
	s := d.stats.snapshot()
	s.ActiveRequests = d.active.Load()

	d.mu.Lock()
	s.QueueLength = d.queue.len()
	s.QueueHigh = d.queue.depth(PriorityHigh)
	s.QueueNormal = d.queue.depth(PriorityNormal)
	s.QueueLow = d.queue.depth(PriorityLow)
	d.mu.Unlock()

	remaining := d.backoff.Remaining()
	s.BackoffRemainingMs = remaining.Milliseconds()
	d.metrics.SetBackoffRemaining(remaining)
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
