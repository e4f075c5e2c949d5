// Package admission decides, one tick at a time, which subjects may have a
// worker spawned for them. All coordination goes through a shared
// storage.Store, so several controller processes may share state; ticks
// themselves must be serialized by the caller.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/georgeshao/inference-gate/internal/metrics"
	"github.com/georgeshao/inference-gate/internal/storage"
)

var ErrEmptySubject = errors.New("admission: empty subject")

type Config struct {
	MaxPerTick       int
	MaxPerMinute     int64         // 0 = unlimited
	MaxTotal         int64         // lifetime ceiling, 0 = unlimited
	MaxTrialDuration time.Duration // 0 = no trial cutoff
	LockTTL          time.Duration
	DedupTTL         time.Duration
	MinuteTTL        time.Duration
	ScanPageSize     int // pending entries read per page while scanning
}

func DefaultConfig() Config {
	return Config{
		MaxPerTick:   1,
		MaxPerMinute: 5,
		LockTTL:      90 * time.Second,
		DedupTTL:     48 * time.Hour,
		MinuteTTL:    2 * time.Minute,
		ScanPageSize: 100,
	}
}

type Verdict string

const (
	VerdictSpawn Verdict = "spawn"
	VerdictSkip  Verdict = "skip"
)

// Skip reason codes.
const (
	ReasonDisabled      = "disabled"
	ReasonLifetimeQuota = "lifetime_quota"
	ReasonTrialElapsed  = "trial_elapsed"
	ReasonMinuteQuota   = "minute_quota"
	ReasonNoPending     = "no_pending"
	ReasonNoneEligible  = "none_eligible"
	ReasonBusy          = "busy"
)

// WorkOrder is one admitted subject handed to an external worker.
type WorkOrder struct {
	Subject        string    `json:"subject"`
	Token          string    `json:"token"`
	EventAt        int64     `json:"event_at"`
	Context        string    `json:"context,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// Decision is the outcome of a tick.
type Decision struct {
	Verdict Verdict     `json:"verdict"`
	Code    string      `json:"code,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	Work    []WorkOrder `json:"work,omitempty"`
}

func skip(code, reason string) *Decision {
	return &Decision{Verdict: VerdictSkip, Code: code, Reason: reason}
}

// Status is a diagnostic view of the controller.
type Status struct {
	Enabled        bool          `json:"enabled"`
	DisabledReason string        `json:"disabled_reason,omitempty"`
	MinuteCount    int64         `json:"minute_count"`
	MaxPerMinute   int64         `json:"max_per_minute"`
	Total          int64         `json:"total"`
	MaxTotal       int64         `json:"max_total"`
	TrialStart     *time.Time    `json:"trial_start,omitempty"`
	TrialRemaining time.Duration `json:"trial_remaining_ns"` // -1 when there is no trial limit
	Pending        int64         `json:"pending"`
}

type Controller struct {
	store   storage.Store
	config  Config
	locks   *LockManager
	ledger  *Ledger
	quota   *QuotaTracker
	pending *PendingSet
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// Guards against overlapping ticks within this process only.
	tickMu sync.Mutex
}

type Option func(*Controller)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides the time source. It should match the store's clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func New(store storage.Store, config Config, opts ...Option) *Controller {
	defaults := DefaultConfig()
	if config.MaxPerTick <= 0 {
		config.MaxPerTick = defaults.MaxPerTick
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if config.DedupTTL <= 0 {
		config.DedupTTL = defaults.DedupTTL
	}
	if config.MinuteTTL <= 0 {
		config.MinuteTTL = defaults.MinuteTTL
	}
	if config.ScanPageSize <= 0 {
		config.ScanPageSize = defaults.ScanPageSize
	}

	c := &Controller{
		store:  store,
		config: config,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.locks = NewLockManager(store, config.LockTTL, c.now)
	c.ledger = NewLedger(store, config.DedupTTL)
	c.quota = NewQuotaTracker(store, QuotaLimits{
		PerMinute:     config.MaxPerMinute,
		Total:         config.MaxTotal,
		TrialDuration: config.MaxTrialDuration,
	}, config.MinuteTTL, c.now)
	c.pending = NewPendingSet(store)
	return c
}

// Enqueue records new work for a subject and returns the stored entry.
// ArrivedAt defaults to now and is truncated to the millisecond event id.
func (c *Controller) Enqueue(ctx context.Context, entry PendingEntry) (PendingEntry, error) {
	if entry.Subject == "" {
		return PendingEntry{}, ErrEmptySubject
	}
	if entry.ArrivedAt.IsZero() {
		entry.ArrivedAt = c.now()
	}
	entry.ArrivedAt = time.UnixMilli(entry.EventAt())
	if err := c.pending.Add(ctx, entry); err != nil {
		return PendingEntry{}, err
	}
	return entry, nil
}

// Pending lists up to limit entries, oldest first. limit <= 0 lists all.
func (c *Controller) Pending(ctx context.Context, limit int) ([]PendingEntry, error) {
	return c.pending.Oldest(ctx, limit)
}

// Tick makes one admission decision. Capacity and eligibility outcomes are
// skip verdicts; an error means the store failed, and any claims made during
// the tick have been rolled back.
func (c *Controller) Tick(ctx context.Context) (*Decision, error) {
	if !c.tickMu.TryLock() {
		return skip(ReasonBusy, "tick already in progress"), nil
	}
	defer c.tickMu.Unlock()

	decision, err := c.tick(ctx)
	if err != nil {
		c.logger.Error("tick failed", zap.Error(err))
		return nil, err
	}

	c.metrics.RecordTick(string(decision.Verdict), decision.Code, len(decision.Work))
	if decision.Verdict == VerdictSpawn {
		subjects := make([]string, len(decision.Work))
		for i, w := range decision.Work {
			subjects[i] = w.Subject
		}
		c.logger.Info("admitted", zap.Strings("subjects", subjects))
	} else {
		c.logger.Debug("skipped", zap.String("code", decision.Code), zap.String("reason", decision.Reason))
	}
	return decision, nil
}

func (c *Controller) tick(ctx context.Context) (*Decision, error) {
	reason, disabled, err := c.disabledReason(ctx)
	if err != nil {
		return nil, err
	}
	if disabled {
		return skip(ReasonDisabled, "controller disabled: "+reason), nil
	}

	state, err := c.quota.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	limits := c.quota.Limits()
	if limits.Total > 0 && state.Total >= limits.Total {
		return skip(ReasonLifetimeQuota, fmt.Sprintf("lifetime quota reached (%d/%d)", state.Total, limits.Total)), nil
	}
	if c.quota.TrialRemaining(state) == 0 {
		return skip(ReasonTrialElapsed, fmt.Sprintf("trial window of %s elapsed", limits.TrialDuration)), nil
	}
	if limits.PerMinute > 0 && state.MinuteCount >= limits.PerMinute {
		return skip(ReasonMinuteQuota, fmt.Sprintf("per-minute quota reached (%d/%d)", state.MinuteCount, limits.PerMinute)), nil
	}

	depth, err := c.pending.Len(ctx)
	if err != nil {
		return nil, err
	}
	c.metrics.SetPending(depth)
	if depth == 0 {
		return skip(ReasonNoPending, "no pending work"), nil
	}

	budget := c.config.MaxPerTick
	if headroom := c.quota.Headroom(state); headroom >= 0 && headroom < int64(budget) {
		budget = int(headroom)
	}

	// Page through the whole set: a run of in-flight or already handled
	// subjects at the head must not hide newer work behind it.
	var admitted []WorkOrder
	page := c.config.ScanPageSize
	for offset := 0; len(admitted) < budget; offset += page {
		entries, err := c.pending.Page(ctx, offset, page)
		if err != nil {
			return nil, multierr.Append(err, c.rollback(ctx, admitted))
		}
		for _, entry := range entries {
			if len(admitted) >= budget {
				break
			}
			order, ok, err := c.claim(ctx, entry)
			if err != nil {
				return nil, multierr.Append(err, c.rollback(ctx, admitted))
			}
			if ok {
				admitted = append(admitted, *order)
			}
		}
		if len(entries) < page {
			break
		}
	}

	if len(admitted) == 0 {
		return skip(ReasonNoneEligible, "no eligible subjects"), nil
	}

	if err := c.quota.Record(ctx, len(admitted)); err != nil {
		return nil, multierr.Append(err, c.rollback(ctx, admitted))
	}

	return &Decision{Verdict: VerdictSpawn, Work: admitted}, nil
}

// claim takes the lease and the dedup mark for entry. It reports false when
// the entry is not eligible or another claimant got there first.
func (c *Controller) claim(ctx context.Context, entry PendingEntry) (*WorkOrder, bool, error) {
	eventAt := entry.EventAt()

	seen, err := c.ledger.Seen(ctx, entry.Subject, eventAt)
	if err != nil || seen {
		return nil, false, err
	}
	held, err := c.locks.Held(ctx, entry.Subject)
	if err != nil || held {
		return nil, false, err
	}

	lease, ok, err := c.locks.Acquire(ctx, entry.Subject, eventAt)
	if err != nil || !ok {
		return nil, false, err
	}

	marked, err := c.ledger.Mark(ctx, entry.Subject, eventAt)
	if err != nil || !marked {
		return nil, false, multierr.Append(err, c.locks.ReleaseIfOwner(ctx, lease))
	}

	return &WorkOrder{
		Subject:        entry.Subject,
		Token:          lease.Token,
		EventAt:        eventAt,
		Context:        entry.Context,
		LeaseExpiresAt: lease.ExpiresAt,
	}, true, nil
}

func (c *Controller) rollback(ctx context.Context, orders []WorkOrder) error {
	var errs error
	for _, o := range orders {
		errs = multierr.Append(errs, c.ledger.Erase(ctx, o.Subject, o.EventAt))
		errs = multierr.Append(errs, c.locks.ReleaseIfOwner(ctx, &Lease{Subject: o.Subject, Token: o.Token}))
	}
	if errs != nil {
		c.logger.Error("rollback incomplete", zap.Error(errs))
	}
	return errs
}

// Claim names a subject being closed out. Token, when set, is the lease token
// the worker was handed; the call then leaves the subject alone once its lease
// has passed to a newer claimant.
type Claim struct {
	Subject string `json:"subject"`
	Token   string `json:"token,omitempty"`
}

// Subjects wraps names as token-less claims.
func Subjects(names ...string) []Claim {
	claims := make([]Claim, len(names))
	for i, name := range names {
		claims[i] = Claim{Subject: name}
	}
	return claims
}

func (o WorkOrder) Claim() Claim {
	return Claim{Subject: o.Subject, Token: o.Token}
}

// Complete closes out subjects: their leases are released and they leave the
// pending set. Completing an unknown or already completed subject is a no-op.
func (c *Controller) Complete(ctx context.Context, subjects ...string) error {
	_, err := c.CompleteClaims(ctx, Subjects(subjects...)...)
	return err
}

// CompleteClaims is Complete with optional ownership checks. It returns how
// many claims were closed; superseded ones are skipped.
func (c *Controller) CompleteClaims(ctx context.Context, claims ...Claim) (int, error) {
	var errs error
	closed := 0
	for _, claim := range claims {
		ok, err := c.completeOne(ctx, claim)
		errs = multierr.Append(errs, err)
		if ok {
			closed++
		}
	}
	c.metrics.RecordComplete(closed)
	if errs != nil {
		return closed, fmt.Errorf("complete: %w", errs)
	}
	return closed, nil
}

func (c *Controller) completeOne(ctx context.Context, claim Claim) (bool, error) {
	if claim.Token == "" {
		return true, multierr.Append(
			c.locks.Release(ctx, claim.Subject),
			c.pending.Remove(ctx, claim.Subject))
	}

	superseded, err := c.superseded(ctx, claim)
	if err != nil || superseded {
		return false, err
	}
	return true, multierr.Append(
		c.locks.ReleaseIfOwner(ctx, &Lease{Subject: claim.Subject, Token: claim.Token}),
		c.pending.Remove(ctx, claim.Subject))
}

// superseded reports whether a live lease on claim's subject carries a
// different token than claim.
func (c *Controller) superseded(ctx context.Context, claim Claim) (bool, error) {
	lease, found, err := c.locks.Get(ctx, claim.Subject)
	if err != nil {
		return false, err
	}
	if found && lease.Token != claim.Token {
		c.logger.Debug("ignoring stale claim",
			zap.String("subject", claim.Subject),
			zap.String("token", claim.Token))
		return true, nil
	}
	return false, nil
}

// Abort rolls back subjects' claims so the same events can be admitted again.
// A rate-limit reason also disables the controller until Reset. It reports
// whether the breaker was tripped.
func (c *Controller) Abort(ctx context.Context, reason string, subjects ...string) (bool, error) {
	tripped, _, err := c.AbortClaims(ctx, reason, Subjects(subjects...)...)
	return tripped, err
}

// AbortClaims is Abort with optional ownership checks. It also returns how
// many claims were rolled back; superseded ones are skipped. The breaker trips
// on a rate-limit reason either way.
func (c *Controller) AbortClaims(ctx context.Context, reason string, claims ...Claim) (bool, int, error) {
	var errs error
	aborted := 0
	subjects := make([]string, 0, len(claims))
	for _, claim := range claims {
		subjects = append(subjects, claim.Subject)
		ok, err := c.abortOne(ctx, claim)
		errs = multierr.Append(errs, err)
		if ok {
			aborted++
		}
	}

	tripped := IsRateLimitReason(reason)
	if tripped {
		errs = multierr.Append(errs, c.trip(ctx, reason))
		c.logger.Warn("controller disabled", zap.String("reason", reason), zap.Strings("subjects", subjects))
	}
	c.metrics.RecordAbort(aborted, tripped)

	if errs != nil {
		return tripped, aborted, fmt.Errorf("abort: %w", errs)
	}
	return tripped, aborted, nil
}

func (c *Controller) abortOne(ctx context.Context, claim Claim) (bool, error) {
	eventAt, known := int64(0), false

	lease, found, err := c.locks.Get(ctx, claim.Subject)
	if err != nil {
		return false, err
	}
	if found && claim.Token != "" && lease.Token != claim.Token {
		// A newer worker owns the subject; its lease and dedup mark stay.
		c.logger.Debug("ignoring stale abort",
			zap.String("subject", claim.Subject),
			zap.String("token", claim.Token))
		return false, nil
	}
	if found {
		eventAt, known = lease.EventAt, true
	} else {
		// Lease already expired; fall back to the pending arrival time.
		eventAt, known, err = c.pending.EventAt(ctx, claim.Subject)
		if err != nil {
			return false, err
		}
	}

	var errs error
	if known {
		errs = multierr.Append(errs, c.ledger.Erase(ctx, claim.Subject, eventAt))
	}
	if claim.Token != "" {
		return true, multierr.Append(errs, c.locks.ReleaseIfOwner(ctx, &Lease{Subject: claim.Subject, Token: claim.Token}))
	}
	return true, multierr.Append(errs, c.locks.Release(ctx, claim.Subject))
}

// Reset zeroes the counters, clears the trial start and re-enables the
// controller. Leases and dedup records are left to expire.
func (c *Controller) Reset(ctx context.Context) error {
	err := c.quota.Reset(ctx)
	if _, derr := c.store.Del(ctx, keyDisabled); derr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to clear breaker: %w", derr))
	}
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	c.logger.Info("controller reset")
	return nil
}

func (c *Controller) Status(ctx context.Context) (*Status, error) {
	reason, disabled, err := c.disabledReason(ctx)
	if err != nil {
		return nil, err
	}
	state, err := c.quota.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := c.pending.Len(ctx)
	if err != nil {
		return nil, err
	}

	limits := c.quota.Limits()
	status := &Status{
		Enabled:        !disabled,
		DisabledReason: reason,
		MinuteCount:    state.MinuteCount,
		MaxPerMinute:   limits.PerMinute,
		Total:          state.Total,
		MaxTotal:       limits.Total,
		TrialRemaining: c.quota.TrialRemaining(state),
		Pending:        pending,
	}
	if !state.TrialStart.IsZero() {
		ts := state.TrialStart
		status.TrialStart = &ts
	}
	return status, nil
}

func (c *Controller) disabledReason(ctx context.Context) (string, bool, error) {
	reason, found, err := c.store.Get(ctx, keyDisabled)
	if err != nil {
		return "", false, fmt.Errorf("failed to read breaker: %w", err)
	}
	return reason, found, nil
}

func (c *Controller) trip(ctx context.Context, reason string) error {
	if err := c.store.Set(ctx, keyDisabled, reason, 0); err != nil {
		return fmt.Errorf("failed to trip breaker: %w", err)
	}
	return nil
}

// IsRateLimitReason reports whether an abort reason names an upstream rate limit.
func IsRateLimitReason(reason string) bool {
	r := strings.ToLower(strings.TrimSpace(reason))
	return r == "rate_limit" ||
		strings.Contains(r, "rate_limit") ||
		strings.Contains(r, "rate limit") ||
		strings.Contains(r, "429")
}
