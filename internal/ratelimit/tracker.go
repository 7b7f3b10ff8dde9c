// Package ratelimit paces calls to a quota-limited upstream API. Callers
// block in Reserve instead of handling quota errors.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/clock"
	"relaybot/internal/eventbus"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// Config holds the quota policy. Zero fields fall back to DefaultConfig.
type Config struct {
	Limit             int           // requests per window
	Window            time.Duration // quota window length
	Buffer            int           // requests held back; at or below this we wait for reset
	ResetGrace        time.Duration // extra wait past resetAt
	BatchSize         int           // requests per scheduler tick before a batch wait
	BatchInterval     time.Duration
	MinSpacing        time.Duration // minimum gap between two requests
	DefaultRetryAfter time.Duration // used when a throttled response has no hint
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

func DefaultConfig() Config {
	return Config{
		Limit:             180,
		Window:            15 * time.Minute,
		Buffer:            100,
		ResetGrace:        5 * time.Second,
		BatchSize:         5,
		BatchInterval:     60 * time.Second,
		MinSpacing:        10 * time.Second,
		DefaultRetryAfter: 900 * time.Second,
		BackoffBase:       10 * time.Second,
		BackoffMax:        300 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Limit <= 0 {
		c.Limit = d.Limit
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Buffer <= 0 || c.Buffer >= c.Limit {
		c.Buffer = min(d.Buffer, c.Limit-1)
	}
	if c.ResetGrace <= 0 {
		c.ResetGrace = d.ResetGrace
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = d.BatchInterval
	}
	if c.MinSpacing <= 0 {
		c.MinSpacing = d.MinSpacing
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = d.DefaultRetryAfter
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = max(d.BackoffMax, c.BackoffBase)
	}
	return c
}

// EventUpdated is published with a State after every change.
const EventUpdated = "ratelimit.updated"

// State is a point-in-time copy of the tracker.
type State struct {
	Remaining         int           `json:"remaining"`
	ResetAt           time.Time     `json:"reset_at"`
	Backoff           time.Duration `json:"backoff"`
	RequestsThisBatch int           `json:"requests_this_batch"`
	LastRequestAt     time.Time     `json:"last_request_at"`
}

// Persister stores tracker snapshots across restarts.
type Persister interface {
	SaveRateLimit(ctx context.Context, source string, row storage.RateLimitRow) error
	LoadRateLimit(ctx context.Context, source string) (storage.RateLimitRow, bool, error)
}

// Tracker gates calls to a quota-constrained upstream. It never returns a
// quota error: Reserve blocks until capacity exists or ctx ends.
type Tracker struct {
	mu  sync.Mutex
	cfg Config
	st  State

	clk    clock.Clock
	log    logx.Logger
	bus    eventbus.Bus
	store  Persister
	source string
}

type Option func(*Tracker)

func WithClock(c clock.Clock) Option { return func(t *Tracker) { t.clk = c } }
func WithLogger(l logx.Logger) Option { return func(t *Tracker) { t.log = l } }
func WithBus(b eventbus.Bus) Option { return func(t *Tracker) { t.bus = b } }
func WithPersister(p Persister, source string) Option {
	return func(t *Tracker) {
		t.store = p
		t.source = source
	}
}

func New(cfg Config, opts ...Option) *Tracker {
	cfg = cfg.withDefaults()
	t := &Tracker{
		cfg: cfg,
		st:  State{Remaining: cfg.Limit},
		clk: clock.Real{},
		log: logx.Nop(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	return t
}

// Restore loads a persisted snapshot. A snapshot whose window already
// ended is ignored.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	row, ok, err := t.store.LoadRateLimit(ctx, t.source)
	if err != nil || !ok {
		return err
	}
	now := t.clk.Now()
	if row.ResetAt.IsZero() || !row.ResetAt.After(now) {
		return nil
	}
	t.mu.Lock()
	t.st.Remaining = clamp(row.Remaining, 0, t.cfg.Limit)
	t.st.ResetAt = row.ResetAt
	t.st.Backoff = t.normalizeBackoff(row.Backoff)
	snap := t.st
	t.mu.Unlock()
	t.log.Info("rate limit state restored",
		logx.Int("remaining", snap.Remaining),
		logx.Time("reset_at", snap.ResetAt),
	)
	return nil
}

// Reserve blocks until one request may be issued and accounts for it.
// It returns false only when ctx is done (process shutdown).
func (t *Tracker) Reserve(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		wait, reason := t.tryReserve()
		if wait <= 0 {
			return true
		}
		t.log.Debug("rate limit wait", logx.String("reason", reason), logx.Duration("wait", wait))
		if err := t.clk.Sleep(ctx, wait); err != nil {
			return false
		}
	}
}

// tryReserve performs one pass of the wait algorithm. A positive duration
// means the caller must sleep and try again; zero means a request was
// reserved.
func (t *Tracker) tryReserve() (time.Duration, string) {
	t.mu.Lock()
	now := t.clk.Now()
	changed := t.refreshLocked(now)

	if t.st.Remaining <= t.cfg.Buffer {
		if t.st.ResetAt.IsZero() {
			t.st.ResetAt = now.Add(t.cfg.Window)
			changed = true
		}
		if t.st.ResetAt.Sub(now) <= t.cfg.BackoffMax {
			wait := t.st.ResetAt.Add(t.cfg.ResetGrace).Sub(now)
			t.mu.Unlock()
			t.afterMutation(changed)
			return wait, "awaiting_reset"
		}
		t.st.Backoff = t.nextBackoff(t.st.Backoff)
		wait := t.st.Backoff
		t.mu.Unlock()
		t.afterMutation(true)
		return wait, "backoff"
	}

	if t.st.RequestsThisBatch >= t.cfg.BatchSize {
		// The batch interval counts as elapsed once the caller sleeps it.
		t.st.RequestsThisBatch = 0
		t.mu.Unlock()
		t.afterMutation(changed)
		return t.cfg.BatchInterval, "batch_cap"
	}

	if !t.st.LastRequestAt.IsZero() {
		if d := t.st.LastRequestAt.Add(t.cfg.MinSpacing).Sub(now); d > 0 {
			t.mu.Unlock()
			t.afterMutation(changed)
			return d, "spacing"
		}
	}

	if t.st.Remaining > 0 {
		t.st.Remaining--
	}
	// Without quota headers the local count still needs a window to refill.
	if t.st.ResetAt.IsZero() {
		t.st.ResetAt = now.Add(t.cfg.Window)
	}
	t.st.RequestsThisBatch++
	t.st.LastRequestAt = now
	t.mu.Unlock()
	t.afterMutation(true)
	return 0, ""
}

// refreshLocked restores the window once resetAt has passed.
func (t *Tracker) refreshLocked(now time.Time) bool {
	if t.st.ResetAt.IsZero() || now.Before(t.st.ResetAt) {
		return false
	}
	t.st.Remaining = t.cfg.Limit
	t.st.ResetAt = time.Time{}
	t.st.Backoff = 0
	return true
}

// RecordResponse updates the tracker from upstream quota headers. A zero
// reset epoch means the header was absent; the current reset time is kept,
// or one window from now is assumed.
func (t *Tracker) RecordResponse(remaining int, resetEpochSeconds int64) {
	t.mu.Lock()
	now := t.clk.Now()
	t.st.Remaining = clamp(remaining, 0, t.cfg.Limit)
	switch {
	case resetEpochSeconds > 0:
		t.st.ResetAt = time.Unix(resetEpochSeconds, 0)
	case t.st.ResetAt.IsZero():
		t.st.ResetAt = now.Add(t.cfg.Window)
	}
	t.refreshLocked(now)
	t.mu.Unlock()
	t.afterMutation(true)
}

// RecordThrottled handles a 429: quota is treated as exhausted until the
// upstream's retry hint elapses.
func (t *Tracker) RecordThrottled(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = t.cfg.DefaultRetryAfter
	}
	t.mu.Lock()
	t.st.Remaining = 0
	t.st.ResetAt = t.clk.Now().Add(retryAfter)
	t.mu.Unlock()
	t.log.Warn("upstream throttled", logx.Duration("retry_after", retryAfter))
	t.afterMutation(true)
}

// BeginBatch resets the per-tick request counter. Called by the scheduler
// at the start of every pass.
func (t *Tracker) BeginBatch() {
	t.mu.Lock()
	t.st.RequestsThisBatch = 0
	t.mu.Unlock()
}

// CanProceed is the scheduler's non-blocking pre-check. When it returns
// false, resetAt is when quota comes back.
func (t *Tracker) CanProceed(now time.Time) (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.st.ResetAt.IsZero() && !now.Before(t.st.ResetAt) {
		return true, time.Time{}
	}
	if t.st.Remaining <= t.cfg.Buffer && !t.st.ResetAt.IsZero() {
		return false, t.st.ResetAt
	}
	return true, time.Time{}
}

func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st
}

func (t *Tracker) Config() Config { return t.cfg }

func (t *Tracker) nextBackoff(cur time.Duration) time.Duration {
	if cur <= 0 {
		return t.cfg.BackoffBase
	}
	return min(cur*2, t.cfg.BackoffMax)
}

func (t *Tracker) normalizeBackoff(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	b := t.cfg.BackoffBase
	for b < d && b < t.cfg.BackoffMax {
		b = min(b*2, t.cfg.BackoffMax)
	}
	return b
}

func (t *Tracker) afterMutation(changed bool) {
	if !changed {
		return
	}
	snap := t.Snapshot()
	if t.bus != nil {
		t.bus.Publish(eventbus.Event{Type: EventUpdated, Data: snap})
	}
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := t.store.SaveRateLimit(ctx, t.source, storage.RateLimitRow{
		Remaining: snap.Remaining,
		ResetAt:   snap.ResetAt,
		Backoff:   snap.Backoff,
		UpdatedAt: t.clk.Now(),
	})
	if err != nil {
		t.log.Debug("rate limit persist failed", logx.Err(err))
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
