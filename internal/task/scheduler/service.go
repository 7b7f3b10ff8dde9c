package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/clock"
	"relaybot/internal/eventbus"
	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

type Service struct {
	cfg     Config
	grid    *Grid
	clk     clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
	gate    Gate
	store   EntityStore
	twitter TwitterPoller
	youtube YoutubePoller

	mu         sync.Mutex
	state      State
	nextTick   time.Time
	nextReason string
	lastPass   *PassStats
	passes     uint64
	failures   uint64
	skips      uint64
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clk = c } }
func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }
func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = l } }

func New(cfg Config, gate Gate, store EntityStore, tw TwitterPoller, yt YoutubePoller, opts ...Option) (*Service, error) {
	cfg = cfg.withDefaults()
	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone: %w", err)
	}
	grid, err := NewGrid(cfg.Spec, loc)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:     cfg,
		grid:    grid,
		clk:     clock.Real{},
		gate:    gate,
		store:   store,
		twitter: tw,
		youtube: yt,
		state:   StateStopped,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.Comp("scheduler"))
	return s, nil
}

// NextTick is the next viable tick after now. When the gate denies a pass,
// it is the first grid line at or after the quota reset plus the skip-ahead
// buffer, and skipped reports true.
func (s *Service) NextTick(now time.Time) (next time.Time, skipped bool, resetAt time.Time) {
	next = s.grid.Next(now)
	ok, resetAt := s.gate.CanProceed(now)
	if ok || resetAt.IsZero() {
		return next, false, time.Time{}
	}
	if ahead := s.grid.AtOrAfter(resetAt.Add(s.cfg.SkipAheadBuffer)); ahead.After(next) {
		next = ahead
	}
	return next, true, resetAt
}

// Run drives passes until ctx is cancelled. It returns nil on shutdown.
func (s *Service) Run(ctx context.Context) error {
	now := s.clk.Now()
	s.log.Info("started",
		logx.String("grid", s.cfg.Spec),
		logx.String("tz", s.grid.Location().String()),
		logx.String("upcoming", s.grid.Preview(now, 3)),
	)
	defer s.setState(StateStopped)

	next, reason := s.plan(now)
	for {
		s.arm(next, reason)
		if err := s.clk.Sleep(ctx, next.Sub(s.clk.Now())); err != nil {
			return nil
		}

		now = s.clk.Now()
		if ok, _ := s.gate.CanProceed(now); !ok {
			// Quota got consumed since arming; jump forward again.
			next, reason = s.plan(now)
			continue
		}

		if err := s.runPass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			next, reason = s.clk.Now().Add(s.cfg.RetryDelay), "retry"
			s.log.Warn("pass failed, retrying", logx.Duration("in", s.cfg.RetryDelay), logx.Err(err))
			continue
		}
		next, reason = s.plan(s.clk.Now())
	}
}

func (s *Service) plan(now time.Time) (time.Time, string) {
	next, skipped, resetAt := s.NextTick(now)
	if !skipped {
		return next, "grid"
	}
	s.mu.Lock()
	s.skips++
	s.mu.Unlock()
	s.log.Info("quota exhausted, skipping ahead",
		logx.Time("reset_at", resetAt),
		logx.Time("next", next),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventSkip, Time: now, Data: SkipEvent{ResetAt: resetAt, Next: next}})
	}
	return next, "skip_ahead"
}

func (s *Service) arm(next time.Time, reason string) {
	s.mu.Lock()
	s.state = StateIdle
	s.nextTick = next
	s.nextReason = reason
	s.mu.Unlock()
	s.log.Debug("armed", logx.Time("next", next), logx.String("reason", reason))
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	if st == StateStopped {
		s.nextTick = time.Time{}
		s.nextReason = ""
	}
	s.mu.Unlock()
}

// runPass polls both sources in order. Panics are recovered into errors.
func (s *Service) runPass(ctx context.Context) (err error) {
	stats := PassStats{ID: uuid.NewString(), StartedAt: s.clk.Now()}
	log := s.log.With(logx.String("pass", stats.ID))
	s.setState(StateRunning)

	defer func() {
		if r := recover(); r != nil {
			log.Error("pass panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("pass panic: %v", r)
		}
		stats.Duration = s.clk.Now().Sub(stats.StartedAt)
		// shutdown mid-pass is not a failure
		if err != nil && ctx.Err() == nil {
			stats.Err = err.Error()
		}
		s.finish(stats)
	}()

	s.gate.BeginBatch()
	log.Info("pass started")

	accounts, err := s.store.ListTwitterAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list twitter accounts: %w", err)
	}
	stats.tally(s.twitter.PollAll(ctx, accounts))
	if err := ctx.Err(); err != nil {
		return err
	}

	channels, err := s.store.ListYoutubeChannels(ctx)
	if err != nil {
		return fmt.Errorf("list youtube channels: %w", err)
	}
	stats.tally(s.youtube.PollAll(ctx, channels))
	if err := ctx.Err(); err != nil {
		return err
	}

	log.Info("pass finished",
		logx.Int("accounts", len(accounts)),
		logx.Int("channels", len(channels)),
		logx.Int("items", stats.Items),
		logx.Duration("took", s.clk.Now().Sub(stats.StartedAt)),
	)
	return nil
}

// tally folds poll results into the pass counters.
func (stats *PassStats) tally(results []relay.PollResult) {
	for _, r := range results {
		switch r.Entity.(type) {
		case relay.TwitterAccount:
			stats.TwitterHit++
		case relay.YoutubeChannel:
			stats.YoutubeHit++
		default:
			panic(fmt.Sprintf("scheduler: poll result for unknown entity %T", r.Entity))
		}
		stats.Items += len(r.Items)
		stats.Updated = append(stats.Updated, string(r.Entity.Source())+":"+r.Entity.Key())
	}
}

func (s *Service) finish(stats PassStats) {
	s.mu.Lock()
	s.lastPass = &stats
	s.passes++
	if stats.Err != "" {
		s.failures++
	}
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventPass, Time: stats.StartedAt.Add(stats.Duration), Data: stats})
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:      s.state,
		Timezone:   s.grid.Location().String(),
		NextTick:   s.nextTick,
		NextReason: s.nextReason,
		Passes:     s.passes,
		Failures:   s.failures,
		Skips:      s.skips,
	}
	if s.lastPass != nil {
		lp := *s.lastPass
		snap.LastPass = &lp
	}
	return snap
}
