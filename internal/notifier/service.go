package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/eventbus"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Store is the slice of storage the notifier needs.
type Store interface {
	ListDestinations(ctx context.Context) ([]storage.Destination, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

// Sender is the slice of the chat adapter the notifier needs.
type Sender interface {
	Send(ctx context.Context, channelID string, msg kit.OutboundMessage) (string, error)
	BotPermissions(ctx context.Context, channelID string) (int64, error)
}

type job struct {
	d   Delivery
	key string
}

// Service is the delivery queue: workers, rate limit, retry and dedup.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	store  Store
	now    func() time.Time

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

type dedupWrite struct {
	key   string
	until time.Time
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.Comp("notifier")),
		bus:    bus,
		store:  store,
		now:    time.Now,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps in a new config. Worker count and queue size take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// burst = rate so a pass's handful of items goes out without stalling
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup, q, pch := s.sup, s.queue, s.persistCh
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch)
			return s.exitReason(c, "dedup persist loop")
		})
	}
	for i := range workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitReason(c, "notifier worker")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("started", logx.Int("workers", workers), logx.Int("queue", cap(q)))
}

// exitReason tells the supervisor whether a loop exit is a shutdown or a
// fault worth restarting.
func (s *Service) exitReason(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return fmt.Errorf("%s exited unexpectedly", what)
}

// Stop refuses new deliveries and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		_ = sup.Wait(context.Background())
		sup.Cancel()

		s.mu.Lock()
		s.queue, s.persistCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("drain deadline reached, abandoning queued deliveries", logx.Int("pending", len(q)))
		sup.Cancel()
	}
}

// Enqueue queues one delivery. A duplicate inside the dedup window is
// dropped silently and reported as success.
func (s *Service) Enqueue(ctx context.Context, d Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(d)
	var until time.Time
	if cfg.DedupWindow > 0 && key != "" {
		var ok bool
		if until, ok = s.dedupAllow(ctx, key, cfg.DedupWindow, cfg.DedupMaxEntries, cfg.PersistDedup); !ok {
			s.publish(EventDeduped, d, 0, nil)
			return nil
		}
	}

	select {
	case q <- job{d: d, key: key}:
	default:
		// Unmark so a re-dispatch of the same item is not taken for a
		// duplicate. Nothing was persisted for it.
		if !until.IsZero() {
			s.dmu.Lock()
			delete(s.dedup, key)
			s.dmu.Unlock()
		}
		s.publish(EventDropped, d, 0, ErrQueueFull)
		return ErrQueueFull
	}
	if !until.IsZero() && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	s.publish(EventQueued, d, 0, nil)
	return nil
}

// Snapshot returns recent successful deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(d Delivery) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.now(), ChannelID: d.ChannelID, Source: d.Source, ItemID: d.ItemID})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, d Delivery, attempts int, err error) {
	if s.bus == nil {
		return
	}
	now := s.now()
	ev := DeliveryEvent{GuildID: d.GuildID, ChannelID: d.ChannelID, Source: d.Source, ItemID: d.ItemID, At: now, Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, time.Second)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(runCtx); err != nil {
			return
		}
		attempts = attempt
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		_, err := s.sender.Send(callCtx, j.d.ChannelID, j.d.Message)
		cancel()
		if err == nil {
			s.appendHistory(j.d)
			s.publish(EventSent, j.d, attempt, nil)
			return
		}
		lastErr = err
		s.log.Debug("send failed",
			logx.String("channel", j.d.ChannelID),
			logx.String("item", j.d.ItemID),
			logx.Int("attempt", attempt),
			logx.Err(err),
		)
		if errors.Is(err, kit.ErrPermanent) || attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	s.log.Warn("delivery failed",
		logx.String("guild", j.d.GuildID),
		logx.String("channel", j.d.ChannelID),
		logx.String("source", string(j.d.Source)),
		logx.String("item", j.d.ItemID),
		logx.Int("attempts", attempts),
		logx.Err(lastErr),
	)
	s.publish(EventFailed, j.d, attempts, lastErr)
}

func dedupKey(d Delivery) string {
	if d.ChannelID == "" || d.ItemID == "" {
		return ""
	}
	return d.ChannelID + ":" + string(d.Source) + ":" + d.ItemID
}

// dedupAllow marks key for window and returns the mark's expiry, or false
// when key is already marked in memory or in the store.
func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, maxEntries int, persist bool) (time.Time, bool) {
	now := s.now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return time.Time{}, false
	}
	s.dmu.Unlock()

	// Persisted windows carry across restarts.
	if persist && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return time.Time{}, false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			oldest string
			minT   time.Time
		)
		for k, u := range s.dedup {
			if oldest == "" || u.Before(minT) {
				oldest, minT = k, u
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()
	return until, true
}

// retryDelay is the pause before attempt+1: base doubled per attempt, capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
