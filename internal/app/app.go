package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/notifier"
	"relaybot/internal/observability/debug"
	"relaybot/internal/observability/metrics"
	"relaybot/internal/ratelimit"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/render"
	"relaybot/internal/source/twitter"
	"relaybot/internal/source/youtube"
	"relaybot/internal/storage"
	"relaybot/internal/task/scheduler"
	kit "relaybot/internal/transport"
	"relaybot/internal/transport/discord/adapter"
	"relaybot/internal/transport/discord/router"
	logx "relaybot/pkg/logx"
	"relaybot/pkg/systemd"
)

// App owns every long-lived component and their start/stop order.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	tracker *ratelimit.Tracker
	adapter *adapter.Adapter
	router  *router.Router
	notif   *notifier.Service
	sched   *scheduler.Service
	metrics *metrics.Metrics
	debug   *debug.Server

	interactions chan *kit.Interaction
}

// New builds the object graph from a loaded manager. Nothing talks to the
// network except the storage ping and the rate limit restore.
func New(ctx context.Context, cfgm *config.Manager) (*App, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		return nil, errors.New("app: config not loaded")
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log)
	appLog := log.With(logx.Comp("app"))

	bus := eventbus.New()

	sc, err := StorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.Comp("storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	appLog.Info("storage ready", logx.String("driver", sc.Driver))

	// From here on a failure must release the store.
	a, err := build(ctx, cfg, log, bus, store)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm, a.logs, a.log = cfgm, logSvc, appLog
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, log logx.Logger, bus *eventbus.MemBus, store storage.Store) (*App, error) {
	rc, err := mapTracker(cfg)
	if err != nil {
		return nil, err
	}
	trackerOpts := []ratelimit.Option{
		ratelimit.WithLogger(log.With(logx.Comp("ratelimit"))),
		ratelimit.WithBus(bus),
	}
	if cfg.Twitter.PersistRateLimit {
		trackerOpts = append(trackerOpts, ratelimit.WithPersister(store, "twitter"))
	}
	tracker := ratelimit.New(rc, trackerOpts...)
	if cfg.Twitter.PersistRateLimit {
		if err := tracker.Restore(ctx); err != nil {
			log.Warn("rate limit restore failed; starting fresh", logx.Err(err))
		}
	}

	ad, err := adapter.New(mapAdapter(cfg), log)
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifier(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log, bus, store)

	twc, err := mapTwitter(cfg)
	if err != nil {
		return nil, err
	}
	twPoller := twitter.NewPoller(twitter.NewClient(twc), tracker, store, notif, log, bus)

	ytc, err := mapYoutube(cfg)
	if err != nil {
		return nil, err
	}
	ytClient, err := youtube.NewClient(ctx, ytc)
	if err != nil {
		return nil, fmt.Errorf("youtube: %w", err)
	}
	ytPoller := youtube.NewPoller(ytClient, store, notif, log, youtube.WithBus(bus))

	scfg, err := mapScheduler(cfg)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(scfg, tracker, store, twPoller, ytPoller,
		scheduler.WithBus(bus),
		scheduler.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	a := &App{
		bus:          bus,
		store:        store,
		tracker:      tracker,
		adapter:      ad,
		notif:        notif,
		sched:        sched,
		metrics:      metrics.New(),
		interactions: make(chan *kit.Interaction, 256),
	}

	rcfg, err := mapRouter(cfg)
	if err != nil {
		return nil, err
	}
	a.router = router.New(rcfg, ad, store, ytClient, a.status, log)

	dcfg, err := mapDebug(cfg)
	if err != nil {
		return nil, err
	}
	a.debug = debug.New(dcfg, a.metrics.Registry, a.health, log)
	return a, nil
}

// status feeds the /status command.
func (a *App) status() render.StatusView {
	ss := a.sched.Snapshot()
	qs := a.tracker.Snapshot()
	v := render.StatusView{
		SchedulerState: string(ss.State),
		NextTick:       ss.NextTick,
		QuotaRemaining: qs.Remaining,
		QuotaLimit:     a.tracker.Config().Limit,
		QuotaResetAt:   qs.ResetAt,
		Backoff:        qs.Backoff,
	}
	if lp := ss.LastPass; lp != nil {
		v.LastPassAt = lp.StartedAt
		v.LastPassItems = lp.Items
		v.LastPassErr = lp.Err
	}
	return v
}

func (a *App) health(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if a.sup != nil && a.sup.Context().Err() != nil {
		return errors.New("shutting down")
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	if err := a.adapter.Start(c, a.interactions); err != nil {
		return err
	}
	if err := a.adapter.RegisterCommands(c, router.Commands()); err != nil {
		return fmt.Errorf("register commands: %w", err)
	}

	if a.notif.Enabled() {
		a.notif.Start(c)
	}

	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })
	a.sup.Go("router", func(c context.Context) error { return a.router.Run(c, a.interactions) })
	a.sup.Go("scheduler", a.sched.Run)

	if err := a.debug.Start(c); err != nil {
		return err
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.RunWatchdog(c, func() bool { return a.sched.Snapshot().State != scheduler.StateStopped })
	})

	a.log.Info("app started",
		logx.Int("commands", len(router.Commands())),
		logx.String("timezone", a.sched.Snapshot().Timezone),
	)
	return nil
}

// reloadLoop applies the sections that can change live and reports the rest.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(c context.Context, oldCfg, newCfg *config.Config) {
	change := config.SummarizeChange(oldCfg, newCfg)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Debug("config change summary", fields...)
	if len(change.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(change.Restart, ",")))
	}

	a.logs.Apply(mapLogging(newCfg))

	ncfg, err := mapNotifier(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			// respect the caller's deadline; never extend it
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; no time left", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Intake first so nothing new is queued, then drain deliveries.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
