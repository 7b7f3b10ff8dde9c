package app

import (
	"errors"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/notifier"
	"relaybot/internal/observability/debug"
	"relaybot/internal/ratelimit"
	"relaybot/internal/source/twitter"
	"relaybot/internal/source/youtube"
	"relaybot/internal/storage"
	"relaybot/internal/task/scheduler"
	"relaybot/internal/transport/discord/adapter"
	"relaybot/internal/transport/discord/router"
	logx "relaybot/pkg/logx"
)

// durations collects parse errors so one mapping reports them all.
type durations struct{ errs []error }

func (d *durations) get(path, raw string, def time.Duration) time.Duration {
	v, err := config.ParseDuration(path, raw, def)
	if err != nil {
		d.errs = append(d.errs, err)
	}
	return v
}

func (d *durations) err() error { return errors.Join(d.errs...) }

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			Token:      l.Telegram.Token,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// StorageConfig maps the storage section, defaulting to a local sqlite file.
func StorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if driver == "sqlite" && path == "" {
		path = "./relaybot.db"
	}
	var d durations
	busy := d.get("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	return storage.Config{
		Driver:       driver,
		Path:         path,
		DSN:          sc.DSN,
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, d.err()
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	var d durations
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       d.get("notifier.retry_base", n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay:   d.get("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second),
		DedupWindow:     d.get("notifier.dedup_window", n.DedupWindow, 24*time.Hour),
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	return out, d.err()
}

func mapTracker(cfg *config.Config) (ratelimit.Config, error) {
	t := cfg.Twitter
	rc := ratelimit.DefaultConfig()
	if t.QuotaLimit > 0 {
		rc.Limit = t.QuotaLimit
	}
	if t.QuotaBuffer > 0 {
		rc.Buffer = t.QuotaBuffer
	}
	var d durations
	rc.MinSpacing = d.get("twitter.min_spacing", t.MinSpacing, rc.MinSpacing)
	return rc, d.err()
}

func mapTwitter(cfg *config.Config) (twitter.ClientConfig, error) {
	t := cfg.Twitter
	var d durations
	return twitter.ClientConfig{
		BaseURL:     t.BaseURL,
		BearerToken: t.BearerToken,
		MaxResults:  t.MaxResults,
		Timeout:     d.get("twitter.timeout", t.Timeout, 15*time.Second),
	}, d.err()
}

func mapYoutube(cfg *config.Config) (youtube.ClientConfig, error) {
	y := cfg.YouTube
	var d durations
	return youtube.ClientConfig{
		APIKey:     y.APIKey,
		Endpoint:   y.Endpoint,
		MaxResults: y.MaxResults,
		Timeout:    d.get("youtube.timeout", y.Timeout, 15*time.Second),
		RetryMax:   y.RetryMax,
		RetryBase:  d.get("youtube.retry_base", y.RetryBase, 0),
		RetryCap:   d.get("youtube.retry_cap", y.RetryCap, 0),
	}, d.err()
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	var d durations
	return scheduler.Config{
		Spec:            strings.TrimSpace(s.Spec),
		Timezone:        strings.TrimSpace(s.Timezone),
		SkipAheadBuffer: d.get("scheduler.skip_ahead_buffer", s.SkipAheadBuffer, 0),
		RetryDelay:      d.get("scheduler.retry_delay", s.RetryDelay, 0),
	}, d.err()
}

func mapRouter(cfg *config.Config) (router.Config, error) {
	r := cfg.Router
	var d durations
	return router.Config{
		Workers:        r.Workers,
		QueueSize:      r.QueueSize,
		AckDeadline:    d.get("router.ack_deadline", r.AckDeadline, 0),
		ReplyTimeout:   d.get("router.reply_timeout", r.ReplyTimeout, 0),
		HandlerTimeout: d.get("router.handler_timeout", r.HandlerTimeout, 0),
	}, d.err()
}

func mapAdapter(cfg *config.Config) adapter.Config {
	return adapter.Config{Token: cfg.Discord.Token, AppID: cfg.Discord.AppID, GuildID: cfg.Discord.GuildID}
}

func mapDebug(cfg *config.Config) (debug.Config, error) {
	g := cfg.Debug
	var d durations
	return debug.Config{
		Enabled:       g.Enabled,
		Addr:          g.Addr,
		Token:         g.Token,
		AllowInsecure: g.AllowInsecure,
		ReadTimeout:   d.get("debug.read_timeout", g.ReadTimeout, 10*time.Second),
		WriteTimeout:  d.get("debug.write_timeout", g.WriteTimeout, 0),
		IdleTimeout:   d.get("debug.idle_timeout", g.IdleTimeout, 60*time.Second),
	}, d.err()
}
