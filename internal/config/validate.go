package config

import (
	"errors"
	"fmt"
	"strings"

	"relaybot/internal/task/scheduler"
)

// Validate reports every problem at once. Missing credentials are errors:
// the bot cannot start without them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	req := func(path, v string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", path))
		}
	}
	dur := func(path, v string) {
		if _, err := ParseDuration(path, v, 0); err != nil {
			errs = append(errs, err)
		}
	}

	req("discord.token", cfg.Discord.Token)
	req("twitter.bearer_token", cfg.Twitter.BearerToken)
	req("youtube.api_key", cfg.YouTube.APIKey)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	case "postgres":
		req("storage.dsn", cfg.Storage.DSN)
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q (sqlite, postgres)", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	loc, err := scheduler.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	} else if _, err := scheduler.NewGrid(orDefault(cfg.Scheduler.Spec, scheduler.DefaultSpec), loc); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.spec: %w", err))
	}
	dur("scheduler.skip_ahead_buffer", cfg.Scheduler.SkipAheadBuffer)
	dur("scheduler.retry_delay", cfg.Scheduler.RetryDelay)

	dur("twitter.timeout", cfg.Twitter.Timeout)
	dur("twitter.min_spacing", cfg.Twitter.MinSpacing)
	if cfg.Twitter.MaxResults != 0 && (cfg.Twitter.MaxResults < 10 || cfg.Twitter.MaxResults > 100) {
		errs = append(errs, fmt.Errorf("twitter.max_results: must be within 10..100"))
	}
	if cfg.Twitter.QuotaLimit != 0 && cfg.Twitter.QuotaBuffer >= cfg.Twitter.QuotaLimit {
		errs = append(errs, fmt.Errorf("twitter.quota_buffer: must be below quota_limit"))
	}

	dur("youtube.timeout", cfg.YouTube.Timeout)
	dur("youtube.retry_base", cfg.YouTube.RetryBase)
	dur("youtube.retry_cap", cfg.YouTube.RetryCap)

	dur("router.ack_deadline", cfg.Router.AckDeadline)
	dur("router.reply_timeout", cfg.Router.ReplyTimeout)
	dur("router.handler_timeout", cfg.Router.HandlerTimeout)

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	dur("debug.read_timeout", cfg.Debug.ReadTimeout)
	dur("debug.write_timeout", cfg.Debug.WriteTimeout)
	dur("debug.idle_timeout", cfg.Debug.IdleTimeout)

	if t := cfg.Logging.Telegram; t.Enabled {
		req("logging.telegram.token", t.Token)
		if t.ChatID == 0 {
			errs = append(errs, errors.New("logging.telegram.chat_id is required"))
		}
	}
	return errors.Join(errs...)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
