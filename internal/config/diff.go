package config

import (
	"reflect"
	"sort"
	"strings"

	logx "relaybot/pkg/logx"
)

// liveSections are applied without a restart.
var liveSections = map[string]bool{"logging": true, "notifier": true}

// Change summarizes the difference between two configs. Attrs never carry
// secrets.
type Change struct {
	Sections []string
	Attrs    []logx.Field
	// Restart lists changed sections that only take effect on restart.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(section string, attrs ...logx.Field) {
		c.Sections = append(c.Sections, section)
		c.Attrs = append(c.Attrs, attrs...)
		if !liveSections[section] {
			c.Restart = append(c.Restart, section)
		}
	}
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if oldCfg.Discord != newCfg.Discord {
		mark("discord",
			logx.Bool("discord.token_set", set(newCfg.Discord.Token)),
			logx.String("discord.guild_id", newCfg.Discord.GuildID),
		)
	}
	if oldCfg.Twitter != newCfg.Twitter {
		mark("twitter",
			logx.Bool("twitter.token_set", set(newCfg.Twitter.BearerToken)),
			logx.Bool("twitter.persist_rate_limit", newCfg.Twitter.PersistRateLimit),
		)
	}
	if oldCfg.YouTube != newCfg.YouTube {
		mark("youtube", logx.Bool("youtube.api_key_set", set(newCfg.YouTube.APIKey)))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.String("scheduler.spec", newCfg.Scheduler.Spec),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if oldCfg.Router != newCfg.Router {
		mark("router", logx.Int("router.workers", newCfg.Router.Workers))
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
		)
	}

	if nl := newCfg.Logging; oldCfg.Logging != nl {
		mark("logging",
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
			logx.Bool("logging.telegram_enabled", nl.Telegram.Enabled),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		mark("debug",
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", set(newCfg.Debug.Token)),
		)
	}

	on, nn := notifierOrDefault(oldCfg.Notifier), notifierOrDefault(newCfg.Notifier)
	if !reflect.DeepEqual(on, nn) {
		mark("notifier",
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.String("notifier.dedup_window", nn.DedupWindow),
		)
	}

	sort.Strings(c.Sections)
	sort.Strings(c.Restart)
	return c
}

func notifierOrDefault(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return DefaultNotifier()
	}
	return *n
}
