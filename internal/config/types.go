package config

// Config is the on-disk configuration. Secrets may be left empty in the file
// and supplied through the environment (see ApplyEnv).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Twitter   TwitterConfig   `json:"twitter"`
	YouTube   YouTubeConfig   `json:"youtube"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Router    RouterConfig    `json:"router,omitempty"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Debug     DebugConfig     `json:"debug,omitempty"`

	// Notifier may be omitted; it then defaults to enabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

// Defaults is the starting point every file is decoded over.
func Defaults() Config {
	return Config{Twitter: TwitterConfig{PersistRateLimit: true}}
}

type DiscordConfig struct {
	Token string `json:"token,omitempty"`
	AppID string `json:"app_id,omitempty"`
	// GuildID registers commands on one guild only (instant updates during
	// development). Empty registers them globally.
	GuildID string `json:"guild_id,omitempty"`
}

type TwitterConfig struct {
	BearerToken string `json:"bearer_token,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
	MaxResults  int    `json:"max_results,omitempty"`
	Timeout     string `json:"timeout,omitempty"`

	// PersistRateLimit restores the quota tracker across restarts. Defaults
	// to true when the config comes from Parse.
	PersistRateLimit bool `json:"persist_rate_limit"`
	// Quota overrides; zero keeps the documented API limits.
	QuotaLimit  int    `json:"quota_limit,omitempty"`
	QuotaBuffer int    `json:"quota_buffer,omitempty"`
	MinSpacing  string `json:"min_spacing,omitempty"`
}

type YouTubeConfig struct {
	APIKey     string `json:"api_key,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	MaxResults int64  `json:"max_results,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`
	RetryCap   string `json:"retry_cap,omitempty"`
}

// SchedulerConfig controls the polling grid.
//
// Spec is a five-field cron expression; the default fires at :00, :15, :30
// and :45. Timezone is an IANA name ("" means the host zone).
type SchedulerConfig struct {
	Spec            string `json:"spec,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	SkipAheadBuffer string `json:"skip_ahead_buffer,omitempty"`
	RetryDelay      string `json:"retry_delay,omitempty"`
}

// NotifierConfig controls the delivery pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "24h",
		DedupMaxEntries: 5000,
		PersistDedup:    true,
	}
}

type RouterConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	AckDeadline    string `json:"ack_deadline,omitempty"`
	ReplyTimeout   string `json:"reply_timeout,omitempty"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./relaybot.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings and errors into an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// DebugConfig controls the operator HTTP server (/healthz, /metrics,
// /debug/pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - A non-loopback address needs a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile (30s+) works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
