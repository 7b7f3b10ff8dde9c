package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads KEY=value files into the process environment. Variables
// already set win; missing files are skipped. It returns the files read.
func LoadEnvFiles(files ...string) ([]string, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	loaded := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return loaded, err
		}
		loaded = append(loaded, f)
	}
	return loaded, nil
}

// ApplyEnv overlays environment variables onto cfg. Non-empty variables
// replace file values.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	str("DISCORD_TOKEN", &cfg.Discord.Token)
	str("DISCORD_APP_ID", &cfg.Discord.AppID)
	str("DISCORD_GUILD_ID", &cfg.Discord.GuildID)
	str("TWITTER_BEARER_TOKEN", &cfg.Twitter.BearerToken)
	str("YOUTUBE_API_KEY", &cfg.YouTube.APIKey)
	str("STORAGE_DRIVER", &cfg.Storage.Driver)
	str("STORAGE_PATH", &cfg.Storage.Path)
	str("STORAGE_DSN", &cfg.Storage.DSN)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("SCHEDULER_TIMEZONE", &cfg.Scheduler.Timezone)
	str("DEBUG_TOKEN", &cfg.Debug.Token)
	str("LOG_TELEGRAM_TOKEN", &cfg.Logging.Telegram.Token)
	if v := strings.TrimSpace(getenv("LOG_TELEGRAM_CHAT_ID")); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Logging.Telegram.ChatID = id
		}
	}
}
