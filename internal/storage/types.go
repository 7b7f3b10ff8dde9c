package storage

import (
	"context"
	"errors"
	"time"

	"relaybot/internal/relay"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc, pure Go)
//   - "postgres": PostgreSQL via lib/pq, DSN required
type Config struct {
	Driver       string
	Path         string // sqlite file path
	DSN          string // postgres connection string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// Destination is the per-guild delivery configuration. An empty channel id
// means the source is not configured for that guild.
type Destination struct {
	GuildID          string
	TwitterChannelID string
	YoutubeChannelID string
	UpdatedAt        time.Time
}

// ChannelFor returns the destination channel for a source.
func (d Destination) ChannelFor(src relay.Source) string {
	switch src {
	case relay.SourceTwitter:
		return d.TwitterChannelID
	case relay.SourceYouTube:
		return d.YoutubeChannelID
	default:
		return ""
	}
}

// RateLimitRow is the persisted form of a quota tracker snapshot.
type RateLimitRow struct {
	Remaining int
	ResetAt   time.Time
	Backoff   time.Duration
	UpdatedAt time.Time
}

// Store is the persistence API shared by every component. One handle is
// opened at startup and injected everywhere.
type Store interface {
	// AddTwitterAccount reports false when the handle is already tracked.
	AddTwitterAccount(ctx context.Context, handle string) (bool, error)
	RemoveTwitterAccount(ctx context.Context, handle string) (bool, error)
	ListTwitterAccounts(ctx context.Context) ([]relay.TwitterAccount, error)
	SetTwitterCursor(ctx context.Context, handle, lastID string) error

	AddYoutubeChannel(ctx context.Context, ch relay.YoutubeChannel) (bool, error)
	RemoveYoutubeChannel(ctx context.Context, channelID string) (bool, error)
	ListYoutubeChannels(ctx context.Context) ([]relay.YoutubeChannel, error)
	SetYoutubeCursor(ctx context.Context, channelID, lastID string) error

	UpsertDestination(ctx context.Context, d Destination) error
	GetDestination(ctx context.Context, guildID string) (Destination, error)
	ListDestinations(ctx context.Context) ([]Destination, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	SaveRateLimit(ctx context.Context, source string, row RateLimitRow) error
	LoadRateLimit(ctx context.Context, source string) (RateLimitRow, bool, error)

	Ping(ctx context.Context) error
	Close() error
}
