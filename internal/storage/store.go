package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
	now     func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, dialect: d, log: log, now: time.Now, pruneEvery: 500}
}

func (s *sqlStore) q(query string) string { return rebind(s.dialect, query) }

func (s *sqlStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- twitter accounts ----

func (s *sqlStore) AddTwitterAccount(ctx context.Context, handle string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO twitter_accounts(handle, last_tweet_id, created_at) VALUES(?, '', ?)
		 ON CONFLICT(handle) DO NOTHING`),
		handle, s.now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("add twitter account: %w", err)
	}
	return affected(res)
}

func (s *sqlStore) RemoveTwitterAccount(ctx context.Context, handle string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM twitter_accounts WHERE handle = ?`), handle)
	if err != nil {
		return false, fmt.Errorf("remove twitter account: %w", err)
	}
	return affected(res)
}

func (s *sqlStore) ListTwitterAccounts(ctx context.Context) ([]relay.TwitterAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT handle, last_tweet_id, created_at FROM twitter_accounts ORDER BY created_at, handle`)
	if err != nil {
		return nil, fmt.Errorf("list twitter accounts: %w", err)
	}
	defer rows.Close()

	var out []relay.TwitterAccount
	for rows.Next() {
		var (
			a  relay.TwitterAccount
			ms int64
		)
		if err := rows.Scan(&a.Handle, &a.LastItemID, &ms); err != nil {
			return nil, err
		}
		a.CreatedAt = time.UnixMilli(ms)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetTwitterCursor(ctx context.Context, handle, lastID string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE twitter_accounts SET last_tweet_id = ? WHERE handle = ?`), lastID, handle)
	if err != nil {
		return fmt.Errorf("set twitter cursor: %w", err)
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

// ---- youtube channels ----

func (s *sqlStore) AddYoutubeChannel(ctx context.Context, ch relay.YoutubeChannel) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO youtube_channels(channel_id, title, last_video_id, created_at) VALUES(?, ?, '', ?)
		 ON CONFLICT(channel_id) DO NOTHING`),
		ch.ChannelID, ch.Title, s.now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("add youtube channel: %w", err)
	}
	return affected(res)
}

func (s *sqlStore) RemoveYoutubeChannel(ctx context.Context, channelID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM youtube_channels WHERE channel_id = ?`), channelID)
	if err != nil {
		return false, fmt.Errorf("remove youtube channel: %w", err)
	}
	return affected(res)
}

func (s *sqlStore) ListYoutubeChannels(ctx context.Context) ([]relay.YoutubeChannel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, title, last_video_id, created_at FROM youtube_channels ORDER BY created_at, channel_id`)
	if err != nil {
		return nil, fmt.Errorf("list youtube channels: %w", err)
	}
	defer rows.Close()

	var out []relay.YoutubeChannel
	for rows.Next() {
		var (
			c  relay.YoutubeChannel
			ms int64
		)
		if err := rows.Scan(&c.ChannelID, &c.Title, &c.LastItemID, &ms); err != nil {
			return nil, err
		}
		c.CreatedAt = time.UnixMilli(ms)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetYoutubeCursor(ctx context.Context, channelID, lastID string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE youtube_channels SET last_video_id = ? WHERE channel_id = ?`), lastID, channelID)
	if err != nil {
		return fmt.Errorf("set youtube cursor: %w", err)
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

// ---- destinations ----

func (s *sqlStore) UpsertDestination(ctx context.Context, d Destination) error {
	if strings.TrimSpace(d.GuildID) == "" {
		return errors.New("guild id is required")
	}
	at := d.UpdatedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO guild_destinations(guild_id, twitter_channel_id, youtube_channel_id, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET
		   twitter_channel_id = excluded.twitter_channel_id,
		   youtube_channel_id = excluded.youtube_channel_id,
		   updated_at = excluded.updated_at`),
		d.GuildID, d.TwitterChannelID, d.YoutubeChannelID, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert destination: %w", err)
	}
	return nil
}

func (s *sqlStore) GetDestination(ctx context.Context, guildID string) (Destination, error) {
	var (
		d  Destination
		ms int64
	)
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT guild_id, twitter_channel_id, youtube_channel_id, updated_at
		 FROM guild_destinations WHERE guild_id = ?`), guildID,
	).Scan(&d.GuildID, &d.TwitterChannelID, &d.YoutubeChannelID, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Destination{}, ErrNotFound
	}
	if err != nil {
		return Destination{}, fmt.Errorf("get destination: %w", err)
	}
	d.UpdatedAt = time.UnixMilli(ms)
	return d, nil
}

func (s *sqlStore) ListDestinations(ctx context.Context) ([]Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild_id, twitter_channel_id, youtube_channel_id, updated_at
		 FROM guild_destinations ORDER BY guild_id`)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer rows.Close()

	var out []Destination
	for rows.Next() {
		var (
			d  Destination
			ms int64
		)
		if err := rows.Scan(&d.GuildID, &d.TwitterChannelID, &d.YoutubeChannelID, &ms); err != nil {
			return nil, err
		}
		d.UpdatedAt = time.UnixMilli(ms)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---- dedup ----

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO dedup(key, until) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`),
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT until FROM dedup WHERE key = ?`), key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dedup WHERE until < ?`), s.now().UnixMilli())
	return err
}

// ---- rate limit state ----

func (s *sqlStore) SaveRateLimit(ctx context.Context, source string, row RateLimitRow) error {
	at := row.UpdatedAt
	if at.IsZero() {
		at = s.now()
	}
	var reset int64
	if !row.ResetAt.IsZero() {
		reset = row.ResetAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO rate_limit_state(source, remaining, reset_at, backoff_ms, updated_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(source) DO UPDATE SET
		   remaining = excluded.remaining,
		   reset_at = excluded.reset_at,
		   backoff_ms = excluded.backoff_ms,
		   updated_at = excluded.updated_at`),
		source, row.Remaining, reset, row.Backoff.Milliseconds(), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save rate limit: %w", err)
	}
	return nil
}

func (s *sqlStore) LoadRateLimit(ctx context.Context, source string) (RateLimitRow, bool, error) {
	var row RateLimitRow
	var reset, backoff, updated int64
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT remaining, reset_at, backoff_ms, updated_at FROM rate_limit_state WHERE source = ?`), source,
	).Scan(&row.Remaining, &reset, &backoff, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return RateLimitRow{}, false, nil
	}
	if err != nil {
		return RateLimitRow{}, false, fmt.Errorf("load rate limit: %w", err)
	}
	if reset > 0 {
		row.ResetAt = time.UnixMilli(reset)
	}
	row.Backoff = time.Duration(backoff) * time.Millisecond
	row.UpdatedAt = time.UnixMilli(updated)
	return row, true, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
