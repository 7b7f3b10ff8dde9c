// Package storage is the persistence layer shared by every component.
//
// It keeps:
//   - Tracked entities with their relay cursors (twitter_accounts, youtube_channels)
//   - Per-guild destinations (guild_destinations, upsert by guild)
//   - Delivery dedup windows that survive restarts
//   - The last quota tracker snapshot
//
// SQLite (modernc, pure Go) is the default; PostgreSQL is selected with
// driver "postgres". All writes are single-row upserts so concurrent
// callers never need a transaction.
package storage
