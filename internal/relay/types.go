// Package relay defines the domain shared by the pollers, the store and the
// delivery side: tracked entities, fetched items and the dispatch port.
package relay

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"
)

type Source string

const (
	SourceTwitter Source = "twitter"
	SourceYouTube Source = "youtube"
)

// Entity is a tracked upstream identity. The set of implementations is
// closed: TwitterAccount and YoutubeChannel.
type Entity interface {
	Source() Source
	// Key is the unique identifier within the entity's table.
	Key() string
	// Cursor is the id of the newest item already relayed ("" when unset).
	Cursor() string
	isEntity()
}

type TwitterAccount struct {
	Handle     string
	LastItemID string
	CreatedAt  time.Time
}

func (TwitterAccount) Source() Source   { return SourceTwitter }
func (a TwitterAccount) Key() string    { return a.Handle }
func (a TwitterAccount) Cursor() string { return a.LastItemID }
func (TwitterAccount) isEntity()        {}

type YoutubeChannel struct {
	ChannelID  string
	Title      string
	LastItemID string
	CreatedAt  time.Time
}

func (YoutubeChannel) Source() Source   { return SourceYouTube }
func (c YoutubeChannel) Key() string    { return c.ChannelID }
func (c YoutubeChannel) Cursor() string { return c.LastItemID }
func (YoutubeChannel) isEntity()        {}

type Author struct {
	Name      string
	Handle    string
	URL       string
	AvatarURL string
}

type Media struct {
	// Type is the upstream media type: "photo", "video", "animated_gif" or "thumbnail".
	Type       string
	URL        string
	PreviewURL string
}

type Metrics struct {
	Likes   int64
	Reposts int64
	Replies int64
	Views   int64
}

// Item is one piece of upstream content ready to be rendered.
type Item struct {
	Source      Source
	ID          string
	URL         string
	Title       string
	Text        string
	Author      Author
	Media       []Media
	PublishedAt time.Time
	Metrics     *Metrics
}

// PollResult groups the new items of one entity, newest first.
type PollResult struct {
	Entity Entity
	Items  []Item
}

// Dispatcher hands an item to every configured destination.
type Dispatcher interface {
	Dispatch(ctx context.Context, item Item) error
}

var (
	reHandle    = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)
	reChannelID = regexp.MustCompile(`^UC[A-Za-z0-9_-]{22}$`)
)

// NormalizeHandle strips a leading "@" and lower-cases the handle.
func NormalizeHandle(raw string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
}

func ValidHandle(h string) bool { return reHandle.MatchString(h) }

func ValidChannelID(id string) bool { return reChannelID.MatchString(id) }

// CompareIDs orders numeric snowflake ids without parsing them: a longer id
// is larger, equal lengths compare lexically. Returns -1, 0 or 1.
func CompareIDs(a, b string) int {
	switch {
	case len(a) != len(b):
		if len(a) < len(b) {
			return -1
		}
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// SortNewestFirst orders items by publish time, falling back to id order.
func SortNewestFirst(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].PublishedAt.Equal(items[j].PublishedAt) {
			return items[i].PublishedAt.After(items[j].PublishedAt)
		}
		return CompareIDs(items[i].ID, items[j].ID) > 0
	})
}

// EventPolled is the event bus type published after every entity poll.
// Its Data is a PollEvent.
const EventPolled = "source.polled"

type PollEvent struct {
	Source     Source
	Key        string
	Items      int
	Dispatched int
	// Err is empty on success.
	Err string
}
