package notifier

import (
	"time"

	"relaybot/internal/relay"
	kit "relaybot/internal/transport"
)

// Config controls the async delivery pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Delivery is one message bound for one channel.
type Delivery struct {
	GuildID   string
	ChannelID string
	Source    relay.Source
	ItemID    string
	Message   kit.OutboundMessage
}

// Event types published on the bus. Data is a DeliveryEvent.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
	// EventSkipped means a destination was passed over (missing permissions
	// or an unreachable channel).
	EventSkipped = "notifier.skipped"
)

type DeliveryEvent struct {
	GuildID   string       `json:"guild_id,omitempty"`
	ChannelID string       `json:"channel_id"`
	Source    relay.Source `json:"source"`
	ItemID    string       `json:"item_id"`
	At        time.Time    `json:"at"`
	Attempts  int          `json:"attempts,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type HistoryItem struct {
	At        time.Time
	ChannelID string
	Source    relay.Source
	ItemID    string
}
