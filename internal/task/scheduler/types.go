package scheduler

import (
	"context"
	"time"

	"relaybot/internal/relay"
)

// DefaultSpec is the 15 minute grid.
const DefaultSpec = "0,15,30,45 * * * *"

type Config struct {
	// Spec is a 5-field cron expression describing the grid.
	Spec     string
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	// SkipAheadBuffer is added to the quota reset before picking a grid line.
	SkipAheadBuffer time.Duration
	// RetryDelay re-arms the loop after a failed pass.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Spec == "" {
		c.Spec = DefaultSpec
	}
	if c.SkipAheadBuffer <= 0 {
		c.SkipAheadBuffer = 60 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 60 * time.Second
	}
	return c
}

// Gate is the quota pre-check consulted before each pass.
type Gate interface {
	CanProceed(now time.Time) (bool, time.Time)
	BeginBatch()
}

type TwitterPoller interface {
	PollAll(ctx context.Context, accounts []relay.TwitterAccount) []relay.PollResult
}

type YoutubePoller interface {
	PollAll(ctx context.Context, channels []relay.YoutubeChannel) []relay.PollResult
}

// EntityStore lists what a pass polls.
type EntityStore interface {
	ListTwitterAccounts(ctx context.Context) ([]relay.TwitterAccount, error)
	ListYoutubeChannels(ctx context.Context) ([]relay.YoutubeChannel, error)
}

type State string

const (
	StateStopped State = "stopped"
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// PassStats summarizes one pass.
type PassStats struct {
	ID         string
	StartedAt  time.Time
	Duration   time.Duration
	TwitterHit int // entities with new items
	YoutubeHit int
	Items      int
	// Updated lists "source:key" for every entity with new items.
	Updated []string
	Err     string
}

type Snapshot struct {
	State    State
	Timezone string
	NextTick time.Time
	// NextReason is "grid", "skip_ahead" or "retry".
	NextReason string
	LastPass   *PassStats
	Passes     uint64
	Failures   uint64
	Skips      uint64
}

// Event types published on the bus.
const (
	// EventPass carries a PassStats.
	EventPass = "scheduler.pass"
	// EventSkip carries a SkipEvent.
	EventSkip = "scheduler.skip"
)

type SkipEvent struct {
	ResetAt time.Time
	Next    time.Time
}
