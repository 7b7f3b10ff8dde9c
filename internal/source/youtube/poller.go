package youtube

import (
	"context"
	"fmt"
	"time"

	"relaybot/internal/clock"
	"relaybot/internal/eventbus"
	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

// DefaultFreshness is the trailing window in which a video counts as new.
const DefaultFreshness = 15 * time.Minute

// API is the three chained lookups a poll needs.
type API interface {
	ResolveChannel(ctx context.Context, channelID string) (ChannelInfo, error)
	RecentUploads(ctx context.Context, playlistID string) ([]string, error)
	Videos(ctx context.Context, ids []string) ([]Video, error)
}

type CursorStore interface {
	SetYoutubeCursor(ctx context.Context, channelID, lastID string) error
}

type Poller struct {
	api       API
	store     CursorStore
	dispatch  relay.Dispatcher
	clk       clock.Clock
	freshness time.Duration
	log       logx.Logger
	bus       eventbus.Bus
}

type PollerOption func(*Poller)

func WithClock(c clock.Clock) PollerOption { return func(p *Poller) { p.clk = c } }

func WithFreshness(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.freshness = d
		}
	}
}

func WithBus(b eventbus.Bus) PollerOption { return func(p *Poller) { p.bus = b } }

func NewPoller(api API, store CursorStore, d relay.Dispatcher, log logx.Logger, opts ...PollerOption) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Poller{
		api:       api,
		store:     store,
		dispatch:  d,
		clk:       clock.Real{},
		freshness: DefaultFreshness,
		log:       log.With(logx.Comp("source.youtube")),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// PollAll checks each channel independently. There is no quota gate for
// this upstream.
func (p *Poller) PollAll(ctx context.Context, channels []relay.YoutubeChannel) []relay.PollResult {
	out := make([]relay.PollResult, 0, len(channels))
	for _, ch := range channels {
		if ctx.Err() != nil {
			break
		}
		res, dispatched, err := p.poll(ctx, ch)
		p.publish(ch.ChannelID, len(res.Items), dispatched, err)
		if err != nil {
			p.log.Warn("poll failed", logx.String("channel", ch.ChannelID), logx.Err(err))
			continue
		}
		if len(res.Items) > 0 {
			out = append(out, res)
		}
	}
	return out
}

func (p *Poller) poll(ctx context.Context, ch relay.YoutubeChannel) (relay.PollResult, int, error) {
	res := relay.PollResult{Entity: ch}

	info, err := p.api.ResolveChannel(ctx, ch.ChannelID)
	if err != nil {
		return res, 0, err
	}
	ids, err := p.api.RecentUploads(ctx, info.UploadsPlaylistID)
	if err != nil {
		return res, 0, err
	}
	videos, err := p.api.Videos(ctx, ids)
	if err != nil {
		return res, 0, err
	}

	now := p.clk.Now()
	for _, v := range videos {
		if !p.fresh(now, v.PublishedAt) || v.ID == ch.LastItemID {
			continue
		}
		res.Items = append(res.Items, toItem(v, info))
	}
	if len(res.Items) == 0 {
		return res, 0, nil
	}
	relay.SortNewestFirst(res.Items)

	dispatched := 0
	for _, it := range res.Items {
		if err := p.dispatch.Dispatch(ctx, it); err != nil {
			p.log.Warn("dispatch failed",
				logx.String("channel", ch.ChannelID),
				logx.String("item", it.ID),
				logx.Err(err),
			)
			continue
		}
		dispatched++
	}

	if err := p.store.SetYoutubeCursor(ctx, ch.ChannelID, res.Items[0].ID); err != nil {
		p.log.Error("cursor update failed", logx.String("channel", ch.ChannelID), logx.Err(err))
	}
	p.log.Debug("channel polled",
		logx.String("channel", ch.ChannelID),
		logx.Int("items", len(res.Items)),
		logx.Int("dispatched", dispatched),
	)
	return res, dispatched, nil
}

// fresh reports now - published < window. A video published exactly one
// window ago is stale.
func (p *Poller) fresh(now, published time.Time) bool {
	return now.Sub(published) < p.freshness
}

func (p *Poller) publish(channelID string, items, dispatched int, err error) {
	if p.bus == nil {
		return
	}
	ev := relay.PollEvent{Source: relay.SourceYouTube, Key: channelID, Items: items, Dispatched: dispatched}
	if err != nil {
		ev.Err = err.Error()
	}
	p.bus.Publish(eventbus.Event{Type: relay.EventPolled, Data: ev})
}

func toItem(v Video, info ChannelInfo) relay.Item {
	title := v.ChannelTitle
	if title == "" {
		title = info.Title
	}
	chID := v.ChannelID
	if chID == "" {
		chID = info.ID
	}
	it := relay.Item{
		Source: relay.SourceYouTube,
		ID:     v.ID,
		URL:    "https://www.youtube.com/watch?v=" + v.ID,
		Title:  v.Title,
		Text:   v.Description,
		Author: relay.Author{
			Name:      title,
			URL:       fmt.Sprintf("https://www.youtube.com/channel/%s", chID),
			AvatarURL: info.ThumbnailURL,
		},
		PublishedAt: v.PublishedAt,
		Metrics: &relay.Metrics{
			Likes:   int64(v.Likes),
			Replies: int64(v.Comments),
			Views:   int64(v.Views),
		},
	}
	if v.ThumbnailURL != "" {
		it.Media = []relay.Media{{Type: "thumbnail", URL: v.ThumbnailURL}}
	}
	return it
}
