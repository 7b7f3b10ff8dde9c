package twitter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

// Searcher is the upstream call the poller makes once per account.
type Searcher interface {
	SearchRecent(ctx context.Context, handle, sinceID string) (SearchResult, error)
}

// QuotaGate is the subset of the rate limit tracker the poller needs.
type QuotaGate interface {
	Reserve(ctx context.Context) bool
	RecordResponse(remaining int, resetEpochSeconds int64)
	RecordThrottled(retryAfter time.Duration)
}

type CursorStore interface {
	SetTwitterCursor(ctx context.Context, handle, lastID string) error
}

var errQuotaDenied = errors.New("twitter: quota reservation denied")

type Poller struct {
	client   Searcher
	gate     QuotaGate
	store    CursorStore
	dispatch relay.Dispatcher
	log      logx.Logger
	bus      eventbus.Bus
}

func NewPoller(client Searcher, gate QuotaGate, store CursorStore, d relay.Dispatcher, log logx.Logger, bus eventbus.Bus) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		client:   client,
		gate:     gate,
		store:    store,
		dispatch: d,
		log:      log.With(logx.Comp("source.twitter")),
		bus:      bus,
	}
}

// PollAll fetches every account in order. Spacing between accounts comes
// from the quota gate. A failed account is logged and skipped; a denied
// reservation (shutdown) ends the pass early with what was collected.
func (p *Poller) PollAll(ctx context.Context, accounts []relay.TwitterAccount) []relay.PollResult {
	out := make([]relay.PollResult, 0, len(accounts))
	for _, a := range accounts {
		res, dispatched, err := p.poll(ctx, a)
		if errors.Is(err, errQuotaDenied) {
			break
		}
		p.publish(a.Handle, len(res.Items), dispatched, err)
		if err != nil {
			p.log.Warn("poll failed", logx.String("handle", a.Handle), logx.Err(err))
			continue
		}
		if len(res.Items) > 0 {
			out = append(out, res)
		}
	}
	return out
}

func (p *Poller) poll(ctx context.Context, a relay.TwitterAccount) (relay.PollResult, int, error) {
	res := relay.PollResult{Entity: a}
	if !p.gate.Reserve(ctx) {
		return res, 0, errQuotaDenied
	}

	sr, err := p.client.SearchRecent(ctx, a.Handle, a.LastItemID)
	if sr.Quota.Known {
		p.gate.RecordResponse(sr.Quota.Remaining, sr.Quota.ResetUnix)
	}
	if err != nil {
		var rl *RateLimitError
		if errors.As(err, &rl) {
			p.gate.RecordThrottled(rl.RetryAfter)
		}
		return res, 0, err
	}

	for _, t := range sr.Tweets {
		if a.LastItemID != "" && relay.CompareIDs(t.ID, a.LastItemID) <= 0 {
			continue
		}
		res.Items = append(res.Items, toItem(t, a.Handle))
	}
	if len(res.Items) == 0 {
		return res, 0, nil
	}
	relay.SortNewestFirst(res.Items)

	// Every item is handed off before the cursor moves, whatever the
	// dispatch outcome.
	dispatched := 0
	for _, it := range res.Items {
		if err := p.dispatch.Dispatch(ctx, it); err != nil {
			p.log.Warn("dispatch failed",
				logx.String("handle", a.Handle),
				logx.String("item", it.ID),
				logx.Err(err),
			)
			continue
		}
		dispatched++
	}

	newest := newestID(res.Items)
	if err := p.store.SetTwitterCursor(ctx, a.Handle, newest); err != nil {
		p.log.Error("cursor update failed",
			logx.String("handle", a.Handle),
			logx.String("cursor", newest),
			logx.Err(err),
		)
	}
	p.log.Debug("account polled",
		logx.String("handle", a.Handle),
		logx.Int("items", len(res.Items)),
		logx.Int("dispatched", dispatched),
	)
	return res, dispatched, nil
}

func (p *Poller) publish(handle string, items, dispatched int, err error) {
	if p.bus == nil {
		return
	}
	ev := relay.PollEvent{Source: relay.SourceTwitter, Key: handle, Items: items, Dispatched: dispatched}
	if err != nil {
		ev.Err = err.Error()
	}
	p.bus.Publish(eventbus.Event{Type: relay.EventPolled, Data: ev})
}

func newestID(items []relay.Item) string {
	var best string
	for _, it := range items {
		if relay.CompareIDs(it.ID, best) > 0 {
			best = it.ID
		}
	}
	return best
}

func toItem(t Tweet, handle string) relay.Item {
	username := t.Author.Username
	if username == "" {
		username = handle
	}
	it := relay.Item{
		Source: relay.SourceTwitter,
		ID:     t.ID,
		URL:    fmt.Sprintf("https://x.com/%s/status/%s", username, t.ID),
		Text:   t.Text,
		Author: relay.Author{
			Name:      t.Author.Name,
			Handle:    username,
			URL:       "https://x.com/" + username,
			AvatarURL: t.Author.ProfileImageURL,
		},
		PublishedAt: t.CreatedAt,
		Metrics: &relay.Metrics{
			Likes:   t.Metrics.Likes,
			Reposts: t.Metrics.Retweets,
			Replies: t.Metrics.Replies,
			Views:   t.Metrics.Impressions,
		},
	}
	for _, m := range t.Media {
		it.Media = append(it.Media, relay.Media{Type: m.Type, URL: m.URL, PreviewURL: m.PreviewURL})
	}
	return it
}
