package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaybot/internal/clock"
	"relaybot/internal/eventbus"
	"relaybot/internal/relay"
)

var t0 = time.Date(2026, 3, 1, 12, 7, 0, 0, time.UTC)

func at(h, m, s int) time.Time { return time.Date(2026, 3, 1, h, m, s, 0, time.UTC) }

type fakeGate struct {
	resetAt time.Time // quota denied while now < resetAt
	batches int
}

func (g *fakeGate) CanProceed(now time.Time) (bool, time.Time) {
	if !g.resetAt.IsZero() && now.Before(g.resetAt) {
		return false, g.resetAt
	}
	return true, time.Time{}
}

func (g *fakeGate) BeginBatch() { g.batches++ }

type fakeStore struct {
	accounts  []relay.TwitterAccount
	channels  []relay.YoutubeChannel
	listErrs  int // first N ListTwitterAccounts calls fail
	listCalls int
}

func (f *fakeStore) ListTwitterAccounts(context.Context) ([]relay.TwitterAccount, error) {
	f.listCalls++
	if f.listCalls <= f.listErrs {
		return nil, errors.New("database is locked")
	}
	return f.accounts, nil
}

func (f *fakeStore) ListYoutubeChannels(context.Context) ([]relay.YoutubeChannel, error) {
	return f.channels, nil
}

// recorder is both pollers. It notes the time of every twitter poll and
// stops the run after the wanted number of passes.
type recorder struct {
	clk      *clock.Fake
	cancel   context.CancelFunc
	stopAt   int
	panicOn  int // twitter call number that panics (1-based), 0 = never
	twitter  []time.Time
	youtubeN int
}

func (r *recorder) pollTwitter(context.Context, []relay.TwitterAccount) []relay.PollResult {
	r.twitter = append(r.twitter, r.clk.Now())
	if len(r.twitter) == r.panicOn {
		panic("boom")
	}
	return []relay.PollResult{{Entity: relay.TwitterAccount{Handle: "nasa"}, Items: []relay.Item{{ID: "1"}, {ID: "2"}}}}
}

func (r *recorder) pollYoutube(context.Context, []relay.YoutubeChannel) []relay.PollResult {
	r.youtubeN++
	if len(r.twitter) >= r.stopAt {
		r.cancel()
	}
	return nil
}

type twitterFunc func(context.Context, []relay.TwitterAccount) []relay.PollResult

func (f twitterFunc) PollAll(ctx context.Context, a []relay.TwitterAccount) []relay.PollResult {
	return f(ctx, a)
}

type youtubeFunc func(context.Context, []relay.YoutubeChannel) []relay.PollResult

func (f youtubeFunc) PollAll(ctx context.Context, c []relay.YoutubeChannel) []relay.PollResult {
	return f(ctx, c)
}

func newTestService(t *testing.T, gate *fakeGate, st *fakeStore, rec *recorder, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(rec.clk)}, opts...)
	s, err := New(Config{Timezone: "UTC"}, gate, st, twitterFunc(rec.pollTwitter), youtubeFunc(rec.pollYoutube), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestGridNext(t *testing.T) {
	t.Parallel()
	g, err := NewGrid(DefaultSpec, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{name: "mid quarter", now: at(12, 7, 0), want: at(12, 15, 0)},
		{name: "exactly on grid", now: at(12, 15, 0), want: at(12, 30, 0)},
		{name: "just before", now: at(12, 14, 59).Add(999 * time.Millisecond), want: at(12, 15, 0)},
		{name: "hour rollover", now: at(12, 50, 0), want: at(13, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := g.Next(tt.now); !got.Equal(tt.want) {
				t.Fatalf("Next(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestGridAtOrAfter(t *testing.T) {
	t.Parallel()
	g, _ := NewGrid(DefaultSpec, time.UTC)
	if got := g.AtOrAfter(at(12, 15, 0)); !got.Equal(at(12, 15, 0)) {
		t.Fatalf("on grid: %v", got)
	}
	if got := g.AtOrAfter(at(12, 15, 0).Add(time.Millisecond)); !got.Equal(at(12, 30, 0)) {
		t.Fatalf("after grid: %v", got)
	}
}

func TestGridHonoursTimezone(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("IST", 5*3600+1800)
	g, err := NewGrid("0 * * * *", loc)
	if err != nil {
		t.Fatal(err)
	}
	// 12:07 UTC is 17:37 local; the next local hour is 18:00 = 12:30 UTC.
	if got := g.Next(at(12, 7, 0)); !got.Equal(at(12, 30, 0)) {
		t.Fatalf("Next = %v, want 12:30 UTC", got.UTC())
	}
	if got := g.Next(at(12, 7, 0)); got.Location() != loc {
		t.Fatalf("location = %v", got.Location())
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Timezone: "Mars/Olympus"}, &fakeGate{}, &fakeStore{}, nil, nil); err == nil {
		t.Fatal("bad timezone accepted")
	}
	if _, err := New(Config{Spec: "every quarter"}, &fakeGate{}, &fakeStore{}, nil, nil); err == nil {
		t.Fatal("bad spec accepted")
	}
}

func TestNextTickSkipAhead(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		resetAt time.Time
		want    time.Time
		skipped bool
	}{
		{name: "quota available", want: at(12, 15, 0)},
		// 12:27 + 60s = 12:28, skipping exactly the 12:15 tick.
		{name: "reset in 20m", resetAt: t0.Add(20 * time.Minute), want: at(12, 30, 0), skipped: true},
		{name: "reset lands on grid after buffer", resetAt: at(12, 44, 0), want: at(12, 45, 0), skipped: true},
		{name: "buffer pushes past grid", resetAt: at(12, 44, 30), want: at(13, 0, 0), skipped: true},
		{name: "reset before next tick", resetAt: at(12, 9, 0), want: at(12, 15, 0), skipped: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clk := clock.NewFake(t0)
			rec := &recorder{clk: clk}
			s := newTestService(t, &fakeGate{resetAt: tt.resetAt}, &fakeStore{}, rec)
			got, skipped, _ := s.NextTick(t0)
			if !got.Equal(tt.want) || skipped != tt.skipped {
				t.Fatalf("NextTick = %v skipped=%v, want %v skipped=%v", got, skipped, tt.want, tt.skipped)
			}
		})
	}
}

func TestRunFollowsGrid(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{clk: clk, cancel: cancel, stopAt: 3}
	gate := &fakeGate{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := newTestService(t, gate, &fakeStore{}, rec, WithBus(bus))

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []time.Time{at(12, 15, 0), at(12, 30, 0), at(12, 45, 0)}
	if len(rec.twitter) != len(want) {
		t.Fatalf("passes at %v, want %v", rec.twitter, want)
	}
	for i := range want {
		if !rec.twitter[i].Equal(want[i]) {
			t.Fatalf("pass %d at %v, want %v", i, rec.twitter[i], want[i])
		}
	}
	if gate.batches != 3 {
		t.Fatalf("batches = %d, want 3", gate.batches)
	}
	ev := <-events
	stats, ok := ev.Data.(PassStats)
	if ev.Type != EventPass || !ok || stats.Items != 2 || stats.TwitterHit != 1 || stats.ID == "" ||
		len(stats.Updated) != 1 || stats.Updated[0] != "twitter:nasa" {
		t.Fatalf("first event = %+v", ev)
	}
	if snap := s.Snapshot(); snap.State != StateStopped || snap.Passes != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunSkipsAheadWhenQuotaExhausted(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{clk: clk, cancel: cancel, stopAt: 1}
	s := newTestService(t, &fakeGate{resetAt: at(12, 27, 0)}, &fakeStore{}, rec)

	_ = s.Run(ctx)
	if len(rec.twitter) != 1 || !rec.twitter[0].Equal(at(12, 30, 0)) {
		t.Fatalf("passes at %v, want [12:30]", rec.twitter)
	}
	if got := clk.Sleeps(); len(got) != 1 || got[0] != 23*time.Minute {
		t.Fatalf("sleeps = %v, want one 23m sleep", got)
	}
	if s.Snapshot().Skips != 1 {
		t.Fatal("skip not counted")
	}
}

func TestRunRetriesAfterPanic(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{clk: clk, cancel: cancel, stopAt: 2, panicOn: 1}
	s := newTestService(t, &fakeGate{}, &fakeStore{}, rec)

	_ = s.Run(ctx)
	want := []time.Time{at(12, 15, 0), at(12, 16, 0)}
	if len(rec.twitter) != 2 || !rec.twitter[0].Equal(want[0]) || !rec.twitter[1].Equal(want[1]) {
		t.Fatalf("passes at %v, want %v", rec.twitter, want)
	}
	if rec.youtubeN != 1 {
		t.Fatalf("youtube polled %d times, want 1", rec.youtubeN)
	}
	snap := s.Snapshot()
	if snap.Failures != 1 || snap.Passes != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunRetriesAfterStoreError(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{clk: clk, cancel: cancel, stopAt: 1}
	st := &fakeStore{listErrs: 1}
	s := newTestService(t, &fakeGate{}, st, rec)

	_ = s.Run(ctx)
	// 12:15 fails before polling, 12:16 retry polls.
	if len(rec.twitter) != 1 || !rec.twitter[0].Equal(at(12, 16, 0)) {
		t.Fatalf("passes at %v, want [12:16]", rec.twitter)
	}
	if st.listCalls != 2 {
		t.Fatalf("list calls = %d", st.listCalls)
	}
}

func TestTallyCountsByEntityKind(t *testing.T) {
	t.Parallel()
	var stats PassStats
	stats.tally([]relay.PollResult{
		{Entity: relay.TwitterAccount{Handle: "nasa"}, Items: []relay.Item{{ID: "1"}}},
		{Entity: relay.YoutubeChannel{ChannelID: "UC1"}, Items: []relay.Item{{ID: "a"}, {ID: "b"}}},
		{Entity: relay.YoutubeChannel{ChannelID: "UC2"}, Items: []relay.Item{{ID: "c"}}},
	})
	if stats.TwitterHit != 1 || stats.YoutubeHit != 2 || stats.Items != 4 {
		t.Fatalf("stats = %+v", stats)
	}
	want := []string{"twitter:nasa", "youtube:UC1", "youtube:UC2"}
	if len(stats.Updated) != len(want) {
		t.Fatalf("updated = %v, want %v", stats.Updated, want)
	}
	for i := range want {
		if stats.Updated[i] != want[i] {
			t.Fatalf("updated = %v, want %v", stats.Updated, want)
		}
	}

	defer func() {
		if recover() == nil {
			t.Fatal("a result without an entity must panic")
		}
	}()
	stats.tally([]relay.PollResult{{}})
}
