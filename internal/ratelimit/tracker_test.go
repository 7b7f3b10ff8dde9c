package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"relaybot/internal/clock"
	"relaybot/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker(opts ...Option) (*Tracker, *clock.Fake) {
	fc := clock.NewFake(t0)
	return New(Config{}, append([]Option{WithClock(fc)}, opts...)...), fc
}

func equalDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReserveSpacingAndBatchCap(t *testing.T) {
	t.Parallel()
	tr, fc := newTestTracker()
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if !tr.Reserve(ctx) {
			t.Fatalf("reserve %d denied", i)
		}
	}
	want := []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second, 60 * time.Second}
	if got := fc.Sleeps(); !equalDurations(got, want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	st := tr.Snapshot()
	if st.Remaining != 174 {
		t.Fatalf("remaining = %d, want 174", st.Remaining)
	}
	if st.RequestsThisBatch != 1 {
		t.Fatalf("requests this batch = %d, want 1", st.RequestsThisBatch)
	}
}

func TestBeginBatchClearsCounter(t *testing.T) {
	t.Parallel()
	tr, fc := newTestTracker()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		tr.Reserve(ctx)
	}
	fc.Advance(15 * time.Minute)
	tr.BeginBatch()
	before := len(fc.Sleeps())
	tr.Reserve(ctx)
	if got := fc.Sleeps()[before:]; len(got) != 0 {
		t.Fatalf("unexpected waits after new batch: %v", got)
	}
}

func TestBufferWaitsUntilResetPlusGrace(t *testing.T) {
	t.Parallel()
	tr, fc := newTestTracker()
	tr.RecordResponse(100, t0.Add(2*time.Minute).Unix())

	if !tr.Reserve(context.Background()) {
		t.Fatal("reserve denied")
	}
	want := []time.Duration{2*time.Minute + 5*time.Second}
	if got := fc.Sleeps(); !equalDurations(got, want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	st := tr.Snapshot()
	resumed := t0.Add(2*time.Minute + 5*time.Second)
	if st.Remaining != 179 || !st.ResetAt.Equal(resumed.Add(15*time.Minute)) || st.Backoff != 0 {
		t.Fatalf("state after reset = %+v", st)
	}
}

func TestReserveWithoutHeadersStillRefills(t *testing.T) {
	t.Parallel()
	fc := clock.NewFake(t0)
	tr := New(Config{Limit: 10, Buffer: 5, BatchSize: 100}, WithClock(fc))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fc.OnSleep(func(time.Duration) {
		if len(fc.Sleeps()) > 100 {
			cancel()
		}
	})

	for i := 0; i < 5; i++ {
		if !tr.Reserve(ctx) {
			t.Fatalf("reserve %d denied", i)
		}
	}
	if st := tr.Snapshot(); st.Remaining != 5 || !st.ResetAt.Equal(t0.Add(15*time.Minute)) {
		t.Fatalf("after 5 reservations: %+v", st)
	}

	if !tr.Reserve(ctx) {
		t.Fatalf("quota never refilled, sleeps = %v", fc.Sleeps())
	}
	if got, want := fc.Now(), t0.Add(15*time.Minute+5*time.Second); !got.Equal(want) {
		t.Fatalf("resumed at %v, want %v", got, want)
	}
	if got := tr.Snapshot().Remaining; got != 9 {
		t.Fatalf("remaining = %d, want 9", got)
	}
}

func TestZeroBufferFallsBackToDefault(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		name string
		in   Config
		want int
	}{
		{"zero", Config{}, 100},
		{"negative", Config{Buffer: -1}, 100},
		{"at limit", Config{Limit: 50, Buffer: 50}, 49},
		{"explicit", Config{Buffer: 20}, 20},
	} {
		if got := New(tt.in).Config().Buffer; got != tt.want {
			t.Fatalf("%s: buffer = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestStateStaysBoundedUnderMixedSequences(t *testing.T) {
	t.Parallel()
	valid := map[time.Duration]bool{
		0: true, 10 * time.Second: true, 20 * time.Second: true, 40 * time.Second: true,
		80 * time.Second: true, 160 * time.Second: true, 300 * time.Second: true,
	}
	for seed := uint64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewPCG(seed, 42))
		tr, fc := newTestTracker()
		for step := 0; step < 300; step++ {
			var op string
			switch rng.IntN(4) {
			case 0:
				op = "response"
				var reset int64
				if rng.IntN(3) > 0 {
					reset = fc.Now().Add(time.Duration(rng.IntN(25)-5) * time.Minute).Unix()
				}
				tr.RecordResponse(rng.IntN(400)-100, reset)
			case 1:
				op = "throttled"
				tr.RecordThrottled(time.Duration(rng.IntN(1200)) * time.Second)
			case 2:
				op = "advance"
				fc.Advance(time.Duration(rng.IntN(600)) * time.Second)
			default:
				op = "reserve"
				if wait, _ := tr.tryReserve(); wait > 0 {
					fc.Advance(wait)
				}
			}
			st := tr.Snapshot()
			if st.Remaining < 0 || st.Remaining > 180 {
				t.Fatalf("seed %d step %d (%s): remaining = %d", seed, step, op, st.Remaining)
			}
			if !valid[st.Backoff] {
				t.Fatalf("seed %d step %d (%s): backoff = %v", seed, step, op, st.Backoff)
			}
		}
	}
}

func TestThrottledBacksOffThenWaitsForReset(t *testing.T) {
	t.Parallel()
	tr, fc := newTestTracker()

	var mu sync.Mutex
	var backoffs []time.Duration
	fc.OnSleep(func(time.Duration) {
		mu.Lock()
		backoffs = append(backoffs, tr.Snapshot().Backoff)
		mu.Unlock()
	})

	tr.RecordThrottled(0)
	st := tr.Snapshot()
	if st.Remaining != 0 || !st.ResetAt.Equal(t0.Add(900*time.Second)) {
		t.Fatalf("after throttle: %+v", st)
	}

	if !tr.Reserve(context.Background()) {
		t.Fatal("reserve denied")
	}
	want := []time.Duration{
		10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second,
		160 * time.Second, 300 * time.Second, 295 * time.Second,
	}
	if got := fc.Sleeps(); !equalDurations(got, want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, b := range backoffs {
		switch b {
		case 0, 10 * time.Second, 20 * time.Second, 40 * time.Second,
			80 * time.Second, 160 * time.Second, 300 * time.Second:
		default:
			t.Fatalf("backoff %v outside the doubling sequence", b)
		}
	}
	if tr.Snapshot().Backoff != 0 {
		t.Fatal("backoff must reset once resetAt is reached")
	}
}

func TestThrottledHonorsRetryHint(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()
	tr.RecordThrottled(30 * time.Second)
	ok, resetAt := tr.CanProceed(t0)
	if ok || !resetAt.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("CanProceed = %v, %v", ok, resetAt)
	}
}

func TestRemainingNeverNegative(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()
	tr.RecordResponse(-7, t0.Add(time.Minute).Unix())
	if got := tr.Snapshot().Remaining; got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}
	tr.RecordResponse(5000, t0.Add(time.Minute).Unix())
	if got := tr.Snapshot().Remaining; got != 180 {
		t.Fatalf("remaining = %d, want clamp to 180", got)
	}
}

func TestRecordResponseWithoutResetAssumesWindow(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()
	tr.RecordResponse(150, 0)
	if got := tr.Snapshot().ResetAt; !got.Equal(t0.Add(15 * time.Minute)) {
		t.Fatalf("reset at = %v", got)
	}
}

func TestCanProceed(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()
	if ok, _ := tr.CanProceed(t0); !ok {
		t.Fatal("fresh tracker must allow")
	}
	reset := t0.Add(10 * time.Minute)
	tr.RecordResponse(50, reset.Unix())
	if ok, at := tr.CanProceed(t0); ok || !at.Equal(reset) {
		t.Fatalf("CanProceed below buffer = %v, %v", ok, at)
	}
	if ok, _ := tr.CanProceed(reset); !ok {
		t.Fatal("must allow once reset time is reached")
	}
	tr.RecordResponse(150, reset.Unix())
	if ok, _ := tr.CanProceed(t0); !ok {
		t.Fatal("must allow above buffer")
	}
}

func TestReserveReturnsFalseOnCancel(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if tr.Reserve(ctx) {
		t.Fatal("reserve must be denied after cancel")
	}
}

type memPersister struct {
	mu   sync.Mutex
	rows map[string]storage.RateLimitRow
	n    int
}

func (m *memPersister) SaveRateLimit(_ context.Context, source string, row storage.RateLimitRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = map[string]storage.RateLimitRow{}
	}
	m.rows[source] = row
	m.n++
	return nil
}

func (m *memPersister) LoadRateLimit(_ context.Context, source string) (storage.RateLimitRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[source]
	return r, ok, nil
}

func TestRestoreAndPersist(t *testing.T) {
	t.Parallel()
	p := &memPersister{rows: map[string]storage.RateLimitRow{
		"twitter": {Remaining: 12, ResetAt: t0.Add(time.Minute), Backoff: 20 * time.Second},
	}}
	tr, _ := newTestTracker(WithPersister(p, "twitter"))
	if err := tr.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	st := tr.Snapshot()
	if st.Remaining != 12 || !st.ResetAt.Equal(t0.Add(time.Minute)) || st.Backoff != 20*time.Second {
		t.Fatalf("restored state = %+v", st)
	}

	tr.RecordResponse(170, t0.Add(5*time.Minute).Unix())
	row, ok, _ := p.LoadRateLimit(context.Background(), "twitter")
	if !ok || row.Remaining != 170 {
		t.Fatalf("persisted row = %+v ok=%v", row, ok)
	}
}

func TestRestoreIgnoresElapsedWindow(t *testing.T) {
	t.Parallel()
	p := &memPersister{rows: map[string]storage.RateLimitRow{
		"twitter": {Remaining: 3, ResetAt: t0.Add(-time.Minute)},
	}}
	tr, _ := newTestTracker(WithPersister(p, "twitter"))
	if err := tr.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := tr.Snapshot().Remaining; got != 180 {
		t.Fatalf("remaining = %d, want full window", got)
	}
}
