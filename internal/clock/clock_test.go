package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFakeSleepAdvances(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)

	if err := f.Sleep(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	f.Advance(time.Minute)

	if got, want := f.Now(), start.Add(70*time.Second); !got.Equal(want) {
		t.Fatalf("Now = %v, want %v", got, want)
	}
	if s := f.Sleeps(); len(s) != 1 || s[0] != 10*time.Second {
		t.Fatalf("Sleeps = %v", s)
	}
}

func TestSleepHonoursCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := (Real{}).Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Real.Sleep err = %v", err)
	}
	f := NewFake(time.Unix(0, 0))
	if err := f.Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Fake.Sleep err = %v", err)
	}
	if !f.Now().Equal(time.Unix(0, 0)) {
		t.Fatal("cancelled sleep must not advance the clock")
	}
}
