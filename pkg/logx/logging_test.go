package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatOpsLine(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"2026-01-01T00:00:00Z","message":"poll failed","handle":"nasa","comp":"twitter"}`
	got := formatOpsLine([]byte(line))
	want := "[WARN] poll failed\n- comp=twitter\n- handle=nasa"
	if got != want {
		t.Fatalf("formatOpsLine = %q, want %q", got, want)
	}

	raw := formatOpsLine([]byte("  not json  "))
	if raw != "not json" {
		t.Fatalf("raw line = %q", raw)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	done  chan struct{}
}

func (r *recordingSender) SendLog(_ context.Context, chatID int64, threadID int, text string) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	select {
	case r.done <- struct{}{}:
	default:
	}
	return nil
}

func TestOpsSinkFiltersByLevel(t *testing.T) {
	rec := &recordingSender{done: make(chan struct{}, 4)}
	sink := newOpsSink(rec)
	defer sink.close()
	sink.configure(opsTarget{chatID: 42}, zerolog.WarnLevel, rate.NewLimiter(rate.Inf, 1))

	zl := zerolog.New(sink)
	zl.Info().Msg("ignored")
	zl.Error().Str("comp", "scheduler").Msg("pass failed")

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("operator sink never delivered")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.texts) != 1 {
		t.Fatalf("sent %d messages, want 1", len(rec.texts))
	}
	if !strings.HasPrefix(rec.texts[0], "[ERROR] pass failed") {
		t.Fatalf("unexpected text %q", rec.texts[0])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens", String("k", "v"))
	l.With(Int("n", 1)).Error("still nothing")
}

func TestFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	l := Logger{base: &zl}.With(Comp("scheduler"))

	l.Info("armed",
		Time("reset_at", time.Time{}),
		Duration("wait", 90*time.Second),
		Err(nil),
		Comp("scheduler.pass"),
	)
	out := buf.String()
	for _, want := range []string{`"wait":"1m30s"`, `"comp":"scheduler.pass"`, `"caller":"logging_test.go:`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
	for _, absent := range []string{"reset_at", `"err"`} {
		if strings.Contains(out, absent) {
			t.Fatalf("unexpected %s in %s", absent, out)
		}
	}
}
