package render

import (
	"strings"
	"testing"
	"time"

	"relaybot/internal/relay"
)

func TestTwitterItemEmbed(t *testing.T) {
	t.Parallel()
	it := relay.Item{
		Source: relay.SourceTwitter,
		ID:     "5",
		URL:    "https://x.com/NASA/status/5",
		Text:   "liftoff",
		Author: relay.Author{Name: "NASA", Handle: "NASA", AvatarURL: "https://a"},
		Media: []relay.Media{
			{Type: "video", PreviewURL: "https://preview"},
			{Type: "photo", URL: "https://photo"},
		},
		PublishedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Metrics:     &relay.Metrics{Likes: 1520, Reposts: 12, Replies: 0},
	}
	m := Item(it)
	if m.Content != "" {
		t.Fatalf("content = %q", m.Content)
	}
	e := m.Embed
	if e.Author.Name != "NASA (@NASA)" || e.URL != it.URL || e.Color != ColorTwitter {
		t.Fatalf("embed = %+v", e)
	}
	if e.Image == nil || e.Image.URL != "https://preview" {
		t.Fatalf("image = %+v", e.Image)
	}
	if e.Timestamp != "2026-03-01T12:00:00Z" {
		t.Fatalf("timestamp = %q", e.Timestamp)
	}
	if len(e.Fields) != 3 || e.Fields[0].Value != "1.5K" {
		t.Fatalf("fields = %+v", e.Fields)
	}
}

func TestYoutubeItemMessage(t *testing.T) {
	t.Parallel()
	m := Item(relay.Item{
		Source: relay.SourceYouTube,
		URL:    "https://www.youtube.com/watch?v=abc",
		Title:  "Liftoff",
		Text:   strings.Repeat("x", 500),
		Media:  []relay.Media{{Type: "thumbnail", URL: "https://thumb"}},
	})
	if m.Content != "https://www.youtube.com/watch?v=abc" {
		t.Fatalf("content = %q", m.Content)
	}
	if got := len([]rune(m.Embed.Description)); got != youtubeDescription {
		t.Fatalf("description runes = %d", got)
	}
	if m.Embed.Image == nil || m.Embed.Image.URL != "https://thumb" {
		t.Fatalf("image = %+v", m.Embed.Image)
	}
	if m.Embed.Fields != nil {
		t.Fatal("youtube embed has no metric fields")
	}
}

func TestCount(t *testing.T) {
	t.Parallel()
	tests := map[int64]string{
		0:         "0",
		999:       "999",
		1000:      "1K",
		1250:      "1.2K",
		2_000_000: "2M",
		3_450_000: "3.5M",
	}
	for in, want := range tests {
		if got := Count(in); got != want {
			t.Fatalf("Count(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := Truncate("  short  ", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("héllo world", 6); got != "héllo…" {
		t.Fatalf("got %q", got)
	}
}

func TestListAndStatus(t *testing.T) {
	t.Parallel()
	if got := List("X accounts", nil).Description; got != "Nothing tracked yet." {
		t.Fatalf("empty list = %q", got)
	}
	if got := List("X accounts", []string{"@nasa", "@esa"}).Description; got != "• @nasa\n• @esa" {
		t.Fatalf("list = %q", got)
	}

	e := Status(StatusView{
		SchedulerState: "idle",
		QuotaRemaining: 120,
		QuotaLimit:     180,
		QuotaResetAt:   time.Unix(1772367300, 0),
	})
	if e.Fields[1].Value != "not scheduled" || e.Fields[2].Value != "never" {
		t.Fatalf("fields = %+v %+v", e.Fields[1], e.Fields[2])
	}
	if e.Fields[3].Value != "120 / 180 (resets <t:1772367300:R>)" {
		t.Fatalf("quota = %q", e.Fields[3].Value)
	}
}
