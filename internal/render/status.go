package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// StatusView is the data shown by the status command.
type StatusView struct {
	SchedulerState string
	NextTick       time.Time
	LastPassAt     time.Time
	LastPassItems  int
	LastPassErr    string

	QuotaRemaining int
	QuotaLimit     int
	QuotaResetAt   time.Time
	Backoff        time.Duration

	TwitterAccounts int
	YoutubeChannels int
}

func Status(v StatusView) *discordgo.MessageEmbed {
	quota := fmt.Sprintf("%d / %d", v.QuotaRemaining, v.QuotaLimit)
	if !v.QuotaResetAt.IsZero() {
		quota += " (resets " + relTime(v.QuotaResetAt) + ")"
	}
	if v.Backoff > 0 {
		quota += fmt.Sprintf("\nbackoff %s", v.Backoff)
	}

	last := "never"
	if !v.LastPassAt.IsZero() {
		last = fmt.Sprintf("%s, %d item(s)", relTime(v.LastPassAt), v.LastPassItems)
		if v.LastPassErr != "" {
			last += "\nerror: " + Truncate(v.LastPassErr, 200)
		}
	}

	next := "not scheduled"
	if !v.NextTick.IsZero() {
		next = relTime(v.NextTick)
	}

	return &discordgo.MessageEmbed{
		Title: "Relay status",
		Color: ColorInfo,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Scheduler", Value: v.SchedulerState, Inline: true},
			{Name: "Next pass", Value: next, Inline: true},
			{Name: "Last pass", Value: Truncate(last, maxFieldValue)},
			{Name: "X quota", Value: quota},
			{Name: "Tracked", Value: fmt.Sprintf("%d X account(s), %d YouTube channel(s)", v.TwitterAccounts, v.YoutubeChannels)},
		},
	}
}

// List renders a titled bullet list, or a placeholder when empty.
func List(title string, lines []string) *discordgo.MessageEmbed {
	desc := "Nothing tracked yet."
	if len(lines) > 0 {
		var b strings.Builder
		for _, l := range lines {
			next := "• " + l + "\n"
			if b.Len()+len(next) > maxDescription-16 {
				b.WriteString("…")
				break
			}
			b.WriteString(next)
		}
		desc = strings.TrimRight(b.String(), "\n")
	}
	return &discordgo.MessageEmbed{Title: title, Description: desc, Color: ColorInfo}
}

// relTime uses Discord's client-side relative timestamp markup.
func relTime(t time.Time) string {
	return fmt.Sprintf("<t:%d:R>", t.Unix())
}
