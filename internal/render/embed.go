// Package render turns relay items into Discord messages. Everything here
// is pure: no I/O, no clocks.
package render

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"relaybot/internal/relay"
)

// Discord embed limits.
const (
	maxTitle       = 256
	maxDescription = 4096
	maxAuthorName  = 256
	maxFieldValue  = 1024

	youtubeDescription = 300
)

const (
	ColorTwitter = 0x1DA1F2
	ColorYouTube = 0xFF0000
	ColorInfo    = 0x5865F2
	ColorError   = 0xED4245
)

// Message is what the adapter sends: optional plain content plus one embed.
type Message struct {
	Content string
	Embed   *discordgo.MessageEmbed
}

func Item(it relay.Item) Message {
	switch it.Source {
	case relay.SourceTwitter:
		return Message{Embed: twitterEmbed(it)}
	case relay.SourceYouTube:
		// The bare link lets the client unfurl the player.
		return Message{Content: it.URL, Embed: youtubeEmbed(it)}
	default:
		return Message{Content: it.URL}
	}
}

func twitterEmbed(it relay.Item) *discordgo.MessageEmbed {
	name := it.Author.Name
	if it.Author.Handle != "" {
		if name == "" {
			name = "@" + it.Author.Handle
		} else {
			name = fmt.Sprintf("%s (@%s)", name, it.Author.Handle)
		}
	}
	e := &discordgo.MessageEmbed{
		URL:         it.URL,
		Description: Truncate(it.Text, maxDescription),
		Color:       ColorTwitter,
		Author: &discordgo.MessageEmbedAuthor{
			Name:    Truncate(name, maxAuthorName),
			URL:     it.Author.URL,
			IconURL: it.Author.AvatarURL,
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: "X"},
		Timestamp: timestamp(it.PublishedAt),
	}
	if img := leadImage(it.Media); img != "" {
		e.Image = &discordgo.MessageEmbedImage{URL: img}
	}
	if m := it.Metrics; m != nil {
		e.Fields = []*discordgo.MessageEmbedField{
			{Name: "Likes", Value: Count(m.Likes), Inline: true},
			{Name: "Reposts", Value: Count(m.Reposts), Inline: true},
			{Name: "Replies", Value: Count(m.Replies), Inline: true},
		}
	}
	return e
}

func youtubeEmbed(it relay.Item) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		URL:         it.URL,
		Title:       Truncate(it.Title, maxTitle),
		Description: Truncate(it.Text, youtubeDescription),
		Color:       ColorYouTube,
		Author: &discordgo.MessageEmbedAuthor{
			Name:    Truncate(it.Author.Name, maxAuthorName),
			URL:     it.Author.URL,
			IconURL: it.Author.AvatarURL,
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: "YouTube"},
		Timestamp: timestamp(it.PublishedAt),
	}
	if img := leadImage(it.Media); img != "" {
		e.Image = &discordgo.MessageEmbedImage{URL: img}
	}
	return e
}

// leadImage picks the first displayable image: a photo url or the preview
// of a video.
func leadImage(media []relay.Media) string {
	for _, m := range media {
		switch m.Type {
		case "photo", "thumbnail":
			if m.URL != "" {
				return m.URL
			}
		case "video", "animated_gif":
			if m.PreviewURL != "" {
				return m.PreviewURL
			}
		}
	}
	return ""
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Count formats a metric compactly: 999, 1.2K, 3.4M.
func Count(n int64) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%d", n)
	case n < 1_000_000:
		return trimZero(fmt.Sprintf("%.1f", float64(n)/1000)) + "K"
	default:
		return trimZero(fmt.Sprintf("%.1f", float64(n)/1_000_000)) + "M"
	}
}

func trimZero(s string) string { return strings.TrimSuffix(s, ".0") }

// Truncate shortens s to at most n runes, ending with an ellipsis when cut.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
