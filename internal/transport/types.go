// Package transport describes the chat platform as the rest of the bot
// sees it: incoming slash command interactions and outgoing messages.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Interaction is one slash command invocation.
type Interaction struct {
	ID        string
	GuildID   string
	ChannelID string
	UserID    string
	Username  string

	Command    string // top-level command name
	Subcommand string // "" when the command has no subcommands
	Options    map[string]string

	// MemberPermissions is the invoking member's permission set in the
	// channel the command was used in.
	MemberPermissions int64
	ReceivedAt        time.Time

	// Raw is the adapter's native handle, needed to respond.
	Raw any
}

// Option returns a named option value or "".
func (in *Interaction) Option(name string) string {
	if in == nil || in.Options == nil {
		return ""
	}
	return in.Options[name]
}

// Reply is the body of a command response.
type Reply struct {
	Content string
	Embeds  []*discordgo.MessageEmbed
}

// OutboundMessage is a message posted to a channel.
type OutboundMessage struct {
	Content string
	Embed   *discordgo.MessageEmbed
}

type Adapter interface {
	Start(ctx context.Context, out chan<- *Interaction) error
	Stop(ctx context.Context) error

	// Defer acknowledges an interaction; the body follows with Respond.
	Defer(ctx context.Context, in *Interaction, ephemeral bool) error
	Respond(ctx context.Context, in *Interaction, r Reply) error

	Send(ctx context.Context, channelID string, msg OutboundMessage) (messageID string, err error)

	// BotPermissions returns the bot's effective permissions in a channel.
	BotPermissions(ctx context.Context, channelID string) (int64, error)
	// ChannelGuild returns the guild a channel belongs to.
	ChannelGuild(ctx context.Context, channelID string) (string, error)

	RegisterCommands(ctx context.Context, cmds []*discordgo.ApplicationCommand) error
}

// ErrPermanent marks send failures a retry cannot fix (missing access,
// unknown channel).
var ErrPermanent = errors.New("permanent delivery failure")
