package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"relaybot/internal/relay"
	"relaybot/internal/render"
	"relaybot/internal/source/youtube"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
)

func text(format string, args ...any) kit.Reply {
	return kit.Reply{Content: fmt.Sprintf(format, args...)}
}

func mention(channelID string) string { return "<#" + channelID + ">" }

func (r *Router) handleSetup(ctx context.Context, req *Request) (kit.Reply, error) {
	twitterCh := req.In.Option(optTwitterChannel)
	youtubeCh := req.In.Option(optYoutubeChannel)
	if twitterCh == "" || youtubeCh == "" {
		return kit.Reply{}, userErr("Both `%s` and `%s` are required.", optTwitterChannel, optYoutubeChannel)
	}

	var problems []string
	for _, ch := range uniq(twitterCh, youtubeCh) {
		guild, err := r.adapter.ChannelGuild(ctx, ch)
		if err != nil {
			problems = append(problems, fmt.Sprintf("I can't see %s.", mention(ch)))
			continue
		}
		if guild != req.In.GuildID {
			problems = append(problems, fmt.Sprintf("%s is not in this server.", mention(ch)))
			continue
		}
		perms, err := r.adapter.BotPermissions(ctx, ch)
		if err != nil {
			return kit.Reply{}, fmt.Errorf("bot permissions in %s: %w", ch, err)
		}
		if missing := kit.Missing(perms, kit.DeliveryPermissions); len(missing) > 0 {
			problems = append(problems, fmt.Sprintf("I'm missing %s in %s.", strings.Join(missing, ", "), mention(ch)))
		}
	}
	if len(problems) > 0 {
		return kit.Reply{}, userErr("%s", strings.Join(problems, "\n"))
	}

	err := r.store.UpsertDestination(ctx, storage.Destination{
		GuildID:          req.In.GuildID,
		TwitterChannelID: twitterCh,
		YoutubeChannelID: youtubeCh,
	})
	if err != nil {
		return kit.Reply{}, fmt.Errorf("save destination: %w", err)
	}
	return text("Saved. X posts go to %s, YouTube uploads go to %s.", mention(twitterCh), mention(youtubeCh)), nil
}

func uniq(ids ...string) []string {
	out := ids[:0:0]
	seen := map[string]bool{}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func handleArg(req *Request) (string, error) {
	h := relay.NormalizeHandle(req.In.Option(optHandle))
	if !relay.ValidHandle(h) {
		return "", userErr("`%s` is not a valid X handle (1 to 15 letters, digits or underscores).", req.In.Option(optHandle))
	}
	return h, nil
}

func (r *Router) handleTwitterAdd(ctx context.Context, req *Request) (kit.Reply, error) {
	h, err := handleArg(req)
	if err != nil {
		return kit.Reply{}, err
	}
	added, err := r.store.AddTwitterAccount(ctx, h)
	if err != nil {
		return kit.Reply{}, fmt.Errorf("add twitter account: %w", err)
	}
	if !added {
		return text("@%s is already tracked.", h), nil
	}
	return text("Now tracking @%s. New posts appear on the next pass.", h), nil
}

func (r *Router) handleTwitterRemove(ctx context.Context, req *Request) (kit.Reply, error) {
	h, err := handleArg(req)
	if err != nil {
		return kit.Reply{}, err
	}
	removed, err := r.store.RemoveTwitterAccount(ctx, h)
	if err != nil {
		return kit.Reply{}, fmt.Errorf("remove twitter account: %w", err)
	}
	if !removed {
		return text("@%s was not tracked.", h), nil
	}
	return text("Stopped tracking @%s.", h), nil
}

func (r *Router) handleTwitterList(ctx context.Context, _ *Request) (kit.Reply, error) {
	accounts, err := r.store.ListTwitterAccounts(ctx)
	if err != nil {
		return kit.Reply{}, fmt.Errorf("list twitter accounts: %w", err)
	}
	lines := make([]string, 0, len(accounts))
	for _, a := range accounts {
		lines = append(lines, fmt.Sprintf("[@%s](https://x.com/%s)", a.Handle, a.Handle))
	}
	return kit.Reply{Embeds: []*discordgo.MessageEmbed{render.List("Tracked X accounts", lines)}}, nil
}

func channelArg(req *Request) (string, error) {
	id := strings.TrimSpace(req.In.Option(optChannelID))
	if !relay.ValidChannelID(id) {
		return "", userErr("`%s` is not a YouTube channel id. It starts with `UC` and is 24 characters long.", id)
	}
	return id, nil
}

func (r *Router) handleYoutubeAdd(ctx context.Context, req *Request) (kit.Reply, error) {
	id, err := channelArg(req)
	if err != nil {
		return kit.Reply{}, err
	}
	info, err := r.resolver.ResolveChannel(ctx, id)
	switch {
	case errors.Is(err, youtube.ErrChannelNotFound):
		return kit.Reply{}, userErr("YouTube has no channel `%s`.", id)
	case err != nil:
		return kit.Reply{}, fmt.Errorf("resolve channel: %w", err)
	}
	added, err := r.store.AddYoutubeChannel(ctx, relay.YoutubeChannel{ChannelID: info.ID, Title: info.Title})
	if err != nil {
		return kit.Reply{}, fmt.Errorf("add youtube channel: %w", err)
	}
	if !added {
		return text("**%s** is already tracked.", info.Title), nil
	}
	return text("Now tracking **%s**. Uploads appear on the next pass.", info.Title), nil
}

func (r *Router) handleYoutubeRemove(ctx context.Context, req *Request) (kit.Reply, error) {
	id, err := channelArg(req)
	if err != nil {
		return kit.Reply{}, err
	}
	removed, err := r.store.RemoveYoutubeChannel(ctx, id)
	if err != nil {
		return kit.Reply{}, fmt.Errorf("remove youtube channel: %w", err)
	}
	if !removed {
		return text("`%s` was not tracked.", id), nil
	}
	return text("Stopped tracking `%s`.", id), nil
}

func (r *Router) handleYoutubeList(ctx context.Context, _ *Request) (kit.Reply, error) {
	channels, err := r.store.ListYoutubeChannels(ctx)
	if err != nil {
		return kit.Reply{}, fmt.Errorf("list youtube channels: %w", err)
	}
	lines := make([]string, 0, len(channels))
	for _, c := range channels {
		title := c.Title
		if title == "" {
			title = c.ChannelID
		}
		lines = append(lines, fmt.Sprintf("[%s](https://www.youtube.com/channel/%s)", title, c.ChannelID))
	}
	return kit.Reply{Embeds: []*discordgo.MessageEmbed{render.List("Tracked YouTube channels", lines)}}, nil
}

func (r *Router) handleStatus(ctx context.Context, req *Request) (kit.Reply, error) {
	var v render.StatusView
	if r.status != nil {
		v = r.status()
	}
	accounts, err := r.store.ListTwitterAccounts(ctx)
	if err != nil {
		return kit.Reply{}, fmt.Errorf("list twitter accounts: %w", err)
	}
	channels, err := r.store.ListYoutubeChannels(ctx)
	if err != nil {
		return kit.Reply{}, fmt.Errorf("list youtube channels: %w", err)
	}
	v.TwitterAccounts, v.YoutubeChannels = len(accounts), len(channels)

	reply := kit.Reply{Embeds: []*discordgo.MessageEmbed{render.Status(v)}}
	if req.In.GuildID != "" {
		dst, err := r.store.GetDestination(ctx, req.In.GuildID)
		switch {
		case isStorageNotFound(err):
			reply.Content = "This server has no destination channels yet. Run `/setup` first."
		case err != nil:
			return kit.Reply{}, fmt.Errorf("get destination: %w", err)
		default:
			reply.Content = fmt.Sprintf("X → %s, YouTube → %s", mentionOrNone(dst.TwitterChannelID), mentionOrNone(dst.YoutubeChannelID))
		}
	}
	return reply, nil
}

func mentionOrNone(id string) string {
	if id == "" {
		return "not set"
	}
	return mention(id)
}
