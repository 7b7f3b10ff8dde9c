package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"relaybot/internal/relay"
	"relaybot/internal/render"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

var _ relay.Dispatcher = (*Service)(nil)

// Dispatch fans an item out to every guild that has a destination channel
// for the item's source. Guilds whose channel the bot cannot post in are
// skipped. The returned error joins per-destination enqueue failures.
func (s *Service) Dispatch(ctx context.Context, item relay.Item) error {
	if s.store == nil {
		return errors.New("notifier has no store")
	}
	dests, err := s.store.ListDestinations(ctx)
	if err != nil {
		return fmt.Errorf("list destinations: %w", err)
	}

	msg := render.Item(item)
	out := kit.OutboundMessage{Content: msg.Content, Embed: msg.Embed}

	var errs []error
	for _, dst := range dests {
		channelID := dst.ChannelFor(item.Source)
		if channelID == "" {
			continue
		}
		d := Delivery{GuildID: dst.GuildID, ChannelID: channelID, Source: item.Source, ItemID: item.ID, Message: out}
		if reason := s.checkChannel(ctx, channelID); reason != "" {
			s.log.Debug("destination skipped",
				logx.String("guild", dst.GuildID),
				logx.String("channel", channelID),
				logx.String("reason", reason),
			)
			s.publish(EventSkipped, d, 0, errors.New(reason))
			continue
		}
		if err := s.Enqueue(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("guild %s: %w", dst.GuildID, err))
		}
	}
	return errors.Join(errs...)
}

// checkChannel returns "" when the bot can deliver to channelID, or a short
// reason otherwise.
func (s *Service) checkChannel(ctx context.Context, channelID string) string {
	perms, err := s.sender.BotPermissions(ctx, channelID)
	if err != nil {
		return "permission lookup failed: " + err.Error()
	}
	if missing := kit.Missing(perms, kit.DeliveryPermissions); len(missing) > 0 {
		return "missing " + strings.Join(missing, ", ")
	}
	return ""
}
