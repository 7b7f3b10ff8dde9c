package router

import (
	"github.com/bwmarrin/discordgo"
)

const (
	optTwitterChannel = "twitter_channel"
	optYoutubeChannel = "youtube_channel"
	optHandle         = "handle"
	optChannelID      = "channel_id"
)

var manageGuild int64 = discordgo.PermissionManageGuild

func canManageGuild(perms int64) bool {
	return perms&(discordgo.PermissionManageGuild|discordgo.PermissionAdministrator) != 0
}

func (r *Router) buildRoutes() map[string]HandlerFunc {
	admin := MWRequireManageServer()
	return map[string]HandlerFunc{
		"setup":          Chain(r.handleSetup, admin),
		"twitter add":    Chain(r.handleTwitterAdd, admin),
		"twitter remove": Chain(r.handleTwitterRemove, admin),
		"twitter list":   r.handleTwitterList,
		"youtube add":    Chain(r.handleYoutubeAdd, admin),
		"youtube remove": Chain(r.handleYoutubeRemove, admin),
		"youtube list":   r.handleYoutubeList,
		"status":         r.handleStatus,
	}
}

// Commands returns the slash command definitions to register.
func Commands() []*discordgo.ApplicationCommand {
	noDM := false
	textChannels := []discordgo.ChannelType{discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews}
	return []*discordgo.ApplicationCommand{
		{
			Name:                     "setup",
			Description:              "Choose the channels that receive X posts and YouTube uploads",
			DefaultMemberPermissions: &manageGuild,
			DMPermission:             &noDM,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         optTwitterChannel,
					Description:  "Channel for X posts",
					ChannelTypes: textChannels,
					Required:     true,
				},
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         optYoutubeChannel,
					Description:  "Channel for YouTube uploads",
					ChannelTypes: textChannels,
					Required:     true,
				},
			},
		},
		{
			Name:                     "twitter",
			Description:              "Manage tracked X accounts",
			DefaultMemberPermissions: &manageGuild,
			DMPermission:             &noDM,
			Options: []*discordgo.ApplicationCommandOption{
				subcommand("add", "Start relaying an X account", stringOpt(optHandle, "Account handle, with or without @")),
				subcommand("remove", "Stop relaying an X account", stringOpt(optHandle, "Account handle, with or without @")),
				subcommand("list", "Show tracked X accounts"),
			},
		},
		{
			Name:                     "youtube",
			Description:              "Manage tracked YouTube channels",
			DefaultMemberPermissions: &manageGuild,
			DMPermission:             &noDM,
			Options: []*discordgo.ApplicationCommandOption{
				subcommand("add", "Start relaying a YouTube channel", stringOpt(optChannelID, "Channel id (starts with UC)")),
				subcommand("remove", "Stop relaying a YouTube channel", stringOpt(optChannelID, "Channel id (starts with UC)")),
				subcommand("list", "Show tracked YouTube channels"),
			},
		},
		{
			Name:         "status",
			Description:  "Show scheduler and quota status",
			DMPermission: &noDM,
		},
	}
}

func subcommand(name, desc string, opts ...*discordgo.ApplicationCommandOption) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        name,
		Description: desc,
		Options:     opts,
	}
}

func stringOpt(name, desc string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        name,
		Description: desc,
		Required:    true,
	}
}
