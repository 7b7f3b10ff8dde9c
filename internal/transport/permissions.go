package transport

import "github.com/bwmarrin/discordgo"

// Permission is a named Discord permission bit.
type Permission struct {
	Bit  int64
	Name string
}

// DeliveryPermissions are what the bot needs in a destination channel.
var DeliveryPermissions = []Permission{
	{Bit: discordgo.PermissionViewChannel, Name: "View Channel"},
	{Bit: discordgo.PermissionSendMessages, Name: "Send Messages"},
	{Bit: discordgo.PermissionEmbedLinks, Name: "Embed Links"},
}

// Missing lists the names of required permissions absent from have.
// Administrator implies everything.
func Missing(have int64, required []Permission) []string {
	if have&discordgo.PermissionAdministrator != 0 {
		return nil
	}
	var out []string
	for _, p := range required {
		if have&p.Bit == 0 {
			out = append(out, p.Name)
		}
	}
	return out
}
