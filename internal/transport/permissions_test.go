package transport

import (
	"reflect"
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestMissing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		have int64
		want []string
	}{
		{name: "none", have: 0, want: []string{"View Channel", "Send Messages", "Embed Links"}},
		{name: "all", have: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages | discordgo.PermissionEmbedLinks},
		{name: "admin", have: discordgo.PermissionAdministrator},
		{name: "no embeds", have: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages, want: []string{"Embed Links"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Missing(tt.have, DeliveryPermissions); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Missing = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInteractionOption(t *testing.T) {
	t.Parallel()
	var nilIn *Interaction
	if nilIn.Option("x") != "" {
		t.Fatal("nil interaction")
	}
	in := &Interaction{Options: map[string]string{"handle": "nasa"}}
	if in.Option("handle") != "nasa" || in.Option("other") != "" {
		t.Fatal("option lookup")
	}
}
