// Package adapter connects the bot to Discord through a discordgo gateway
// session.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	rtsup "relaybot/internal/runtime/supervisor"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Token string
	AppID string
	// GuildID registers commands in one guild only (instant, for development).
	GuildID string
}

// Discord JSON error codes that retrying will not fix.
const (
	codeUnknownChannel     = 10003
	codeMissingAccess      = 50001
	codeMissingPermissions = 50013
)

type Adapter struct {
	cfg  Config
	log  logx.Logger
	sess *discordgo.Session

	out     atomic.Value // chan<- *kit.Interaction
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// dropped counts interactions lost because the router queue was full.
	dropped atomic.Uint64
	now     func() time.Time
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	sess, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuilds
	sess.ShouldReconnectOnError = true

	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.Comp("discord.adapter")), sess: sess, now: time.Now}
	var nilOut chan<- *kit.Interaction
	a.out.Store(nilOut)

	sess.AddHandler(a.onInteraction)
	sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.log.Info("gateway ready",
			logx.String("user", r.User.Username),
			logx.Int("guilds", len(r.Guilds)),
		)
	})
	return a, nil
}

// Supervisor exposes the adapter's goroutines for /healthz (nil when stopped).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) onInteraction(_ *discordgo.Session, ic *discordgo.InteractionCreate) {
	in, ok := toInteraction(ic, a.now())
	if !ok {
		return
	}
	out, _ := a.out.Load().(chan<- *kit.Interaction)
	if out == nil {
		return
	}
	select {
	case out <- in:
	default:
		a.dropped.Add(1)
	}
}

func toInteraction(ic *discordgo.InteractionCreate, now time.Time) (*kit.Interaction, bool) {
	if ic == nil || ic.Interaction == nil || ic.Type != discordgo.InteractionApplicationCommand {
		return nil, false
	}
	data := ic.ApplicationCommandData()
	in := &kit.Interaction{
		ID:         ic.ID,
		GuildID:    ic.GuildID,
		ChannelID:  ic.ChannelID,
		Command:    data.Name,
		Options:    map[string]string{},
		ReceivedAt: now,
		Raw:        ic.Interaction,
	}
	switch {
	case ic.Member != nil:
		in.MemberPermissions = ic.Member.Permissions
		if ic.Member.User != nil {
			in.UserID, in.Username = ic.Member.User.ID, ic.Member.User.Username
		}
	case ic.User != nil:
		in.UserID, in.Username = ic.User.ID, ic.User.Username
	}

	opts := data.Options
	if len(opts) == 1 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		in.Subcommand = opts[0].Name
		opts = opts[0].Options
	}
	for _, o := range opts {
		in.Options[o.Name] = optionString(o)
	}
	return in, true
}

func optionString(o *discordgo.ApplicationCommandInteractionDataOption) string {
	switch o.Type {
	case discordgo.ApplicationCommandOptionString:
		return strings.TrimSpace(o.StringValue())
	case discordgo.ApplicationCommandOptionInteger:
		return strconv.FormatInt(o.IntValue(), 10)
	case discordgo.ApplicationCommandOptionBoolean:
		return strconv.FormatBool(o.BoolValue())
	default:
		// Channel, user and role options carry the snowflake as a string.
		return fmt.Sprint(o.Value)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- *kit.Interaction) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	if err := a.sess.Open(); err != nil {
		a.runMu.Unlock()
		return fmt.Errorf("discord gateway open: %w", err)
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("interactions.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		report := func() {
			if n := a.dropped.Swap(0); n > 0 {
				a.log.Warn("interactions dropped (router queue full)", logx.Uint64("count", n), logx.Int("queue_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-t.C:
				report()
			}
		}
	})
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- *kit.Interaction
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	a.log.Info("stopping")
	if err := a.sess.Close(); err != nil {
		a.log.Warn("gateway close", logx.Err(err))
	}
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Debug("adapter supervisor stop", logx.Err(err))
	}
	return nil
}

func rawInteraction(in *kit.Interaction) (*discordgo.Interaction, error) {
	raw, ok := in.Raw.(*discordgo.Interaction)
	if !ok || raw == nil {
		return nil, errors.New("interaction has no discord handle")
	}
	return raw, nil
}

func (a *Adapter) Defer(ctx context.Context, in *kit.Interaction, ephemeral bool) error {
	raw, err := rawInteraction(in)
	if err != nil {
		return err
	}
	resp := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredChannelMessageWithSource}
	if ephemeral {
		resp.Data = &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral}
	}
	return a.sess.InteractionRespond(raw, resp, discordgo.WithContext(ctx))
}

func (a *Adapter) Respond(ctx context.Context, in *kit.Interaction, r kit.Reply) error {
	raw, err := rawInteraction(in)
	if err != nil {
		return err
	}
	edit := &discordgo.WebhookEdit{Content: &r.Content}
	if len(r.Embeds) > 0 {
		embeds := r.Embeds
		edit.Embeds = &embeds
	}
	_, err = a.sess.InteractionResponseEdit(raw, edit, discordgo.WithContext(ctx))
	return err
}

func (a *Adapter) Send(ctx context.Context, channelID string, msg kit.OutboundMessage) (string, error) {
	send := &discordgo.MessageSend{Content: msg.Content}
	if msg.Embed != nil {
		send.Embeds = []*discordgo.MessageEmbed{msg.Embed}
	}
	m, err := a.sess.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify(err)
	}
	return m.ID, nil
}

// classify wraps errors a retry cannot fix with kit.ErrPermanent.
func classify(err error) error {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return err
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case codeUnknownChannel, codeMissingAccess, codeMissingPermissions:
			return fmt.Errorf("%w: %v", kit.ErrPermanent, err)
		}
	}
	if rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden, http.StatusNotFound:
			return fmt.Errorf("%w: %v", kit.ErrPermanent, err)
		}
	}
	return err
}

func (a *Adapter) botUserID() (string, error) {
	if a.sess.State == nil || a.sess.State.User == nil {
		return "", errors.New("discord session not ready")
	}
	return a.sess.State.User.ID, nil
}

func (a *Adapter) BotPermissions(ctx context.Context, channelID string) (int64, error) {
	uid, err := a.botUserID()
	if err != nil {
		return 0, err
	}
	perms, err := a.sess.UserChannelPermissions(uid, channelID, discordgo.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("channel permissions %s: %w", channelID, err)
	}
	return perms, nil
}

func (a *Adapter) ChannelGuild(ctx context.Context, channelID string) (string, error) {
	if ch, err := a.sess.State.Channel(channelID); err == nil && ch != nil {
		return ch.GuildID, nil
	}
	ch, err := a.sess.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("channel %s: %w", channelID, err)
	}
	return ch.GuildID, nil
}

func (a *Adapter) RegisterCommands(ctx context.Context, cmds []*discordgo.ApplicationCommand) error {
	appID := a.cfg.AppID
	if appID == "" {
		uid, err := a.botUserID()
		if err != nil {
			return err
		}
		appID = uid
	}
	got, err := a.sess.ApplicationCommandBulkOverwrite(appID, a.cfg.GuildID, cmds, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	scope := "global"
	if a.cfg.GuildID != "" {
		scope = "guild:" + a.cfg.GuildID
	}
	a.log.Info("commands registered", logx.Int("count", len(got)), logx.String("scope", scope))
	return nil
}
