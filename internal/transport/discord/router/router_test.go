package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"relaybot/internal/relay"
	"relaybot/internal/render"
	"relaybot/internal/source/youtube"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const allPerms = discordgo.PermissionViewChannel | discordgo.PermissionSendMessages | discordgo.PermissionEmbedLinks

type fakeAdapter struct {
	mu       sync.Mutex
	defers   int
	replies  []kit.Reply
	perms    map[string]int64
	guilds   map[string]string
	ackError error
}

func (a *fakeAdapter) Start(context.Context, chan<- *kit.Interaction) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                          { return nil }

func (a *fakeAdapter) Defer(context.Context, *kit.Interaction, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.defers++
	return a.ackError
}

func (a *fakeAdapter) Respond(_ context.Context, _ *kit.Interaction, r kit.Reply) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies = append(a.replies, r)
	return nil
}

func (a *fakeAdapter) Send(context.Context, string, kit.OutboundMessage) (string, error) {
	return "", nil
}

func (a *fakeAdapter) BotPermissions(_ context.Context, channelID string) (int64, error) {
	return a.perms[channelID], nil
}

func (a *fakeAdapter) ChannelGuild(_ context.Context, channelID string) (string, error) {
	g, ok := a.guilds[channelID]
	if !ok {
		return "", errors.New("unknown channel")
	}
	return g, nil
}

func (a *fakeAdapter) RegisterCommands(context.Context, []*discordgo.ApplicationCommand) error {
	return nil
}

func (a *fakeAdapter) lastReply(t *testing.T) kit.Reply {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.replies) == 0 {
		t.Fatalf("no reply sent")
	}
	return a.replies[len(a.replies)-1]
}

type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]bool
	channels map[string]relay.YoutubeChannel
	dest     map[string]storage.Destination
	upserts  int
	fail     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: map[string]bool{},
		channels: map[string]relay.YoutubeChannel{},
		dest:     map[string]storage.Destination{},
	}
}

func (s *fakeStore) AddTwitterAccount(_ context.Context, h string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return false, s.fail
	}
	if s.accounts[h] {
		return false, nil
	}
	s.accounts[h] = true
	return true, nil
}

func (s *fakeStore) RemoveTwitterAccount(_ context.Context, h string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return false, s.fail
	}
	ok := s.accounts[h]
	delete(s.accounts, h)
	return ok, nil
}

func (s *fakeStore) ListTwitterAccounts(context.Context) ([]relay.TwitterAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []relay.TwitterAccount
	for h := range s.accounts {
		out = append(out, relay.TwitterAccount{Handle: h})
	}
	return out, s.fail
}

func (s *fakeStore) AddYoutubeChannel(_ context.Context, ch relay.YoutubeChannel) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ch.ChannelID]; ok {
		return false, nil
	}
	s.channels[ch.ChannelID] = ch
	return true, nil
}

func (s *fakeStore) RemoveYoutubeChannel(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[id]
	delete(s.channels, id)
	return ok, nil
}

func (s *fakeStore) ListYoutubeChannels(context.Context) ([]relay.YoutubeChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []relay.YoutubeChannel
	for _, c := range s.channels {
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeStore) UpsertDestination(_ context.Context, d storage.Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.upserts++
	s.dest[d.GuildID] = d
	return nil
}

func (s *fakeStore) GetDestination(_ context.Context, guildID string) (storage.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dest[guildID]
	if !ok {
		return storage.Destination{}, storage.ErrNotFound
	}
	return d, nil
}

type fakeResolver map[string]string

func (f fakeResolver) ResolveChannel(_ context.Context, id string) (youtube.ChannelInfo, error) {
	title, ok := f[id]
	if !ok {
		return youtube.ChannelInfo{}, youtube.ErrChannelNotFound
	}
	return youtube.ChannelInfo{ID: id, Title: title}, nil
}

const ytID = "UCabcdefghijklmnopqrstuv"

func newTestRouter(cfg Config) (*Router, *fakeAdapter, *fakeStore) {
	ad := &fakeAdapter{
		perms:  map[string]int64{},
		guilds: map[string]string{},
	}
	st := newFakeStore()
	status := func() render.StatusView { return render.StatusView{SchedulerState: "idle", QuotaLimit: 180} }
	r := New(cfg, ad, st, fakeResolver{ytID: "Some Channel"}, status, logx.Nop())
	return r, ad, st
}

func interaction(cmd, sub string, opts map[string]string) *kit.Interaction {
	return &kit.Interaction{
		ID:                "i1",
		GuildID:           "g1",
		ChannelID:         "c0",
		UserID:            "u1",
		Command:           cmd,
		Subcommand:        sub,
		Options:           opts,
		MemberPermissions: discordgo.PermissionManageGuild,
		ReceivedAt:        time.Now(),
	}
}

func TestHandleDropsExpiredInteraction(t *testing.T) {
	t.Parallel()
	r, ad, _ := newTestRouter(Config{})
	in := interaction("status", "", nil)
	r.now = func() time.Time { return in.ReceivedAt.Add(2 * time.Second) }

	r.handle(context.Background(), in)

	if ad.defers != 0 || len(ad.replies) != 0 {
		t.Fatalf("expired interaction was answered: defers=%d replies=%d", ad.defers, len(ad.replies))
	}
}

func TestHandleStopsWhenAckFails(t *testing.T) {
	t.Parallel()
	r, ad, st := newTestRouter(Config{})
	ad.ackError = errors.New("unknown interaction")

	r.handle(context.Background(), interaction("twitter", "add", map[string]string{optHandle: "golang"}))

	if len(ad.replies) != 0 {
		t.Fatalf("replied after failed ack")
	}
	if len(st.accounts) != 0 {
		t.Fatalf("handler ran after failed ack")
	}
}

func TestHandleReplyTimeoutLetsHandlerFinish(t *testing.T) {
	t.Parallel()
	r, ad, _ := newTestRouter(Config{ReplyTimeout: 20 * time.Millisecond})
	release := make(chan struct{})
	finished := make(chan struct{})
	r.routes["slow"] = func(ctx context.Context, _ *Request) (kit.Reply, error) {
		<-release
		close(finished)
		return kit.Reply{Content: "done"}, nil
	}

	r.handle(context.Background(), interaction("slow", "", nil))
	if got := ad.lastReply(t).Content; got != msgTimedOut {
		t.Fatalf("reply=%q want timeout message", got)
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("detached handler did not complete")
	}
	r.detached.Wait()

	ad.mu.Lock()
	n := len(ad.replies)
	ad.mu.Unlock()
	if n != 1 {
		t.Fatalf("replies=%d want 1", n)
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	t.Parallel()
	r, ad, _ := newTestRouter(Config{})
	r.handle(context.Background(), interaction("nope", "", nil))
	if got := ad.lastReply(t).Content; got != "Unknown command." {
		t.Fatalf("reply=%q", got)
	}
}

func TestHandleRecoversPanic(t *testing.T) {
	t.Parallel()
	r, ad, _ := newTestRouter(Config{})
	r.routes["boom"] = func(context.Context, *Request) (kit.Reply, error) { panic("boom") }
	r.handle(context.Background(), interaction("boom", "", nil))
	if got := ad.lastReply(t).Content; got != msgRetryLater {
		t.Fatalf("reply=%q", got)
	}
}

func TestManageServerRequired(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		perms int64
		guild string
		want  string
	}{
		{"no permission", discordgo.PermissionSendMessages, "g1", "Manage Server"},
		{"outside guild", discordgo.PermissionManageGuild, "", "inside a server"},
		{"administrator", discordgo.PermissionAdministrator, "g1", "Now tracking @golang"},
		{"manage server", discordgo.PermissionManageGuild, "g1", "Now tracking @golang"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, ad, _ := newTestRouter(Config{})
			in := interaction("twitter", "add", map[string]string{optHandle: "@GoLang"})
			in.MemberPermissions = tc.perms
			in.GuildID = tc.guild
			r.handle(context.Background(), in)
			if got := ad.lastReply(t).Content; !strings.Contains(got, tc.want) {
				t.Fatalf("reply=%q want substring %q", got, tc.want)
			}
		})
	}
}

func TestListOpenToEveryone(t *testing.T) {
	t.Parallel()
	r, ad, st := newTestRouter(Config{})
	st.accounts["golang"] = true
	in := interaction("twitter", "list", nil)
	in.MemberPermissions = 0
	r.handle(context.Background(), in)

	reply := ad.lastReply(t)
	if len(reply.Embeds) != 1 || !strings.Contains(reply.Embeds[0].Description, "@golang") {
		t.Fatalf("reply=%+v", reply)
	}
}

func TestTwitterAddRemove(t *testing.T) {
	t.Parallel()
	r, _, st := newTestRouter(Config{})
	ctx := context.Background()
	req := func(h string) *Request { return r.newRequest(interaction("twitter", "add", map[string]string{optHandle: h})) }

	cases := []struct {
		fn   HandlerFunc
		arg  string
		want string
		ue   bool
	}{
		{r.handleTwitterAdd, "@Golang", "Now tracking @golang", false},
		{r.handleTwitterAdd, "golang", "already tracked", false},
		{r.handleTwitterAdd, "not a handle", "not a valid X handle", true},
		{r.handleTwitterAdd, "sixteen_chars_xx", "not a valid X handle", true},
		{r.handleTwitterRemove, "GOLANG", "Stopped tracking @golang", false},
		{r.handleTwitterRemove, "golang", "was not tracked", false},
	}
	for i, tc := range cases {
		reply, err := tc.fn(ctx, req(tc.arg))
		var got string
		if tc.ue {
			var ue *UserError
			if !errors.As(err, &ue) {
				t.Fatalf("case %d: err=%v want UserError", i, err)
			}
			got = ue.Msg
		} else {
			if err != nil {
				t.Fatalf("case %d: %v", i, err)
			}
			got = reply.Content
		}
		if !strings.Contains(got, tc.want) {
			t.Fatalf("case %d: got %q want substring %q", i, got, tc.want)
		}
	}
	if len(st.accounts) != 0 {
		t.Fatalf("accounts=%v", st.accounts)
	}
}

func TestYoutubeAddVerifiesChannel(t *testing.T) {
	t.Parallel()
	r, _, st := newTestRouter(Config{})
	ctx := context.Background()
	req := func(id string) *Request {
		return r.newRequest(interaction("youtube", "add", map[string]string{optChannelID: id}))
	}

	if _, err := r.handleYoutubeAdd(ctx, req("nope")); userMessage(err) == msgRetryLater {
		t.Fatalf("malformed id: %v", err)
	}
	_, err := r.handleYoutubeAdd(ctx, req("UC"+strings.Repeat("z", 22)))
	if err == nil || !strings.Contains(userMessage(err), "has no channel") {
		t.Fatalf("unknown channel: %v", err)
	}

	reply, err := r.handleYoutubeAdd(ctx, req(ytID))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(reply.Content, "Some Channel") {
		t.Fatalf("reply=%q", reply.Content)
	}
	if st.channels[ytID].Title != "Some Channel" {
		t.Fatalf("stored=%+v", st.channels[ytID])
	}
}

func TestSetupEnumeratesMissingPermissions(t *testing.T) {
	t.Parallel()
	r, _, st := newTestRouter(Config{})
	ad := r.adapter.(*fakeAdapter)
	ad.guilds["tw"] = "g1"
	ad.guilds["yt"] = "g1"
	ad.perms["tw"] = discordgo.PermissionViewChannel | discordgo.PermissionSendMessages
	ad.perms["yt"] = allPerms

	in := interaction("setup", "", map[string]string{optTwitterChannel: "tw", optYoutubeChannel: "yt"})
	_, err := r.handleSetup(context.Background(), r.newRequest(in))
	msg := userMessage(err)
	if !strings.Contains(msg, "Embed Links") || !strings.Contains(msg, "<#tw>") {
		t.Fatalf("message=%q", msg)
	}
	if strings.Contains(msg, "<#yt>") {
		t.Fatalf("fully permitted channel reported: %q", msg)
	}
	if st.upserts != 0 {
		t.Fatalf("destination saved despite missing permissions")
	}
}

func TestSetupRejectsForeignChannel(t *testing.T) {
	t.Parallel()
	r, ad, _ := newTestRouter(Config{})
	ad.guilds["tw"] = "other"
	ad.guilds["yt"] = "g1"
	ad.perms["tw"], ad.perms["yt"] = allPerms, allPerms

	in := interaction("setup", "", map[string]string{optTwitterChannel: "tw", optYoutubeChannel: "yt"})
	_, err := r.handleSetup(context.Background(), r.newRequest(in))
	if !strings.Contains(userMessage(err), "not in this server") {
		t.Fatalf("err=%v", err)
	}
}

func TestSetupIsIdempotent(t *testing.T) {
	t.Parallel()
	r, ad, st := newTestRouter(Config{})
	ad.guilds["tw"], ad.guilds["yt"] = "g1", "g1"
	ad.perms["tw"], ad.perms["yt"] = allPerms, discordgo.PermissionAdministrator

	in := interaction("setup", "", map[string]string{optTwitterChannel: "tw", optYoutubeChannel: "yt"})
	for range 2 {
		if _, err := r.handleSetup(context.Background(), r.newRequest(in)); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	if st.upserts != 2 || len(st.dest) != 1 {
		t.Fatalf("upserts=%d rows=%d", st.upserts, len(st.dest))
	}
	if d := st.dest["g1"]; d.TwitterChannelID != "tw" || d.YoutubeChannelID != "yt" {
		t.Fatalf("dest=%+v", d)
	}
}

func TestStorageErrorShowsGenericMessage(t *testing.T) {
	t.Parallel()
	r, ad, st := newTestRouter(Config{})
	st.fail = errors.New("database is locked")
	r.handle(context.Background(), interaction("twitter", "add", map[string]string{optHandle: "golang"}))
	if got := ad.lastReply(t).Content; got != msgRetryLater {
		t.Fatalf("reply=%q", got)
	}
}

func TestStatusReportsDestination(t *testing.T) {
	t.Parallel()
	r, _, st := newTestRouter(Config{})
	st.accounts["a"], st.accounts["b"] = true, true
	req := r.newRequest(interaction("status", "", nil))

	reply, err := r.handleStatus(context.Background(), req)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(reply.Content, "/setup") {
		t.Fatalf("content=%q", reply.Content)
	}
	if len(reply.Embeds) != 1 {
		t.Fatalf("embeds=%d", len(reply.Embeds))
	}
	found := false
	for _, f := range reply.Embeds[0].Fields {
		if f.Name == "Tracked" && strings.HasPrefix(f.Value, "2 X account(s)") {
			found = true
		}
	}
	if !found {
		t.Fatalf("tracked count missing: %+v", reply.Embeds[0].Fields)
	}

	st.dest["g1"] = storage.Destination{GuildID: "g1", TwitterChannelID: "tw"}
	reply, _ = r.handleStatus(context.Background(), req)
	if !strings.Contains(reply.Content, "<#tw>") || !strings.Contains(reply.Content, "not set") {
		t.Fatalf("content=%q", reply.Content)
	}
}

func TestCommandDefinitions(t *testing.T) {
	t.Parallel()
	cmds := Commands()
	byName := map[string]*discordgo.ApplicationCommand{}
	for _, c := range cmds {
		byName[c.Name] = c
	}
	for _, name := range []string{"setup", "twitter", "youtube", "status"} {
		if byName[name] == nil {
			t.Fatalf("missing command %q", name)
		}
	}
	if p := byName["setup"].DefaultMemberPermissions; p == nil || *p != discordgo.PermissionManageGuild {
		t.Fatalf("setup default permissions=%v", p)
	}
	if byName["status"].DefaultMemberPermissions != nil {
		t.Fatalf("status should be visible to everyone")
	}

	r, _, _ := newTestRouter(Config{})
	for _, c := range cmds {
		if len(c.Options) > 0 && c.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
			for _, sub := range c.Options {
				if _, ok := r.routes[c.Name+" "+sub.Name]; !ok {
					t.Fatalf("no route for %s %s", c.Name, sub.Name)
				}
			}
			continue
		}
		if _, ok := r.routes[c.Name]; !ok {
			t.Fatalf("no route for %s", c.Name)
		}
	}
}
