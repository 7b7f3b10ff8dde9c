// Package router executes slash commands. Each interaction is acknowledged
// within the platform's deadline, then its handler races a reply timeout: a
// slow handler keeps running detached while the user is told it timed out.
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/relay"
	"relaybot/internal/render"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/source/youtube"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Workers   int
	QueueSize int
	// AckDeadline is measured from receipt; later interactions are dropped.
	AckDeadline time.Duration
	// ReplyTimeout is how long the user waits for the handler's reply.
	ReplyTimeout time.Duration
	// HandlerTimeout caps the detached handler after a reply timeout.
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = max(2, runtime.NumCPU())
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.AckDeadline <= 0 {
		c.AckDeadline = time.Second
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 2500 * time.Millisecond
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

// Store is the persistence the commands touch.
type Store interface {
	AddTwitterAccount(ctx context.Context, handle string) (bool, error)
	RemoveTwitterAccount(ctx context.Context, handle string) (bool, error)
	ListTwitterAccounts(ctx context.Context) ([]relay.TwitterAccount, error)
	AddYoutubeChannel(ctx context.Context, ch relay.YoutubeChannel) (bool, error)
	RemoveYoutubeChannel(ctx context.Context, channelID string) (bool, error)
	ListYoutubeChannels(ctx context.Context) ([]relay.YoutubeChannel, error)
	UpsertDestination(ctx context.Context, d storage.Destination) error
	GetDestination(ctx context.Context, guildID string) (storage.Destination, error)
}

type ChannelResolver interface {
	ResolveChannel(ctx context.Context, channelID string) (youtube.ChannelInfo, error)
}

// StatusFunc reports scheduler and quota state; the router fills in the
// tracked entity counts.
type StatusFunc func() render.StatusView

type Request struct {
	In     *kit.Interaction
	ReqID  string
	Logger logx.Logger
}

type Router struct {
	cfg      Config
	log      logx.Logger
	adapter  kit.Adapter
	store    Store
	resolver ChannelResolver
	status   StatusFunc
	now      func() time.Time

	routes map[string]HandlerFunc

	runMu    sync.Mutex
	running  bool
	sup      *rtsup.Supervisor
	jobs     chan func()
	detached sync.WaitGroup
}

func New(cfg Config, adapter kit.Adapter, store Store, resolver ChannelResolver, status StatusFunc, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	r := &Router{
		cfg:      cfg,
		log:      log.With(logx.Comp("discord.router")),
		adapter:  adapter,
		store:    store,
		resolver: resolver,
		status:   status,
		now:      time.Now,
		jobs:     make(chan func(), cfg.QueueSize),
	}
	r.routes = r.buildRoutes()
	return r
}

func routeKey(in *kit.Interaction) string {
	return strings.TrimSpace(in.Command + " " + in.Subcommand)
}

// Supervisor returns the worker supervisor (nil if not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Run feeds interactions to the worker pool until ctx is done or in closes.
func (r *Router) Run(ctx context.Context, in <-chan *kit.Interaction) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.setSupervisor(sup, true)
	r.log.Info("command router started", logx.Int("workers", r.cfg.Workers), logx.Int("queue_cap", cap(r.jobs)))

	for i := range r.cfg.Workers {
		sup.GoRestart(fmt.Sprintf("command.worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second), rtsup.WithPublishFirstError(true))
	}

	defer func() {
		r.setSupervisor(sup, false)
		close(r.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		r.waitDetached(wctx)
		cancel()
		r.setSupervisor(nil, false)
		r.log.Info("command router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case it, ok := <-in:
			if !ok {
				return nil
			}
			if it == nil {
				continue
			}
			if !r.tryEnqueue(func() { r.handle(sup.Context(), it) }) {
				r.log.Warn("command queue full", logx.String("cmd", routeKey(it)))
				r.rejectBusy(ctx, it)
			}
		}
	}
}

func (r *Router) waitDetached(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("detached commands still running at shutdown")
	}
}

// ack sends the deferred acknowledgement, or reports false when the
// interaction is already past its deadline or the ack failed.
func (r *Router) ack(root context.Context, req *Request) bool {
	deadline := req.In.ReceivedAt.Add(r.cfg.AckDeadline)
	if !r.now().Before(deadline) {
		req.Logger.Warn("interaction expired before acknowledgement",
			logx.Duration("age", r.now().Sub(req.In.ReceivedAt)))
		return false
	}
	ctx, cancel := context.WithDeadline(root, deadline)
	defer cancel()
	if err := r.adapter.Defer(ctx, req.In, true); err != nil {
		req.Logger.Warn("acknowledgement failed", logx.Err(err))
		return false
	}
	return true
}

func (r *Router) respond(root context.Context, req *Request, reply kit.Reply) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(root), 3*time.Second)
	defer cancel()
	if err := r.adapter.Respond(ctx, req.In, reply); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}
}

func (r *Router) rejectBusy(root context.Context, in *kit.Interaction) {
	req := r.newRequest(in)
	if r.ack(root, req) {
		r.respond(root, req, kit.Reply{Content: msgBusy})
	}
}

func (r *Router) newRequest(in *kit.Interaction) *Request {
	rid := uuid.NewString()
	return &Request{
		In:    in,
		ReqID: rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.String("guild", in.GuildID),
			logx.String("user", in.UserID),
			logx.String("cmd", routeKey(in)),
		),
	}
}

type outcome struct {
	reply kit.Reply
	err   error
}

func (r *Router) handle(root context.Context, in *kit.Interaction) {
	req := r.newRequest(in)
	if !r.ack(root, req) {
		return
	}

	h, ok := r.routes[routeKey(in)]
	if !ok {
		r.respond(root, req, kit.Reply{Content: "Unknown command."})
		return
	}
	final := Chain(h,
		MWPanicRecover(),
		MWRequestLog(),
		MWTimeout(r.cfg.HandlerTimeout),
	)

	// Shutdown must not abort a half-done write; the handler has its own cap.
	done := make(chan outcome, 1)
	r.detached.Add(1)
	go func() {
		defer r.detached.Done()
		reply, err := final(context.WithoutCancel(root), req)
		done <- outcome{reply: reply, err: err}
	}()

	t := time.NewTimer(r.cfg.ReplyTimeout)
	defer t.Stop()
	select {
	case res := <-done:
		if res.err != nil {
			res.reply = kit.Reply{Content: userMessage(res.err)}
		}
		r.respond(root, req, res.reply)
	case <-t.C:
		req.Logger.Info("reply timeout, handler continues in background")
		r.respond(root, req, kit.Reply{Content: msgTimedOut})
	}
}

func isStorageNotFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }
