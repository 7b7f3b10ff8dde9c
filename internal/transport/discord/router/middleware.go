package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) (kit.Reply, error)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// MWTimeout bounds the whole handler, including work that continues after
// the user was told the command timed out.
func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (kit.Reply, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (reply kit.Reply, err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWRequireManageServer rejects members without Manage Server (or
// Administrator) in the invoking guild.
func MWRequireManageServer() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (kit.Reply, error) {
			if req.In.GuildID == "" {
				return kit.Reply{}, userErr("This command only works inside a server.")
			}
			if !canManageGuild(req.In.MemberPermissions) {
				return kit.Reply{}, userErr("You need the **Manage Server** permission to do that.")
			}
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (kit.Reply, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{logx.Duration("dur", d)}
			var ue *UserError
			switch {
			case err == nil:
				if d >= 750*time.Millisecond {
					req.Logger.Info("command ok", fields...)
				} else {
					req.Logger.Debug("command ok", fields...)
				}
			case asUserError(err, &ue):
				req.Logger.Debug("command rejected", append(fields, logx.String("reason", ue.Msg))...)
			default:
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			}
			return reply, err
		}
	}
}
