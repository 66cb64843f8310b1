package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	logx "postcast/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Middleware wraps a handler. Chain applies the first one outermost.
type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for _, mw := range slices.Backward(mws) {
		h = mw(h)
	}
	return h
}

// slowCommand lifts the success log from debug to info.
const slowCommand = 750 * time.Millisecond

func withTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// recoverPanic turns a handler panic into an error carrying the value.
func recoverPanic() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("command panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("internal error: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// replyOnError tells the operator why a command failed.
func replyOnError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err != nil {
				_ = req.Reply(ctx, "⚠️ "+err.Error())
			}
			return err
		}
	}
}

func logRequest() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)
			chat := logx.Int64("chat_id", req.Chat.ChatID)
			switch {
			case err != nil:
				req.Logger.Warn("command failed", chat, logx.Duration("took", took), logx.Err(err))
			case took >= slowCommand:
				req.Logger.Info("command done", chat, logx.Duration("took", took))
			default:
				req.Logger.Debug("command done", chat, logx.Duration("took", took))
			}
			return err
		}
	}
}
