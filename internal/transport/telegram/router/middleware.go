package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"eventbot/internal/apperr"
	logx "eventbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// ErrHandlerPanic wraps the value recovered from a panicking handler.
var ErrHandlerPanic = errors.New("handler panic")

// slowRequest is the duration above which a successful request logs at info.
const slowRequest = 750 * time.Millisecond

// Chain wraps h so that m[0] is the outermost middleware.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// standardChain is the stack every command and callback runs under.
func standardChain(h HandlerFunc, log logx.Logger, timeout time.Duration) HandlerFunc {
	return Chain(h, MWPanicRecover(log), MWRequestLog(log), MWTimeout(timeout))
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// MWPanicRecover turns a handler panic into an ErrHandlerPanic error.
func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				reqLogger(log, req).Error("panic recovered",
					logx.Any("panic", p),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs one line per request. Errors a user caused (bad input,
// unknown or expired reminders) stay at debug; everything else is a warning.
func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			logger := reqLogger(log, req)
			fields := requestFields(req, d)
			switch {
			case err == nil && d >= slowRequest:
				logger.Info("request slow", fields...)
			case err == nil:
				logger.Debug("request ok", fields...)
			case apperr.IsUserFacing(err):
				logger.Debug("request rejected", append(fields, logx.String("reason", apperr.UserMessage(err)))...)
			case errors.Is(err, context.DeadlineExceeded):
				logger.Warn("request timed out", append(fields, logx.Err(err))...)
			default:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			}
			return err
		}
	}
}

func reqLogger(log logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return log
}

func requestFields(req *Request, d time.Duration) []logx.Field {
	fields := []logx.Field{logx.Duration("dur", d)}
	if req == nil {
		return fields
	}
	fields = append(fields,
		logx.String("kind", string(req.Update.Kind)),
		logx.String("cmd", req.Command),
		logx.Int("args", len(req.Args)),
	)
	if req.Payload != "" {
		fields = append(fields, logx.String("payload", req.Payload))
	}
	return fields
}
