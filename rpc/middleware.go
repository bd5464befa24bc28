package rpc

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// ErrHandlerTimeout is returned by handlers wrapped with Timeout when they
// overrun.
const ErrHandlerTimeout = Error("handler timed out")

// Logging logs every handled request with its duration and error.
func Logging(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			reply, err := next(ctx, payload)
			fields := []zap.Field{
				zap.Int("request_bytes", len(payload)),
				zap.Int("reply_bytes", len(reply)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("request handled", append(fields, zap.Error(err))...)
			} else {
				logger.Info("request handled", fields...)
			}
			return reply, err
		}
	}
}

// Timeout cancels the handler's context after d and fails the request with
// ErrHandlerTimeout if the handler has not returned by then. If the server
// stops first, the handler keeps its full budget to finish.
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(parent context.Context, payload []byte) ([]byte, error) {
			ctx, cancel := context.WithTimeout(parent, d)
			defer cancel()

			type result struct {
				reply []byte
				err   error
			}
			done := make(chan result, 1)
			go func() {
				reply, err := next(ctx, payload)
				done <- result{reply, err}
			}()

			select {
			case r := <-done:
				return r.reply, r.err
			case <-ctx.Done():
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
				return nil, errors.Wrapf(ErrHandlerTimeout, "after %s", d)
			}

			deadline, _ := ctx.Deadline()
			timer := time.NewTimer(time.Until(deadline))
			defer timer.Stop()
			select {
			case r := <-done:
				return r.reply, r.err
			case <-timer.C:
				return nil, errors.Wrapf(ErrHandlerTimeout, "after %s", d)
			}
		}
	}
}

// RateLimit holds requests back so the handler runs at most r times per
// second with the given burst. Held requests stay unacknowledged, so the
// broker stops delivering once the in-flight bound is reached. A request
// still held when the server stops fails with the context error and is
// requeued.
func RateLimit(r rate.Limit, burst int) Middleware {
	limiter := rate.NewLimiter(r, burst)
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if err := limiter.Wait(ctx); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, errors.Wrap(ctxErr, "rate limit")
				}
				return nil, errors.Wrap(err, "rate limit")
			}
			return next(ctx, payload)
		}
	}
}
