package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-peer/logger"
	"mini-peer/peer"
	"mini-peer/transaction"
)

// RetryMiddleware re-runs the handler when it fails with a temporary
// transaction error, i.e. a request it forwarded timed out or hit an offline
// peer. Delays double from baseDelay.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, l *zap.Logger) Middleware {
	l = logger.Named(l, "handler")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *peer.IncomingRequest) (any, error) {
			data, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !transaction.Temporary(err) {
					return data, err
				}
				l.Info("retrying request",
					zap.String("method", req.Method), zap.Int("attempt", i+1), zap.Error(err))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return data, err
				}
				data, err = next(ctx, req)
			}
			return data, err
		}
	}
}
