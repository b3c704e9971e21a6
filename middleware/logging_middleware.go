package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-peer/logger"
	"mini-peer/peer"
)

func LoggingMiddleware(l *zap.Logger) Middleware {
	l = logger.Named(l, "handler")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *peer.IncomingRequest) (any, error) {
			start := time.Now()
			data, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Uint64("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if p := req.Peer(); p != nil {
				fields = append(fields, zap.String("peer", p.ID()))
			}
			if err != nil {
				code, reason := ErrorCode(err)
				l.Warn("request failed", append(fields, zap.Int("code", code), zap.String("reason", reason))...)
				return data, err
			}
			l.Debug("request served", fields...)
			return data, nil
		}
	}
}
