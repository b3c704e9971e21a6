package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-peer/peer"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
//
// The bucket is shared by every peer the handler serves.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *peer.IncomingRequest) (any, error) {
			if !limiter.Allow() {
				return nil, Reject(CodeTooManyRequests, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
