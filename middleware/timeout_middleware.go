package middleware

import (
	"context"
	"time"

	"mini-peer/peer"
)

type result struct {
	data any
	err  error
}

// TimeOutMiddleware answers 408 if the handler does not finish in time. The
// handler keeps running with a canceled ctx; its late result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *peer.IncomingRequest) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				data, err := next(ctx, req)
				done <- result{data, err}
			}()

			select {
			case r := <-done:
				return r.data, r.err
			case <-ctx.Done():
				return nil, Reject(CodeRequestTimeout, "request timed out")
			}
		}
	}
}
