package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"query-rpc/message"
	"query-rpc/rpcerr"
)

// RateLimit rejects requests beyond r per second (token bucket with the given burst)
// with a Server error.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.NewErrorFrom(rpcerr.Server("rate limit exceeded"), req.ID)
			}
			return next(ctx, req)
		}
	}
}
