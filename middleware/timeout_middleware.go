package middleware

import (
	"context"
	"time"

	"query-rpc/message"
	"query-rpc/rpcerr"
)

// Timeout bounds the time spent in the rest of the chain. The handler keeps running after
// the deadline with a cancelled context; its late result is discarded.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewErrorFrom(rpcerr.Timeout("request timed out"), req.ID)
			}
		}
	}
}
