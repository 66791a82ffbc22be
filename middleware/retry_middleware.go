package middleware

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"query-rpc/message"
	"query-rpc/rpcerr"
)

// Retry re-sends a request that failed with Timeout or Connection, up to maxRetries more
// times with exponential backoff starting at baseDelay. It is meant for the client
// chain; the correlator itself never retries.
func Retry(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			resp := next(ctx, req)
			for i := 0; i < maxRetries && retryable(resp); i++ {
				log.Debug("retrying rpc", "attempt", i+1, "method", req.Method, "code", resp.Error.Code)
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}

func retryable(resp *message.Response) bool {
	if resp == nil || resp.Error == nil {
		return false
	}
	switch resp.Error.Kind() {
	case rpcerr.KindTimeout, rpcerr.KindConnection:
		return true
	}
	return false
}
