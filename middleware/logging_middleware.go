package middleware

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"query-rpc/message"
)

// Logging logs every request with its duration, and failures with their code.
// A nil logger selects log.Default().
func Logging(logger *log.Logger) Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			if resp != nil && resp.Error != nil {
				logger.Warn("rpc failed", "method", req.Method, "id", req.ID, "duration", duration,
					"code", resp.Error.Code, "message", resp.Error.Message)
				return resp
			}
			logger.Debug("rpc request", "method", req.Method, "id", req.ID, "duration", duration)
			return resp
		}
	}
}
