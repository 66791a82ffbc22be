// Package middleware wraps request handling in composable layers.
//
// The same HandlerFunc shape is used on both sides: on the server it wraps method
// dispatch, on the client it wraps the transport round trip. Failures travel as error
// responses, so every layer can inspect the outcome without a separate error path.
package middleware

import (
	"context"

	"query-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is the outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
