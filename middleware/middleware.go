// Package middleware wraps the server's dispatch handler. Middlewares see
// every decoded request except heartbeats and may answer it themselves.
package middleware

import (
	"context"

	"netrpc/message"
)

// HandlerFunc handles one request. The server stamps the request id onto
// whatever response comes back, so handlers need not set it.
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
