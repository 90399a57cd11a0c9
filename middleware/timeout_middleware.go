package middleware

import (
	"context"
	"time"

	"netrpc/message"
)

// ErrTimedOut is the error text of a response cut off by TimeOutMiddleware.
const ErrTimedOut = "request timed out"

// TimeOutMiddleware answers with ErrTimedOut when next has not returned
// within timeout. next keeps running with a cancelled context; its late
// response is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
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
				return &message.Response{Error: ErrTimedOut}
			}
		}
	}
}
