package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"netrpc/message"
)

// ErrRateLimited is the error text of a request rejected by RateLimitMiddleware.
const ErrRateLimited = "rate limit exceeded"

// RateLimitMiddleware admits r requests per second with bursts of burst,
// using a token bucket shared by every connection of the server.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return &message.Response{Error: ErrRateLimited}
			}
			return next(ctx, req)
		}
	}
}
