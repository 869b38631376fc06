package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"h2rpc/grpcerr"
)

// RateLimit admits calls through a token bucket refilled at r tokens per
// second and holding at most burst tokens. Rejected calls finish with
// ResourceExhausted.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) error {
			if !limiter.Allow() {
				return grpcerr.Status(grpcerr.ResourceExhausted, "rate limit exceeded")
			}
			return next(ctx, call)
		}
	}
}
