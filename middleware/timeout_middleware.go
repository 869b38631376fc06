package middleware

import (
	"context"
	"errors"
	"time"

	"h2rpc/grpcerr"
)

// Timeout bounds every call. When the bound expires the call finishes with
// DeadlineExceeded, or Canceled when the caller went away first. The handler
// is not waited for: it keeps running with a canceled context and any
// further Send fails.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.Canceled) {
					return grpcerr.Status(grpcerr.Canceled, "request canceled")
				}
				return grpcerr.Status(grpcerr.DeadlineExceeded, "request timed out")
			}
		}
	}
}
