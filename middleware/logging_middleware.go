package middleware

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"h2rpc/grpcerr"
)

// Logging logs every call with its status code and duration.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) error {
			start := time.Now()
			// A timed-out handler may still be sending while this runs.
			var sent atomic.Int64
			send := call.Send
			call.Send = func(payload []byte) error {
				sent.Add(1)
				return send(payload)
			}

			err := next(ctx, call)

			code, msg := grpcerr.FromError(err)
			fields := []zap.Field{
				zap.String("method", call.Method),
				zap.Stringer("code", code),
				zap.Int64("sent", sent.Load()),
				zap.Duration("duration", time.Since(start)),
			}
			if call.Peer != nil {
				fields = append(fields, zap.Stringer("peer", call.Peer))
			}
			if err != nil {
				logger.Warn("call failed", append(fields, zap.String("message", msg))...)
			} else {
				logger.Info("call finished", fields...)
			}
			return err
		}
	}
}
