// Package middleware wraps the server's call handler.
//
// Middlewares see every dispatched call, including calls to unknown methods,
// and report failures as errors; the server turns the final error into the
// call's status.
package middleware

import (
	"context"
	"net"
)

// Call is one dispatched request.
type Call struct {
	Method  string   // full method name, "/pkg.Service/Method"
	Peer    net.Addr // remote address of the connection
	Payload []byte   // the encoded request message

	// Send writes one encoded response message. It fails once the call has
	// finished or the peer has gone away.
	Send func(payload []byte) error
}

type HandlerFunc func(ctx context.Context, call *Call) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
